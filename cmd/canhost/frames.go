package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/canhost"
)

// Parse a frame in candump notation : ID#HEXDATA, ID#R for a remote request.
// Ids with more than 3 digits or above 0x7FF are extended.
func parseFrame(s string) (canhost.Frame, error) {
	idStr, dataStr, found := strings.Cut(strings.TrimSpace(s), "#")
	if !found || idStr == "" {
		return canhost.Frame{}, fmt.Errorf("invalid frame %q, expected ID#HEXDATA", s)
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil || id > 0x1FFFFFFF {
		return canhost.Frame{}, fmt.Errorf("invalid frame id %q", idStr)
	}
	flags := canhost.FlagStd
	if len(idStr) > 3 || id > 0x7FF {
		flags = canhost.FlagExt
	}
	if strings.EqualFold(dataStr, "R") {
		return canhost.NewFrame(uint32(id), nil, flags|canhost.FlagRTR), nil
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataStr, ".", ""))
	if err != nil {
		return canhost.Frame{}, fmt.Errorf("invalid frame data %q : %w", dataStr, err)
	}
	if len(data) > canhost.MaxDataLength {
		return canhost.Frame{}, fmt.Errorf("invalid frame data %q : more than %v bytes", dataStr, canhost.MaxDataLength)
	}
	return canhost.NewFrame(uint32(id), data, flags), nil
}

// Comma separated list of frames
func parseFrames(s string) ([]canhost.Frame, error) {
	var frames []canhost.Frame
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		frame, err := parseFrame(part)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
