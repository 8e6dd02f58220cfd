package canhost

import (
	"fmt"
	"strings"
)

// Message flags, same bit values as canlib's canMSG_* flags
const (
	FlagRTR        uint32 = 0x0001 // Remote request
	FlagStd        uint32 = 0x0002 // Standard 11-bit identifier
	FlagExt        uint32 = 0x0004 // Extended 29-bit identifier
	FlagWakeup     uint32 = 0x0008 // Single wire wakeup
	FlagErrorFrame uint32 = 0x0020 // Error frame
	FlagTxAck      uint32 = 0x0040 // Transmit acknowledge
	FlagTxRq       uint32 = 0x0080 // Transmit request
)

// Maximum payload length of a classic CAN frame
const MaxDataLength = 8

// A CAN frame as delivered by an adapter.
// Frames are values, the payload is copied whenever a frame
// crosses an adapter boundary so it is never shared with a driver buffer.
type Frame struct {
	ID        uint32
	Data      []byte
	DLC       uint8
	Flags     uint32
	Timestamp int64 // milliseconds, driver time base
}

// Create a new frame, data is copied and DLC set to its length (max 8)
func NewFrame(id uint32, data []byte, flags uint32) Frame {
	n := len(data)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	payload := make([]byte, n)
	copy(payload, data)
	return Frame{ID: id, Data: payload, DLC: uint8(n), Flags: flags}
}

// Number of payload bytes that are actually usable : min(dlc, 8, len(data))
func (f Frame) Len() int {
	n := int(f.DLC)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return n
}

// Payload returns a copy of the usable payload bytes
func (f Frame) Payload() []byte {
	out := make([]byte, f.Len())
	copy(out, f.Data)
	return out
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

func (f Frame) Extended() bool {
	return f.Flags&FlagExt != 0
}

func (f Frame) Remote() bool {
	return f.Flags&FlagRTR != 0
}

// DataHex renders the usable payload as upper-case hex bytes separated by spaces
func (f Frame) DataHex() string {
	n := f.Len()
	if n == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n * 3)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", f.Data[i])
	}
	return sb.String()
}

// Single line representation e.g. "1234 ID:0x123 DLC:8 01 02 03 04 05 06 07 08 Time:1234"
func (f Frame) String() string {
	return fmt.Sprintf("%d ID:0x%03X DLC:%d %s Time:%d", f.Timestamp, f.ID, f.DLC, f.DataHex(), f.Timestamp)
}
