package canlib

import (
	"fmt"
	"strconv"
	"strings"
)

// canStatus return code
type Status int

const (
	StatusOK               Status = 0
	StatusErrParam         Status = -1
	StatusNoMsg            Status = -2
	StatusNotFound         Status = -3
	StatusNoMem            Status = -4
	StatusNoChannels       Status = -5
	StatusInterrupted      Status = -6
	StatusTimeout          Status = -7
	StatusNotInitialized   Status = -8
	StatusNoHandles        Status = -9
	StatusInvHandle        Status = -10
	StatusIniFile          Status = -11
	StatusDriver           Status = -12
	StatusTxBufOverflow    Status = -13
	StatusHardware         Status = -15
	StatusErrDynaLoad      Status = -16
	StatusErrDynaLib       Status = -17
	StatusErrDynaInit      Status = -18
	StatusNotSupported     Status = -19
	StatusDriverLoad       Status = -23
	StatusDriverFailed     Status = -24
	StatusNoConfigMgr      Status = -25
	StatusNoCard           Status = -26
	StatusRegistry         Status = -28
	StatusLicense          Status = -29
	StatusInternal         Status = -30
	StatusNoAccess         Status = -31
	StatusNotImplemented   Status = -32
	StatusDeviceFile       Status = -33
	StatusHostFile         Status = -34
	StatusDisk             Status = -35
	StatusCRC              Status = -36
	StatusConfig           Status = -37
	StatusMemoFail         Status = -38
	StatusScriptFail       Status = -39
	StatusScriptWrongVer   Status = -40
	StatusScriptTxeContent Status = -41
)

var statusDescriptions = map[Status]string{
	StatusOK:               "No error",
	StatusErrParam:         "Error in parameter",
	StatusNoMsg:            "No messages available",
	StatusNotFound:         "Specified device not found",
	StatusNoMem:            "Out of memory",
	StatusNoChannels:       "No channels available",
	StatusInterrupted:      "Interrupted by signal",
	StatusTimeout:          "Timeout occurred",
	StatusNotInitialized:   "Library not initialized",
	StatusNoHandles:        "Can't get handle",
	StatusInvHandle:        "Handle is invalid",
	StatusIniFile:          "Error in the ini-file (16-bit only)",
	StatusDriver:           "CAN driver type not supported",
	StatusTxBufOverflow:    "Transmit buffer overflow",
	StatusHardware:         "A hardware error was detected",
	StatusErrDynaLoad:      "Can not find requested DLL",
	StatusErrDynaLib:       "DLL seems to be wrong version",
	StatusErrDynaInit:      "Error when initializing DLL",
	StatusNotSupported:     "Operation not supported by hardware or firmware",
	StatusDriverLoad:       "Can't find or load kernel driver",
	StatusDriverFailed:     "DeviceIOControl failed",
	StatusNoConfigMgr:      "Can't find req'd config s/w (e.g. CS/SS)",
	StatusNoCard:           "The card was removed or not inserted",
	StatusRegistry:         "Error (missing data) in the Registry",
	StatusLicense:          "The license is not valid",
	StatusInternal:         "Internal error in the driver",
	StatusNoAccess:         "Access denied",
	StatusNotImplemented:   "Not implemented",
	StatusDeviceFile:       "Device File error",
	StatusHostFile:         "Host File error",
	StatusDisk:             "Disk error",
	StatusCRC:              "CRC error",
	StatusConfig:           "Configuration Error",
	StatusMemoFail:         "Memo Error",
	StatusScriptFail:       "Script Fail",
	StatusScriptWrongVer:   "The t program version is not supported",
	StatusScriptTxeContent: "The compiled t program container contains wrong data",
}

// A negative canlib return code
type DriverError struct {
	Code        Status
	Description string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%v (%v)", e.Description, int(e.Code))
}

// Err converts a status into an error, nil for non negative codes
func (s Status) Err() error {
	if s >= StatusOK {
		return nil
	}
	desc, ok := statusDescriptions[s]
	if !ok {
		return fmt.Errorf("unable to get description for error code %v", int(s))
	}
	return &DriverError{Code: s, Description: desc}
}

func (s Status) String() string {
	desc, ok := statusDescriptions[s]
	if !ok {
		return "canStatus(" + strconv.Itoa(int(s)) + ")"
	}
	return desc
}

// Bit rate codes, canBITRATE_*
const (
	Bitrate1M   = -1
	Bitrate500K = -2
	Bitrate250K = -3
	Bitrate125K = -4
	Bitrate100K = -5
	Bitrate62K  = -6
	Bitrate50K  = -7
	Bitrate83K  = -8
	Bitrate10K  = -9
)

var bitrateNames = map[string]int{
	"1M":   Bitrate1M,
	"500K": Bitrate500K,
	"250K": Bitrate250K,
	"125K": Bitrate125K,
	"100K": Bitrate100K,
	"62K":  Bitrate62K,
	"50K":  Bitrate50K,
	"83K":  Bitrate83K,
	"10K":  Bitrate10K,
}

// ParseBitrate accepts "500K", "500k", "500000", "1M" ... and returns the bit rate code
func ParseBitrate(s string) (int, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	if code, ok := bitrateNames[key]; ok {
		return code, nil
	}
	if bps, err := strconv.Atoi(key); err == nil {
		switch {
		case bps%1_000_000 == 0 && bps > 0:
			key = strconv.Itoa(bps/1_000_000) + "M"
		case bps%1000 == 0 && bps > 0:
			key = strconv.Itoa(bps/1000) + "K"
		}
		if bps == 62_500 {
			key = "62K"
		}
		if bps == 83_333 {
			key = "83K"
		}
		if code, ok := bitrateNames[key]; ok {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unsupported bitrate : %q", s)
}

// BitrateName returns the name of a bit rate code e.g. "500K"
func BitrateName(code int) string {
	for name, c := range bitrateNames {
		if c == code {
			return name
		}
	}
	return strconv.Itoa(code)
}

// canOpenChannel flags
const (
	OpenExclusive         = 0x0008
	OpenRequireExtended   = 0x0010
	OpenAcceptVirtual     = 0x0020
	OpenOverrideExclusive = 0x0040
	OpenRequireInitAccess = 0x0080
	OpenNoInitAccess      = 0x0100
	OpenAcceptLargeDlc    = 0x0200
)

// canGetVersionEx selectors
const (
	VersionCanlib32Version = 0
	VersionCanlib32ProdVer = 1
	VersionProdVer32       = 2
	VersionBeta            = 3
)
