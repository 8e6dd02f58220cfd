package canhost

import "fmt"

// Information about the underlying CAN driver.
// Only created through NewDriverInfo, major and minor are always derived from the raw value.
type DriverInfo struct {
	VersionRaw   int
	VersionMajor int
	VersionMinor int
	Channels     int
}

func NewDriverInfo(raw int, channels int) DriverInfo {
	if channels < 0 {
		channels = 0
	}
	return DriverInfo{
		VersionRaw:   raw,
		VersionMajor: (raw >> 16) & 0xFF,
		VersionMinor: (raw >> 8) & 0xFF,
		Channels:     channels,
	}
}

func (info DriverInfo) String() string {
	return fmt.Sprintf("CANlib v%d.%d (raw: %d), channels: %d", info.VersionMajor, info.VersionMinor, info.VersionRaw, info.Channels)
}
