// Package canlib defines the capability surface of a canlib style CAN driver.
//
// A driver can be statically linked (registered from an init() function,
// see RegisterDriver) or resolved at runtime from a shared library
// (see package dynamic). Adapters only ever depend on the Driver interface.
package canlib

import (
	"fmt"
	"sort"
	"sync"
)

// Channel handle returned by OpenChannel, negative values are errors
type Handle int

// Handle value meaning "no channel open"
const InvalidHandle Handle = -1

func (h Handle) Valid() bool {
	return h >= 0
}

// Header of a received message
type RxInfo struct {
	ID        uint32
	DLC       int
	Flags     uint32
	Timestamp int64 // milliseconds
}

// Driver mirrors the native canlib calls. Return codes are never
// interpreted here, the caller decides what a status means.
type Driver interface {
	InitializeLibrary()                                                       // canInitializeLibrary
	GetVersion(selector int) int                                              // canGetVersionEx
	GetChannelCount() (int, Status)                                           // canGetNumberOfChannels
	OpenChannel(channel int, flags int) Handle                                // canOpenChannel
	SetBusParams(h Handle, bitrate int, tseg1, tseg2, sjw, noSamp int) Status // canSetBusParams
	BusOn(h Handle) Status                                                    // canBusOn
	BusOff(h Handle) Status                                                   // canBusOff
	Close(h Handle) Status                                                    // canClose
	Write(h Handle, id uint32, data *[8]byte, dlc int, flags uint32) Status   // canWrite
	ReadWait(h Handle, data *[8]byte, timeoutMs int) (RxInfo, Status)         // canReadWait
	Release() error                                                           // Unload driver module, safe to call multiple times
}

type NewDriverFunc func() (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]NewDriverFunc)
)

// Register a statically available driver binding.
// This should be called inside an init() function of the binding package
func RegisterDriver(name string, newDriver NewDriverFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = newDriver
}

// Create a new driver from the registered bindings
func NewDriver(name string) (Driver, error) {
	registryMu.RLock()
	newDriver, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported driver : %v (available : %v)", name, Drivers())
	}
	return newDriver()
}

// Names of all registered drivers, sorted
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
