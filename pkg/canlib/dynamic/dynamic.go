// Package dynamic resolves the canlib entry points from a shared library
// at runtime (canlib32.dll, libcanlib.so ...) instead of linking against it.
package dynamic

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/samsamfire/canhost/pkg/canlib"
	log "github.com/sirupsen/logrus"
)

var (
	ErrLoadFailure    = errors.New("unable to load driver module")
	ErrSymbolNotFound = errors.New("symbol not found in driver module")
)

// The module could not be opened
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load driver module %q : %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoadFailure }

// A required export is missing from the module
type SymbolError struct {
	Symbol string
	Path   string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%v not found in module %q", e.Symbol, e.Path)
}

func (e *SymbolError) Unwrap() error { return e.Err }

func (e *SymbolError) Is(target error) bool { return target == ErrSymbolNotFound }

// Exports that must all be present
var requiredSymbols = []string{
	"canInitializeLibrary",
	"canGetVersionEx",
	"canGetNumberOfChannels",
	"canOpenChannel",
	"canSetBusParams",
	"canBusOn",
	"canBusOff",
	"canClose",
	"canWrite",
	"canReadWait",
}

// Raw native calls, implemented per platform
type natives interface {
	initializeLibrary()
	getVersionEx(selector uint32) uint32
	getNumberOfChannels(count *int32) int32
	openChannel(channel int32, flags int32) int32
	setBusParams(handle int32, freq int64, tseg1, tseg2, sjw, noSamp, syncmode uint32) int32
	busOn(handle int32) int32
	busOff(handle int32) int32
	close(handle int32) int32
	write(handle int32, id int64, msg *[8]byte, dlc uint32, flags uint32) int32
	readWait(handle int32, msg *[8]byte, timeout uint32) (id int64, dlc uint32, flags uint32, time uint64, status int32)
	release() error
}

// A canlib driver resolved from a shared library.
// Implements canlib.Driver
type Library struct {
	path       string
	mu         sync.RWMutex
	native     natives // nil once released
	once       sync.Once
	releaseErr error
}

var _ canlib.Driver = (*Library)(nil)

// Open loads the module at path and resolves every required export.
// Fails with a *LoadError or a *SymbolError.
func Open(path string) (*Library, error) {
	if path == "" {
		return nil, &LoadError{Path: path, Err: errors.New("empty path")}
	}
	native, err := load(path)
	if err != nil {
		return nil, err
	}
	log.Infof("[DYNAMIC] using native library %v", path)
	return &Library{path: path, native: native}, nil
}

func (l *Library) Path() string {
	return l.path
}

// Calls hold a read lock so that the module can't be unloaded under an in-flight call
func (l *Library) acquire() (natives, func()) {
	l.mu.RLock()
	if l.native == nil {
		l.mu.RUnlock()
		return nil, func() {}
	}
	return l.native, l.mu.RUnlock
}

func (l *Library) InitializeLibrary() {
	n, done := l.acquire()
	defer done()
	if n != nil {
		n.initializeLibrary()
	}
}

func (l *Library) GetVersion(selector int) int {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return 0
	}
	return int(n.getVersionEx(uint32(selector)))
}

func (l *Library) GetChannelCount() (int, canlib.Status) {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return 0, canlib.StatusErrDynaLoad
	}
	var count int32
	status := n.getNumberOfChannels(&count)
	return int(count), canlib.Status(status)
}

func (l *Library) OpenChannel(channel int, flags int) canlib.Handle {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.Handle(canlib.StatusErrDynaLoad)
	}
	return canlib.Handle(n.openChannel(int32(channel), int32(flags)))
}

func (l *Library) SetBusParams(h canlib.Handle, bitrate int, tseg1, tseg2, sjw, noSamp int) canlib.Status {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.StatusErrDynaLoad
	}
	return canlib.Status(n.setBusParams(int32(h), int64(bitrate), uint32(tseg1), uint32(tseg2), uint32(sjw), uint32(noSamp), 0))
}

func (l *Library) BusOn(h canlib.Handle) canlib.Status {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.StatusErrDynaLoad
	}
	return canlib.Status(n.busOn(int32(h)))
}

func (l *Library) BusOff(h canlib.Handle) canlib.Status {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.StatusErrDynaLoad
	}
	return canlib.Status(n.busOff(int32(h)))
}

func (l *Library) Close(h canlib.Handle) canlib.Status {
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.StatusErrDynaLoad
	}
	return canlib.Status(n.close(int32(h)))
}

func (l *Library) Write(h canlib.Handle, id uint32, data *[8]byte, dlc int, flags uint32) canlib.Status {
	if data == nil {
		return canlib.StatusErrParam
	}
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.StatusErrDynaLoad
	}
	buf := new([8]byte)
	*buf = *data
	var pinner runtime.Pinner
	pinner.Pin(buf)
	defer pinner.Unpin()
	return canlib.Status(n.write(int32(h), int64(id), buf, uint32(dlc), flags))
}

func (l *Library) ReadWait(h canlib.Handle, data *[8]byte, timeoutMs int) (canlib.RxInfo, canlib.Status) {
	if data == nil {
		return canlib.RxInfo{}, canlib.StatusErrParam
	}
	n, done := l.acquire()
	defer done()
	if n == nil {
		return canlib.RxInfo{}, canlib.StatusErrDynaLoad
	}
	buf := new([8]byte)
	var pinner runtime.Pinner
	pinner.Pin(buf)
	defer pinner.Unpin()
	id, dlc, flags, ts, status := n.readWait(int32(h), buf, uint32(timeoutMs))
	if canlib.Status(status) != canlib.StatusOK {
		// Buffer content is undefined
		return canlib.RxInfo{}, canlib.Status(status)
	}
	*data = *buf
	return canlib.RxInfo{ID: uint32(id), DLC: int(dlc), Flags: flags, Timestamp: int64(ts)}, canlib.StatusOK
}

// Release unloads the module. Only the first call has an effect.
func (l *Library) Release() error {
	l.once.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.releaseErr = l.native.release()
		l.native = nil
		log.Infof("[DYNAMIC] released native library %v", l.path)
	})
	return l.releaseErr
}
