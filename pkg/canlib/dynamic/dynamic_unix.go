//go:build (linux || darwin || freebsd) && (amd64 || arm64)

package dynamic

import (
	"unsafe"

	"github.com/ebitengine/purego"
)

// C long is 64 bits on the supported unix targets
type symbols struct {
	lib                    uintptr
	canInitializeLibrary   func()
	canGetVersionEx        func(itemCode uint32) uint32
	canGetNumberOfChannels func(channelCount *int32) int32
	canOpenChannel         func(channel int32, flags int32) int32
	canSetBusParams        func(hnd int32, freq int64, tseg1, tseg2, sjw, noSamp, syncmode uint32) int32
	canBusOn               func(hnd int32) int32
	canBusOff              func(hnd int32) int32
	canClose               func(hnd int32) int32
	canWrite               func(hnd int32, id int64, msg unsafe.Pointer, dlc uint32, flag uint32) int32
	canReadWait            func(hnd int32, id *int64, msg unsafe.Pointer, dlc *uint32, flag *uint32, time *uint64, timeout uint64) int32
}

func load(path string) (natives, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	s := &symbols{lib: lib}
	targets := map[string]any{
		"canInitializeLibrary":   &s.canInitializeLibrary,
		"canGetVersionEx":        &s.canGetVersionEx,
		"canGetNumberOfChannels": &s.canGetNumberOfChannels,
		"canOpenChannel":         &s.canOpenChannel,
		"canSetBusParams":        &s.canSetBusParams,
		"canBusOn":               &s.canBusOn,
		"canBusOff":              &s.canBusOff,
		"canClose":               &s.canClose,
		"canWrite":               &s.canWrite,
		"canReadWait":            &s.canReadWait,
	}
	for _, name := range requiredSymbols {
		sym, err := purego.Dlsym(lib, name)
		if err != nil || sym == 0 {
			_ = purego.Dlclose(lib)
			return nil, &SymbolError{Symbol: name, Path: path, Err: err}
		}
		purego.RegisterFunc(targets[name], sym)
	}
	return s, nil
}

func (s *symbols) initializeLibrary() { s.canInitializeLibrary() }

func (s *symbols) getVersionEx(selector uint32) uint32 { return s.canGetVersionEx(selector) }

func (s *symbols) getNumberOfChannels(count *int32) int32 { return s.canGetNumberOfChannels(count) }

func (s *symbols) openChannel(channel int32, flags int32) int32 {
	return s.canOpenChannel(channel, flags)
}

func (s *symbols) setBusParams(handle int32, freq int64, tseg1, tseg2, sjw, noSamp, syncmode uint32) int32 {
	return s.canSetBusParams(handle, freq, tseg1, tseg2, sjw, noSamp, syncmode)
}

func (s *symbols) busOn(handle int32) int32 { return s.canBusOn(handle) }

func (s *symbols) busOff(handle int32) int32 { return s.canBusOff(handle) }

func (s *symbols) close(handle int32) int32 { return s.canClose(handle) }

func (s *symbols) write(handle int32, id int64, msg *[8]byte, dlc uint32, flags uint32) int32 {
	return s.canWrite(handle, id, unsafe.Pointer(msg), dlc, flags)
}

func (s *symbols) readWait(handle int32, msg *[8]byte, timeout uint32) (int64, uint32, uint32, uint64, int32) {
	var id int64
	var dlc, flags uint32
	var ts uint64
	status := s.canReadWait(handle, &id, unsafe.Pointer(msg), &dlc, &flags, &ts, uint64(timeout))
	return id, dlc, flags, ts, status
}

func (s *symbols) release() error {
	return purego.Dlclose(s.lib)
}
