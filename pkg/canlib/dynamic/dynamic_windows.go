//go:build windows

package dynamic

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// C long is 32 bits on windows
type symbols struct {
	dll   *windows.DLL
	procs map[string]*windows.Proc
}

func load(path string) (natives, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	s := &symbols{dll: dll, procs: make(map[string]*windows.Proc, len(requiredSymbols))}
	for _, name := range requiredSymbols {
		proc, err := dll.FindProc(name)
		if err != nil {
			_ = dll.Release()
			return nil, &SymbolError{Symbol: name, Path: path, Err: err}
		}
		s.procs[name] = proc
	}
	return s, nil
}

// Pointer arguments converted to uintptr stay valid for the whole call
//
//go:uintptrescapes
func (s *symbols) call(name string, args ...uintptr) int32 {
	r1, _, _ := s.procs[name].Call(args...)
	return int32(r1)
}

func (s *symbols) initializeLibrary() {
	s.call("canInitializeLibrary")
}

func (s *symbols) getVersionEx(selector uint32) uint32 {
	return uint32(s.call("canGetVersionEx", uintptr(selector)))
}

func (s *symbols) getNumberOfChannels(count *int32) int32 {
	return s.call("canGetNumberOfChannels", uintptr(unsafe.Pointer(count)))
}

func (s *symbols) openChannel(channel int32, flags int32) int32 {
	return s.call("canOpenChannel", uintptr(channel), uintptr(flags))
}

func (s *symbols) setBusParams(handle int32, freq int64, tseg1, tseg2, sjw, noSamp, syncmode uint32) int32 {
	return s.call("canSetBusParams", uintptr(handle), uintptr(int32(freq)),
		uintptr(tseg1), uintptr(tseg2), uintptr(sjw), uintptr(noSamp), uintptr(syncmode))
}

func (s *symbols) busOn(handle int32) int32 {
	return s.call("canBusOn", uintptr(handle))
}

func (s *symbols) busOff(handle int32) int32 {
	return s.call("canBusOff", uintptr(handle))
}

func (s *symbols) close(handle int32) int32 {
	return s.call("canClose", uintptr(handle))
}

func (s *symbols) write(handle int32, id int64, msg *[8]byte, dlc uint32, flags uint32) int32 {
	return s.call("canWrite", uintptr(handle), uintptr(int32(id)), uintptr(unsafe.Pointer(msg)), uintptr(dlc), uintptr(flags))
}

func (s *symbols) readWait(handle int32, msg *[8]byte, timeout uint32) (int64, uint32, uint32, uint64, int32) {
	var id int32
	var dlc, flags, ts uint32
	status := s.call("canReadWait", uintptr(handle),
		uintptr(unsafe.Pointer(&id)), uintptr(unsafe.Pointer(msg)),
		uintptr(unsafe.Pointer(&dlc)), uintptr(unsafe.Pointer(&flags)), uintptr(unsafe.Pointer(&ts)),
		uintptr(timeout))
	return int64(id), dlc, flags, uint64(ts), status
}

func (s *symbols) release() error {
	return s.dll.Release()
}
