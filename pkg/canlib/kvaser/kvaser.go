//go:build kvaser

package kvaser

/*
#cgo windows LDFLAGS: -lcanlib32
#cgo !windows LDFLAGS: -lcanlib
#include <canlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/samsamfire/canhost/pkg/canlib"
)

func init() {
	canlib.RegisterDriver("kvaser", NewKvaserDriver)
}

// Statically linked canlib
type Driver struct{}

var _ canlib.Driver = (*Driver)(nil)

func NewKvaserDriver() (canlib.Driver, error) {
	return &Driver{}, nil
}

func (d *Driver) InitializeLibrary() {
	C.canInitializeLibrary()
}

func (d *Driver) GetVersion(selector int) int {
	return int(C.canGetVersionEx(C.uint(selector)))
}

func (d *Driver) GetChannelCount() (int, canlib.Status) {
	var count C.int
	status := C.canGetNumberOfChannels(&count)
	return int(count), canlib.Status(status)
}

func (d *Driver) OpenChannel(channel int, flags int) canlib.Handle {
	return canlib.Handle(C.canOpenChannel(C.int(channel), C.int(flags)))
}

func (d *Driver) SetBusParams(h canlib.Handle, bitrate int, tseg1, tseg2, sjw, noSamp int) canlib.Status {
	return canlib.Status(C.canSetBusParams(C.canHandle(h), C.long(bitrate),
		C.uint(tseg1), C.uint(tseg2), C.uint(sjw), C.uint(noSamp), 0))
}

func (d *Driver) BusOn(h canlib.Handle) canlib.Status {
	return canlib.Status(C.canBusOn(C.canHandle(h)))
}

func (d *Driver) BusOff(h canlib.Handle) canlib.Status {
	return canlib.Status(C.canBusOff(C.canHandle(h)))
}

func (d *Driver) Close(h canlib.Handle) canlib.Status {
	return canlib.Status(C.canClose(C.canHandle(h)))
}

func (d *Driver) Write(h canlib.Handle, id uint32, data *[8]byte, dlc int, flags uint32) canlib.Status {
	if data == nil {
		return canlib.StatusErrParam
	}
	return canlib.Status(C.canWrite(C.canHandle(h), C.long(id), unsafe.Pointer(data), C.uint(dlc), C.uint(flags)))
}

func (d *Driver) ReadWait(h canlib.Handle, data *[8]byte, timeoutMs int) (canlib.RxInfo, canlib.Status) {
	if data == nil {
		return canlib.RxInfo{}, canlib.StatusErrParam
	}
	var id C.long
	var dlc, flags C.uint
	var ts C.ulong
	var buf [8]byte
	status := canlib.Status(C.canReadWait(C.canHandle(h), &id, unsafe.Pointer(&buf[0]), &dlc, &flags, &ts, C.ulong(timeoutMs)))
	if status != canlib.StatusOK {
		return canlib.RxInfo{}, status
	}
	*data = buf
	return canlib.RxInfo{ID: uint32(id), DLC: int(dlc), Flags: uint32(flags), Timestamp: int64(ts)}, status
}

// Nothing to unload for a linked library
func (d *Driver) Release() error {
	return nil
}

// Description of a status as returned by canGetErrorText
func ErrorText(status canlib.Status) string {
	msg := [64]C.char{}
	res := C.canGetErrorText(C.canStatus(status), &msg[0], C.uint(unsafe.Sizeof(msg)))
	if res < 0 {
		return fmt.Sprintf("unable to get description for error code %v (%v)", int(status), int(res))
	}
	return C.GoString(&msg[0])
}

// Version of the canlib library e.g. "5.14"
func Version() string {
	raw := int(C.canGetVersionEx(C.canVERSION_CANLIB32_PRODVER32))
	return fmt.Sprintf("%d.%d", (raw>>16)&0xFF, (raw>>8)&0xFF)
}

// Number of channels reported by canlib, 0 on error
func NbChannels() int {
	var count C.int
	if C.canGetNumberOfChannels(&count) != C.canOK {
		return 0
	}
	return int(count)
}
