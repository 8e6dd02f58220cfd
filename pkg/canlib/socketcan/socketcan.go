//go:build linux

package socketcan

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/canlib"
	log "github.com/sirupsen/logrus"
)

// canlib Driver on top of socketcan, it uses the implementation
// that can be found here : https://github.com/brutella/can
// Channel index n is mapped to network interface <prefix><n>, e.g. can0.
// The interface is expected to be up, bit rate is configured with netlink (ip link).

func init() {
	canlib.RegisterDriver("socketcan", func() (canlib.Driver, error) { return New("can"), nil })
	canlib.RegisterDriver("vcan", func() (canlib.Driver, error) { return New("vcan"), nil })
}

// socketcan id flags
const (
	canEffFlag uint32 = 0x80000000
	canRtrFlag uint32 = 0x40000000
	canErrFlag uint32 = 0x20000000
	canSffMask uint32 = 0x000007FF
	canEffMask uint32 = 0x1FFFFFFF
)

const DefaultRxCapacity = 1024

type message struct {
	info canlib.RxInfo
	data [8]byte
}

type channel struct {
	driver *Driver
	name   string
	bus    *sockcan.Bus
	onBus  bool
	rx     chan message
	closed chan struct{}
}

// brutella/can specific "Handle" implementation, called from the publish goroutine
func (c *channel) Handle(frame sockcan.Frame) {
	msg := message{info: fromSocketcan(frame.ID), data: frame.Data}
	msg.info.DLC = int(frame.Length)
	msg.info.Timestamp = c.driver.now()
	select {
	case c.rx <- msg:
	default:
		c.driver.overruns.Add(1)
	}
}

type Driver struct {
	mu       sync.Mutex
	prefix   string
	start    time.Time
	handles  map[canlib.Handle]*channel
	next     canlib.Handle
	overruns atomic.Uint64
}

var _ canlib.Driver = (*Driver)(nil)

// Create a driver for interfaces named <prefix><index>
func New(prefix string) *Driver {
	return &Driver{prefix: prefix, start: time.Now(), handles: make(map[canlib.Handle]*channel)}
}

func (d *Driver) now() int64 {
	d.mu.Lock()
	start := d.start
	d.mu.Unlock()
	return time.Since(start).Milliseconds()
}

func (d *Driver) InitializeLibrary() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		d.start = time.Now()
	}
}

// No versioning for socketcan
func (d *Driver) GetVersion(selector int) int {
	return 0
}

func (d *Driver) GetChannelCount() (int, canlib.Status) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warnf("[SOCKETCAN] unable to list interfaces : %v", err)
		return 0, canlib.StatusDriver
	}
	count := 0
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, d.prefix) {
			count++
		}
	}
	return count, canlib.StatusOK
}

func (d *Driver) OpenChannel(index int, flags int) canlib.Handle {
	if index < 0 {
		return canlib.Handle(canlib.StatusErrParam)
	}
	name := fmt.Sprintf("%s%d", d.prefix, index)
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		log.Warnf("[SOCKETCAN] unable to open %v : %v", name, err)
		return canlib.Handle(canlib.StatusNotFound)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.next
	d.next++
	c := &channel{
		driver: d,
		name:   name,
		bus:    bus,
		rx:     make(chan message, DefaultRxCapacity),
		closed: make(chan struct{}),
	}
	bus.Subscribe(c)
	d.handles[h] = c
	return h
}

func (d *Driver) get(h canlib.Handle) (*channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.handles[h]
	return c, ok
}

// Bit rate is owned by netlink, only the handle is checked
func (d *Driver) SetBusParams(h canlib.Handle, bitrate int, tseg1, tseg2, sjw, noSamp int) canlib.Status {
	if _, ok := d.get(h); !ok {
		return canlib.StatusInvHandle
	}
	log.Debugf("[SOCKETCAN] bitrate %v ignored, configure it with ip link", canlib.BitrateName(bitrate))
	return canlib.StatusOK
}

func (d *Driver) BusOn(h canlib.Handle) canlib.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.handles[h]
	if !ok {
		return canlib.StatusInvHandle
	}
	if c.onBus {
		return canlib.StatusOK
	}
	if c.bus == nil {
		// Socket was closed by a previous bus off
		bus, err := sockcan.NewBusForInterfaceWithName(c.name)
		if err != nil {
			log.Warnf("[SOCKETCAN] unable to reopen %v : %v", c.name, err)
			return canlib.StatusNotFound
		}
		bus.Subscribe(c)
		c.bus = bus
	}
	c.onBus = true
	go func(bus *sockcan.Bus, name string) {
		err := bus.ConnectAndPublish()
		if err != nil {
			log.Debugf("[SOCKETCAN] %v reception stopped : %v", name, err)
		}
	}(c.bus, c.name)
	return canlib.StatusOK
}

func (d *Driver) BusOff(h canlib.Handle) canlib.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.handles[h]
	if !ok {
		return canlib.StatusInvHandle
	}
	return c.disconnect()
}

func (c *channel) disconnect() canlib.Status {
	if c.bus == nil {
		return canlib.StatusOK
	}
	err := c.bus.Disconnect()
	c.bus = nil
	c.onBus = false
	if err != nil {
		log.Warnf("[SOCKETCAN] disconnect %v : %v", c.name, err)
		return canlib.StatusDriver
	}
	return canlib.StatusOK
}

func (d *Driver) Close(h canlib.Handle) canlib.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.handles[h]
	if !ok {
		return canlib.StatusInvHandle
	}
	delete(d.handles, h)
	c.disconnect()
	close(c.closed)
	return canlib.StatusOK
}

func (d *Driver) Write(h canlib.Handle, id uint32, data *[8]byte, dlc int, flags uint32) canlib.Status {
	if data == nil || dlc < 0 || dlc > canhost.MaxDataLength {
		return canlib.StatusErrParam
	}
	d.mu.Lock()
	c, ok := d.handles[h]
	var bus *sockcan.Bus
	if ok {
		bus = c.bus
	}
	d.mu.Unlock()
	if !ok {
		return canlib.StatusInvHandle
	}
	if bus == nil {
		return canlib.StatusErrParam
	}
	err := bus.Publish(sockcan.Frame{
		ID:     toSocketcan(id, flags),
		Length: uint8(dlc),
		Data:   *data,
	})
	if err != nil {
		log.Warnf("[SOCKETCAN] write on %v failed : %v", c.name, err)
		return canlib.StatusTxBufOverflow
	}
	return canlib.StatusOK
}

func (d *Driver) ReadWait(h canlib.Handle, data *[8]byte, timeoutMs int) (canlib.RxInfo, canlib.Status) {
	if data == nil {
		return canlib.RxInfo{}, canlib.StatusErrParam
	}
	c, ok := d.get(h)
	if !ok {
		return canlib.RxInfo{}, canlib.StatusInvHandle
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case msg := <-c.rx:
		*data = msg.data
		return msg.info, canlib.StatusOK
	case <-timer.C:
		return canlib.RxInfo{}, canlib.StatusNoMsg
	case <-c.closed:
		return canlib.RxInfo{}, canlib.StatusInvHandle
	}
}

// Close every remaining socket
func (d *Driver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, c := range d.handles {
		delete(d.handles, h)
		c.disconnect()
		close(c.closed)
	}
	return nil
}

// Number of frames dropped because a receive buffer was full
func (d *Driver) Overruns() uint64 {
	return d.overruns.Load()
}

func fromSocketcan(rawID uint32) canlib.RxInfo {
	info := canlib.RxInfo{}
	if rawID&canEffFlag != 0 {
		info.ID = rawID & canEffMask
		info.Flags |= canhost.FlagExt
	} else {
		info.ID = rawID & canSffMask
		info.Flags |= canhost.FlagStd
	}
	if rawID&canRtrFlag != 0 {
		info.Flags |= canhost.FlagRTR
	}
	if rawID&canErrFlag != 0 {
		info.Flags |= canhost.FlagErrorFrame
	}
	return info
}

func toSocketcan(id uint32, flags uint32) uint32 {
	var raw uint32
	if flags&canhost.FlagExt != 0 || id > canSffMask {
		raw = (id & canEffMask) | canEffFlag
	} else {
		raw = id & canSffMask
	}
	if flags&canhost.FlagRTR != 0 {
		raw |= canRtrFlag
	}
	return raw
}
