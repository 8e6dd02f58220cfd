package virtual

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/canlib"
	log "github.com/sirupsen/logrus"
)

// In-memory canlib driver, emulating Kvaser virtual channels.
// Handles opened on the same channel index share a bus : a frame written on
// one handle is received by every other bus-on handle of that channel.
// Used for testing and for running without any hardware.

func init() {
	canlib.RegisterDriver("virtual", func() (canlib.Driver, error) {
		return New(), nil
	})
}

const (
	DefaultChannels   = 2
	DefaultVersion    = 0x00050E00 // v5.14
	DefaultRxCapacity = 1024
)

type message struct {
	info canlib.RxInfo
	data [8]byte
}

type handle struct {
	channel int
	onBus   bool
	rx      chan message
	closed  chan struct{}
}

type Driver struct {
	mu          sync.Mutex
	channels    int
	version     int
	rxCapacity  int
	start       time.Time
	initialized bool
	handles     map[canlib.Handle]*handle
	next        canlib.Handle
	overruns    atomic.Uint64
}

type Option func(d *Driver)

// Number of virtual channels exposed
func WithChannels(n int) Option {
	return func(d *Driver) { d.channels = n }
}

// Packed version returned by GetVersion
func WithVersion(raw int) Option {
	return func(d *Driver) { d.version = raw }
}

// Size of each handle's receive buffer
func WithRxCapacity(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.rxCapacity = n
		}
	}
}

func New(opts ...Option) *Driver {
	d := &Driver{
		channels:   DefaultChannels,
		version:    DefaultVersion,
		rxCapacity: DefaultRxCapacity,
		start:      time.Now(),
		handles:    make(map[canlib.Handle]*handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) InitializeLibrary() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return
	}
	d.initialized = true
	d.start = time.Now()
}

func (d *Driver) GetVersion(selector int) int {
	return d.version
}

func (d *Driver) GetChannelCount() (int, canlib.Status) {
	return d.channels, canlib.StatusOK
}

func (d *Driver) OpenChannel(channel int, flags int) canlib.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return canlib.Handle(canlib.StatusNotInitialized)
	}
	if channel < 0 || channel >= d.channels {
		return canlib.Handle(canlib.StatusNotFound)
	}
	h := d.next
	d.next++
	d.handles[h] = &handle{
		channel: channel,
		rx:      make(chan message, d.rxCapacity),
		closed:  make(chan struct{}),
	}
	log.Debugf("[VIRTUAL] opened channel %v, handle %v", channel, h)
	return h
}

func (d *Driver) SetBusParams(h canlib.Handle, bitrate int, tseg1, tseg2, sjw, noSamp int) canlib.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handles[h]; !ok {
		return canlib.StatusInvHandle
	}
	if bitrate > canlib.Bitrate1M || bitrate < canlib.Bitrate10K {
		// Only predefined bit rates are emulated
		return canlib.StatusErrParam
	}
	return canlib.StatusOK
}

func (d *Driver) setBus(h canlib.Handle, on bool) canlib.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	hd, ok := d.handles[h]
	if !ok {
		return canlib.StatusInvHandle
	}
	hd.onBus = on
	return canlib.StatusOK
}

func (d *Driver) BusOn(h canlib.Handle) canlib.Status {
	return d.setBus(h, true)
}

func (d *Driver) BusOff(h canlib.Handle) canlib.Status {
	return d.setBus(h, false)
}

func (d *Driver) Close(h canlib.Handle) canlib.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	hd, ok := d.handles[h]
	if !ok {
		return canlib.StatusInvHandle
	}
	delete(d.handles, h)
	close(hd.closed)
	log.Debugf("[VIRTUAL] closed handle %v", h)
	return canlib.StatusOK
}

func (d *Driver) Write(h canlib.Handle, id uint32, data *[8]byte, dlc int, flags uint32) canlib.Status {
	if data == nil || dlc < 0 || dlc > 15 {
		return canlib.StatusErrParam
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	hd, ok := d.handles[h]
	if !ok {
		return canlib.StatusInvHandle
	}
	if !hd.onBus {
		return canlib.StatusErrParam
	}
	msg := message{info: canlib.RxInfo{ID: id, DLC: dlc, Flags: flags}, data: *data}
	d.deliverLocked(hd.channel, msg, hd)
	return canlib.StatusOK
}

// Deliver to every bus-on handle of the channel except the sender
func (d *Driver) deliverLocked(channel int, msg message, sender *handle) {
	msg.info.Timestamp = time.Since(d.start).Milliseconds()
	for _, hd := range d.handles {
		if hd == sender || hd.channel != channel || !hd.onBus {
			continue
		}
		select {
		case hd.rx <- msg:
		default:
			d.overruns.Add(1)
		}
	}
}

func (d *Driver) ReadWait(h canlib.Handle, data *[8]byte, timeoutMs int) (canlib.RxInfo, canlib.Status) {
	if data == nil {
		return canlib.RxInfo{}, canlib.StatusErrParam
	}
	d.mu.Lock()
	hd, ok := d.handles[h]
	d.mu.Unlock()
	if !ok {
		return canlib.RxInfo{}, canlib.StatusInvHandle
	}
	// Fast path, also used for zero timeout
	select {
	case msg := <-hd.rx:
		*data = msg.data
		return msg.info, canlib.StatusOK
	default:
	}
	if timeoutMs <= 0 {
		return canlib.RxInfo{}, canlib.StatusNoMsg
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case msg := <-hd.rx:
		*data = msg.data
		return msg.info, canlib.StatusOK
	case <-timer.C:
		return canlib.RxInfo{}, canlib.StatusNoMsg
	case <-hd.closed:
		return canlib.RxInfo{}, canlib.StatusInvHandle
	}
}

// Release closes all remaining handles
func (d *Driver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, hd := range d.handles {
		delete(d.handles, h)
		close(hd.closed)
	}
	d.initialized = false
	return nil
}

// Inject a frame on a channel as if it was sent by another node on the bus
func (d *Driver) Inject(channel int, frame canhost.Frame) {
	msg := message{info: canlib.RxInfo{ID: frame.ID, DLC: int(frame.DLC), Flags: frame.Flags}}
	copy(msg.data[:], frame.Data)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverLocked(channel, msg, nil)
}

// Number of frames lost because a receive buffer was full
func (d *Driver) Overruns() uint64 {
	return d.overruns.Load()
}

// Number of currently open handles
func (d *Driver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}
