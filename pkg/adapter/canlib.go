// Package adapter implements canhost.Adapter on top of a canlib driver,
// plus a loopback adapter and a factory selecting one by name.
package adapter

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/internal/fifo"
	"github.com/samsamfire/canhost/pkg/canlib"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultCapacity      = 2000
	DefaultSettleDelay   = 200 * time.Millisecond
	DefaultStartWait     = 500 * time.Millisecond
	DefaultStopTimeout   = 2 * time.Second
	DefaultCloseDelay    = 50 * time.Millisecond
	DefaultPollTimeoutMs = 100
	DefaultErrorBackoff  = 50 * time.Millisecond
)

// Adapter lifecycle
type State uint8

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateDisposed
)

var stateDescription = map[State]string{
	StateIdle:     "IDLE",
	StateStarting: "STARTING",
	StateRunning:  "RUNNING",
	StateStopping: "STOPPING",
	StateDisposed: "DISPOSED",
}

func (s State) String() string {
	desc, ok := stateDescription[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
	return desc
}

// Configuration of a [CanlibAdapter], zero values are replaced by defaults
type Config struct {
	Channel       int
	OpenFlags     int
	Bitrate       int
	Capacity      int
	SettleDelay   time.Duration // after bus on
	StartWait     time.Duration // max wait for the acquisition loop in Start
	StopTimeout   time.Duration // max wait for the acquisition loop in Stop
	CloseDelay    time.Duration // after closing the channel
	PollTimeoutMs int           // canReadWait timeout
	ErrorBackoff  time.Duration // pause after a driver error
}

func DefaultConfig() Config {
	return Config{
		OpenFlags:     canlib.OpenAcceptVirtual,
		Bitrate:       canlib.Bitrate500K,
		Capacity:      DefaultCapacity,
		SettleDelay:   DefaultSettleDelay,
		StartWait:     DefaultStartWait,
		StopTimeout:   DefaultStopTimeout,
		CloseDelay:    DefaultCloseDelay,
		PollTimeoutMs: DefaultPollTimeoutMs,
		ErrorBackoff:  DefaultErrorBackoff,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OpenFlags == 0 {
		c.OpenFlags = def.OpenFlags
	}
	if c.Bitrate == 0 {
		c.Bitrate = def.Bitrate
	}
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.StartWait == 0 {
		c.StartWait = def.StartWait
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.CloseDelay == 0 {
		c.CloseDelay = def.CloseDelay
	}
	if c.PollTimeoutMs <= 0 {
		c.PollTimeoutMs = def.PollTimeoutMs
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	return c
}

// Adapter backed by a canlib [canlib.Driver] (static or dynamic binding).
// Frames are read by an acquisition loop running on its own OS thread
// and pushed to a bounded drop-oldest queue, recreated on every Start.
type CanlibAdapter struct {
	logger log.FieldLogger
	driver canlib.Driver
	config Config

	lifecycle sync.Mutex // serializes Start, Stop & Close
	mu        sync.Mutex
	state     State
	handle    canlib.Handle
	queue     *fifo.Queue[canhost.Frame]
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool

	initOnce    sync.Once
	releaseOnce sync.Once
	releaseErr  error
}

var _ canhost.Adapter = (*CanlibAdapter)(nil)

// Create an idle adapter, nothing is opened until Start.
// A nil logger uses the logrus standard logger.
func NewCanlibAdapter(driver canlib.Driver, config Config, logger log.FieldLogger) *CanlibAdapter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	config = config.withDefaults()
	return &CanlibAdapter{
		logger: logger,
		driver: driver,
		config: config,
		state:  StateIdle,
		handle: canlib.InvalidHandle,
		queue:  fifo.NewQueue[canhost.Frame](config.Capacity),
	}
}

func (a *CanlibAdapter) initialize() {
	a.initOnce.Do(a.driver.InitializeLibrary)
}

// Frame reader of the current generation, call it again after every Start
func (a *CanlibAdapter) Frames() canhost.FrameReader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue
}

// Number of frames evicted from the current queue because it was full
func (a *CanlibAdapter) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Dropped()
}

func (a *CanlibAdapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *CanlibAdapter) setState(state State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
}

// Currently open channel handle, [canlib.InvalidHandle] if none
func (a *CanlibAdapter) Handle() canlib.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// True while the acquisition loop is running
func (a *CanlibAdapter) Running() bool {
	return a.running.Load()
}

// Open the channel and start the acquisition loop.
// The loop is stopped when ctx is cancelled or on Stop.
// Start returns once the loop runs or after [Config.StartWait].
func (a *CanlibAdapter) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	switch state {
	case StateDisposed:
		return canhost.ErrDisposed
	case StateStarting:
		return nil
	case StateRunning:
		if a.running.Load() {
			return nil
		}
		// Loop ended with the context it was started with, release the channel first
		a.logger.Info("[ADAPTER] acquisition loop has ended, restarting")
		a.stop()
	}

	a.mu.Lock()
	a.state = StateStarting
	previous := a.queue
	queue := fifo.NewQueue[canhost.Frame](a.config.Capacity)
	a.queue = queue
	a.mu.Unlock()
	// Release anyone still waiting on the previous generation
	previous.Complete()

	a.initialize()
	handle, opened, err := a.open()
	if err != nil {
		queue.Complete()
		a.setState(StateIdle)
		return err
	}
	if opened {
		if err := sleep(ctx, a.config.SettleDelay); err != nil {
			a.logger.Warnf("[ADAPTER] start cancelled : %v", err)
			a.closeHandle(handle)
			queue.Complete()
			a.mu.Lock()
			a.handle = canlib.InvalidHandle
			a.state = StateIdle
			a.mu.Unlock()
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ready := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.state = StateRunning
	a.mu.Unlock()

	go a.acquire(loopCtx, handle, queue, ready, done)

	timer := time.NewTimer(a.config.StartWait)
	defer timer.Stop()
	select {
	case <-ready:
		a.logger.Infof("[ADAPTER] acquisition started on channel %v (handle %v, %v)",
			a.config.Channel, handle, canlib.BitrateName(a.config.Bitrate))
	case <-timer.C:
		a.logger.Warnf("[ADAPTER] acquisition loop not running after %v", a.config.StartWait)
	}
	return nil
}

// Open the configured channel if not already open : open, bus params, bus on
func (a *CanlibAdapter) open() (h canlib.Handle, opened bool, err error) {
	h = a.Handle()
	if h.Valid() {
		return h, false, nil
	}
	h = a.driver.OpenChannel(a.config.Channel, a.config.OpenFlags)
	if !h.Valid() {
		err = canlib.Status(h).Err()
		a.logger.Errorf("[ADAPTER] canOpenChannel(%v) failed : %v", a.config.Channel, err)
		return canlib.InvalidHandle, false, err
	}
	a.logger.Debugf("[ADAPTER] canOpenChannel(%v) returned %v", a.config.Channel, h)

	status := a.driver.SetBusParams(h, a.config.Bitrate, 0, 0, 0, 0)
	if err = status.Err(); err != nil {
		a.logger.Errorf("[ADAPTER] canSetBusParams(%v) failed : %v", canlib.BitrateName(a.config.Bitrate), err)
		a.closeHandle(h)
		return canlib.InvalidHandle, false, err
	}
	a.logger.Debugf("[ADAPTER] canSetBusParams returned %v", status)

	status = a.driver.BusOn(h)
	if err = status.Err(); err != nil {
		a.logger.Errorf("[ADAPTER] canBusOn failed : %v", err)
		a.closeHandle(h)
		return canlib.InvalidHandle, false, err
	}
	a.logger.Debugf("[ADAPTER] canBusOn returned %v", status)

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
	return h, true, nil
}

// Bus off & close, errors are logged only
func (a *CanlibAdapter) closeHandle(h canlib.Handle) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("[ADAPTER] panic while closing handle %v : %v", h, r)
		}
	}()
	if status := a.driver.BusOff(h); status < 0 {
		a.logger.Warnf("[ADAPTER] canBusOff failed : %v", status.Err())
	} else {
		a.logger.Debugf("[ADAPTER] canBusOff returned %v", status)
	}
	if status := a.driver.Close(h); status < 0 {
		a.logger.Warnf("[ADAPTER] canClose failed : %v", status.Err())
	} else {
		a.logger.Debugf("[ADAPTER] canClose returned %v", status)
	}
}

// Acquisition loop, owns the handle & the queue for its whole lifetime
func (a *CanlibAdapter) acquire(ctx context.Context, h canlib.Handle, queue *fifo.Queue[canhost.Frame], ready chan<- struct{}, done chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("[ADAPTER] acquisition loop aborted : %v", r)
		}
		queue.Complete()
		a.running.Store(false)
		a.logger.Debugf("[ADAPTER] acquisition loop exiting")
	}()

	a.running.Store(true)
	close(ready)

	var buffer [canhost.MaxDataLength]byte
	var dropped uint64
	for ctx.Err() == nil {
		info, status, err := a.read(h, &buffer)
		switch {
		case err != nil:
			a.logger.Errorf("[ADAPTER] canReadWait panicked : %v", err)
		case status == canlib.StatusOK:
			if !queue.TryWrite(newFrame(info, &buffer)) {
				a.logger.Warnf("[ADAPTER] frame queue closed, dropped frame 0x%X", info.ID)
				continue
			}
			if d := queue.Dropped(); d != dropped {
				if dropped == 0 {
					a.logger.Warnf("[ADAPTER] frame queue full (capacity %v), dropping oldest frames", queue.Cap())
				} else {
					a.logger.Debugf("[ADAPTER] frame queue full, %v frames dropped", d)
				}
				dropped = d
			}
			continue
		case status == canlib.StatusNoMsg:
			continue
		default:
			a.logger.Warnf("[ADAPTER] canReadWait error %d : %v", int(status), status)
		}
		if sleep(ctx, a.config.ErrorBackoff) != nil {
			return
		}
	}
}

// Single driver read, a panicking binding is reported as an error
func (a *CanlibAdapter) read(h canlib.Handle, buffer *[canhost.MaxDataLength]byte) (info canlib.RxInfo, status canlib.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	info, status = a.driver.ReadWait(h, buffer, a.config.PollTimeoutMs)
	return info, status, nil
}

func newFrame(info canlib.RxInfo, buffer *[canhost.MaxDataLength]byte) canhost.Frame {
	dlc := info.DLC
	if dlc < 0 {
		dlc = 0
	}
	if dlc > canhost.MaxDataLength {
		dlc = canhost.MaxDataLength
	}
	data := make([]byte, dlc)
	copy(data, buffer[:dlc])
	return canhost.Frame{ID: info.ID, Data: data, DLC: uint8(dlc), Flags: info.Flags, Timestamp: info.Timestamp}
}

// Stop the acquisition loop and close the channel.
// Stopping an idle adapter does nothing.
func (a *CanlibAdapter) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.stop()
	return nil
}

func (a *CanlibAdapter) stop() {
	a.mu.Lock()
	if a.state != StateRunning && a.state != StateStarting {
		a.mu.Unlock()
		return
	}
	a.state = StateStopping
	cancel, done, handle := a.cancel, a.done, a.handle
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		timer := time.NewTimer(a.config.StopTimeout)
		select {
		case <-done:
		case <-timer.C:
			a.logger.Warnf("[ADAPTER] acquisition loop did not exit within %v", a.config.StopTimeout)
		}
		timer.Stop()
	}
	if handle.Valid() {
		a.closeHandle(handle)
		time.Sleep(a.config.CloseDelay)
	}

	a.mu.Lock()
	a.handle = canlib.InvalidHandle
	a.cancel = nil
	a.done = nil
	a.state = StateIdle
	a.mu.Unlock()
	a.logger.Infof("[ADAPTER] acquisition stopped")
}

// Transmit a frame, at most 8 bytes of payload are sent (zero padded)
func (a *CanlibAdapter) Send(ctx context.Context, frame canhost.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := a.Handle()
	if !h.Valid() {
		return canhost.ErrNotOpen
	}
	var buffer [canhost.MaxDataLength]byte
	copy(buffer[:], frame.Data)
	status := a.driver.Write(h, frame.ID, &buffer, int(frame.DLC), frame.Flags)
	if err := status.Err(); err != nil {
		a.logger.Warnf("[ADAPTER] canWrite(0x%X) failed : %v", frame.ID, err)
		return err
	}
	a.logger.Debugf("[ADAPTER] canWrite(0x%X) returned %v", frame.ID, status)
	return nil
}

// Driver version & channel count. Failures are logged and give a zero value.
func (a *CanlibAdapter) DriverInfo(ctx context.Context) (info canhost.DriverInfo) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warnf("[ADAPTER] unable to query driver info : %v", r)
			info = canhost.DriverInfo{}
		}
	}()
	if a.State() == StateDisposed {
		return canhost.DriverInfo{}
	}
	if err := ctx.Err(); err != nil {
		return canhost.DriverInfo{}
	}
	a.initialize()
	raw := a.driver.GetVersion(canlib.VersionProdVer32)
	channels, status := a.driver.GetChannelCount()
	if err := status.Err(); err != nil {
		a.logger.Warnf("[ADAPTER] unable to query driver info : %v", err)
		return canhost.DriverInfo{}
	}
	return canhost.NewDriverInfo(raw, channels)
}

// Poll until the acquisition loop runs with an open channel, false if ctx ends first
func (a *CanlibAdapter) WaitForReady(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.Running() && a.Handle().Valid() {
			return true
		}
		select {
		case <-ctx.Done():
			return a.Running() && a.Handle().Valid()
		case <-ticker.C:
		}
	}
}

// Stop then release the driver, the adapter can't be started again.
// Safe to call several times and from any state.
func (a *CanlibAdapter) Close() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.stop()
	a.mu.Lock()
	a.state = StateDisposed
	queue := a.queue
	a.mu.Unlock()
	queue.Complete()

	a.releaseOnce.Do(func() {
		a.releaseErr = a.driver.Release()
		if a.releaseErr != nil {
			a.logger.Warnf("[ADAPTER] failed to release driver : %v", a.releaseErr)
		}
	})
	return a.releaseErr
}

// Sleep for d, returns early with the context error
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
