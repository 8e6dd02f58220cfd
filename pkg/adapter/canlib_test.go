package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/canlib"
	"github.com/samsamfire/canhost/pkg/canlib/virtual"
	"github.com/stretchr/testify/assert"
)

// Driver wrapper counting calls & injecting failures
type faultyDriver struct {
	*virtual.Driver
	closes       atomic.Int32
	releases     atomic.Int32
	reads        atomic.Int32
	readStatus   canlib.Status
	readPanics   bool
	versionPanic bool
}

func (d *faultyDriver) Close(h canlib.Handle) canlib.Status {
	d.closes.Add(1)
	return d.Driver.Close(h)
}

func (d *faultyDriver) Release() error {
	d.releases.Add(1)
	return d.Driver.Release()
}

func (d *faultyDriver) ReadWait(h canlib.Handle, data *[8]byte, timeoutMs int) (canlib.RxInfo, canlib.Status) {
	d.reads.Add(1)
	if d.readPanics {
		panic("native read crashed")
	}
	if d.readStatus != canlib.StatusOK {
		return canlib.RxInfo{}, d.readStatus
	}
	return d.Driver.ReadWait(h, data, timeoutMs)
}

func (d *faultyDriver) GetVersion(selector int) int {
	if d.versionPanic {
		panic("version not available")
	}
	return d.Driver.GetVersion(selector)
}

func testConfig() Config {
	return Config{
		SettleDelay:   time.Millisecond,
		CloseDelay:    time.Millisecond,
		PollTimeoutMs: 10,
		ErrorBackoff:  20 * time.Millisecond,
	}
}

func newTestAdapter(t *testing.T, config Config, opts ...virtual.Option) (*CanlibAdapter, *faultyDriver) {
	t.Helper()
	drv := &faultyDriver{Driver: virtual.New(opts...)}
	a := NewCanlibAdapter(drv, config, nil)
	t.Cleanup(func() { a.Close() })
	return a, drv
}

// Open a second handle on the same virtual channel
func openPeer(t *testing.T, drv *faultyDriver) canlib.Handle {
	t.Helper()
	peer := drv.Driver.OpenChannel(0, 0)
	assert.True(t, peer.Valid())
	assert.Equal(t, canlib.StatusOK, drv.Driver.BusOn(peer))
	return peer
}

func readFrame(t *testing.T, reader canhost.FrameReader) canhost.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := reader.WaitToRead(ctx)
	assert.Nil(t, err)
	assert.True(t, ok)
	frame, ok := reader.TryRead()
	assert.True(t, ok)
	return frame
}

func TestDefaultConfig(t *testing.T) {
	config := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), config)
	assert.Equal(t, canlib.OpenAcceptVirtual, config.OpenFlags)
	assert.Equal(t, canlib.Bitrate500K, config.Bitrate)
	assert.Equal(t, 2000, config.Capacity)
	assert.Equal(t, 100, config.PollTimeoutMs)
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "UNKNOWN(42)", State(42).String())
}

func TestStartStopRestart(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	ctx := context.Background()
	assert.Equal(t, StateIdle, a.State())
	assert.ErrorIs(t, a.Send(ctx, canhost.NewFrame(0x10, nil, 0)), canhost.ErrNotOpen)

	assert.Nil(t, a.Start(ctx))
	assert.Equal(t, StateRunning, a.State())
	assert.True(t, a.Running())
	assert.True(t, a.Handle().Valid())

	peer := openPeer(t, drv)
	assert.Nil(t, a.Send(ctx, canhost.NewFrame(0x123, []byte{1, 2, 3}, canhost.FlagStd)))
	var buf [8]byte
	info, status := drv.Driver.ReadWait(peer, &buf, 100)
	assert.Equal(t, canlib.StatusOK, status)
	assert.EqualValues(t, 0x123, info.ID)
	assert.Equal(t, 3, info.DLC)
	assert.Equal(t, [8]byte{1, 2, 3}, buf)

	assert.Nil(t, a.Stop())
	assert.Equal(t, StateIdle, a.State())
	assert.False(t, a.Running())
	assert.Equal(t, canlib.InvalidHandle, a.Handle())
	assert.ErrorIs(t, a.Send(ctx, canhost.NewFrame(0x10, nil, 0)), canhost.ErrNotOpen)

	assert.Nil(t, a.Start(ctx))
	assert.True(t, a.Running())
	assert.Nil(t, a.Send(ctx, canhost.NewFrame(0x10, nil, 0)))
}

func TestStartTwiceIsNoop(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	assert.Nil(t, a.Start(context.Background()))
	reader := a.Frames()
	handle := a.Handle()
	assert.Nil(t, a.Start(context.Background()))
	assert.Equal(t, handle, a.Handle())
	assert.Equal(t, reader, a.Frames())
	assert.Equal(t, 1, drv.OpenHandles())
}

func TestStopIdempotent(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	assert.Nil(t, a.Stop())
	assert.Nil(t, a.Start(context.Background()))
	assert.Nil(t, a.Stop())
	assert.Nil(t, a.Stop())
	assert.EqualValues(t, 1, drv.closes.Load())
	assert.Equal(t, 0, drv.OpenHandles())
}

func TestAcquisition(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	assert.Nil(t, a.Start(context.Background()))
	reader := a.Frames()

	drv.Inject(0, canhost.NewFrame(0x123, []byte{1, 2, 3, 4, 5, 6, 7, 8}, canhost.FlagStd))
	drv.Inject(0, canhost.NewFrame(0x18FF0001, []byte{0xAA}, canhost.FlagExt))

	frame := readFrame(t, reader)
	assert.EqualValues(t, 0x123, frame.ID)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frame.Data)
	assert.EqualValues(t, 8, frame.DLC)
	assert.Equal(t, canhost.FlagStd, frame.Flags)

	frame = readFrame(t, reader)
	assert.EqualValues(t, 0x18FF0001, frame.ID)
	assert.Equal(t, []byte{0xAA}, frame.Data)
	assert.True(t, frame.Extended())
}

func TestQueueRecreatedOnStart(t *testing.T) {
	a, _ := newTestAdapter(t, testConfig())
	initial := a.Frames()
	assert.Nil(t, a.Start(context.Background()))
	first := a.Frames()
	assert.NotSame(t, initial, first)

	// Previous generation is released
	ok, err := initial.WaitToRead(context.Background())
	assert.Nil(t, err)
	assert.False(t, ok)

	assert.Nil(t, a.Stop())
	ok, err = first.WaitToRead(context.Background())
	assert.Nil(t, err)
	assert.False(t, ok)

	assert.Nil(t, a.Start(context.Background()))
	assert.NotSame(t, first, a.Frames())
}

func TestDropOldest(t *testing.T) {
	config := testConfig()
	config.Capacity = 4
	a, drv := newTestAdapter(t, config)
	assert.Nil(t, a.Start(context.Background()))
	for i := uint32(0); i < 10; i++ {
		drv.Inject(0, canhost.NewFrame(i, []byte{uint8(i)}, 0))
	}
	assert.Eventually(t, func() bool { return a.Dropped() == 6 }, time.Second, 5*time.Millisecond)
	reader := a.Frames()
	assert.Equal(t, 4, reader.Len())
	for i := uint32(0); i < 4; i++ {
		frame, ok := reader.TryRead()
		assert.True(t, ok)
		assert.Equal(t, 6+i, frame.ID)
	}
}

func TestOpenFailure(t *testing.T) {
	config := testConfig()
	config.Channel = 5
	a, drv := newTestAdapter(t, config)
	err := a.Start(context.Background())
	var driverErr *canlib.DriverError
	assert.ErrorAs(t, err, &driverErr)
	assert.Equal(t, canlib.StatusNotFound, driverErr.Code)
	assert.Equal(t, StateIdle, a.State())
	assert.False(t, a.Running())
	assert.Equal(t, 0, drv.OpenHandles())
	ok, _ := a.Frames().WaitToRead(context.Background())
	assert.False(t, ok)
}

func TestBusParamsFailure(t *testing.T) {
	config := testConfig()
	config.Bitrate = 125000 // raw bps is not a canlib bit rate code
	a, drv := newTestAdapter(t, config)
	err := a.Start(context.Background())
	var driverErr *canlib.DriverError
	assert.ErrorAs(t, err, &driverErr)
	assert.Equal(t, canlib.StatusErrParam, driverErr.Code)
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, 0, drv.OpenHandles())
	assert.EqualValues(t, 1, drv.closes.Load())
}

func TestSettleCancelled(t *testing.T) {
	config := testConfig()
	config.SettleDelay = time.Second
	a, drv := newTestAdapter(t, config)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, canlib.InvalidHandle, a.Handle())
	assert.Equal(t, 0, drv.OpenHandles())
}

func TestDriverInfo(t *testing.T) {
	a, _ := newTestAdapter(t, testConfig(), virtual.WithVersion(0x00020105), virtual.WithChannels(3))
	info := a.DriverInfo(context.Background())
	assert.Equal(t, 0x00020105, info.VersionRaw)
	assert.Equal(t, 2, info.VersionMajor)
	assert.Equal(t, 1, info.VersionMinor)
	assert.Equal(t, 3, info.Channels)
}

func TestDriverInfoFailure(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	drv.versionPanic = true
	assert.Equal(t, canhost.DriverInfo{}, a.DriverInfo(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	drv.versionPanic = false
	assert.Equal(t, canhost.DriverInfo{}, a.DriverInfo(ctx))
}

func TestReadErrorBackoff(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	drv.readStatus = canlib.StatusHardware
	assert.Nil(t, a.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)
	// 20ms backoff : about 10 reads, never a tight loop
	assert.LessOrEqual(t, drv.reads.Load(), int32(15))
	assert.Greater(t, drv.reads.Load(), int32(1))
	assert.True(t, a.Running())
	assert.Nil(t, a.Stop())
}

func TestReadPanicRecovered(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	drv.readPanics = true
	assert.Nil(t, a.Start(context.Background()))
	reader := a.Frames()
	assert.Eventually(t, func() bool { return drv.reads.Load() > 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, a.Running())
	assert.Nil(t, a.Stop())
	assert.False(t, a.Running())
	ok, _ := reader.WaitToRead(context.Background())
	assert.False(t, ok)
}

func TestContextCancelStopsLoop(t *testing.T) {
	a, _ := newTestAdapter(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, a.Start(ctx))
	reader := a.Frames()
	assert.True(t, a.WaitForReady(context.Background()))
	cancel()
	assert.Eventually(t, func() bool { return !a.Running() }, time.Second, 5*time.Millisecond)
	ok, err := reader.WaitToRead(context.Background())
	assert.Nil(t, err)
	assert.False(t, ok)
	assert.Nil(t, a.Stop())
	assert.Equal(t, StateIdle, a.State())
}

func TestStartAfterContextCancel(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, a.Start(ctx))
	assert.True(t, a.WaitForReady(context.Background()))
	cancel()
	assert.Eventually(t, func() bool { return !a.Running() }, time.Second, 5*time.Millisecond)

	assert.Nil(t, a.Start(context.Background()))
	assert.Equal(t, StateRunning, a.State())
	assert.True(t, a.Running())
	// Previous handle was closed, only the new one is open
	assert.Equal(t, 1, drv.OpenHandles())

	reader := a.Frames()
	peer := openPeer(t, drv)
	data := [8]byte{0xAA}
	assert.Equal(t, canlib.StatusOK, drv.Driver.Write(peer, 0x321, &data, 1, canhost.FlagStd))
	frame := readFrame(t, reader)
	assert.EqualValues(t, 0x321, frame.ID)
	assert.Equal(t, []byte{0xAA}, frame.Data)
}

func TestWaitForReady(t *testing.T) {
	a, _ := newTestAdapter(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, a.WaitForReady(ctx))
	assert.Nil(t, a.Start(context.Background()))
	assert.True(t, a.WaitForReady(context.Background()))
}

func TestClose(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	assert.Nil(t, a.Start(context.Background()))
	reader := a.Frames()
	assert.Nil(t, a.Close())
	assert.Nil(t, a.Close())
	assert.Equal(t, StateDisposed, a.State())
	assert.EqualValues(t, 1, drv.releases.Load())
	assert.EqualValues(t, 1, drv.closes.Load())
	assert.False(t, a.Running())
	ok, _ := reader.WaitToRead(context.Background())
	assert.False(t, ok)
	assert.True(t, errors.Is(a.Start(context.Background()), canhost.ErrDisposed))
	assert.ErrorIs(t, a.Send(context.Background(), canhost.NewFrame(1, nil, 0)), canhost.ErrNotOpen)
	assert.Equal(t, canhost.DriverInfo{}, a.DriverInfo(context.Background()))
}

func TestCloseIdle(t *testing.T) {
	a, drv := newTestAdapter(t, testConfig())
	assert.Nil(t, a.Close())
	assert.EqualValues(t, 1, drv.releases.Load())
	assert.EqualValues(t, 0, drv.closes.Load())
}
