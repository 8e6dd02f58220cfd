package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/stretchr/testify/assert"
)

func TestLoopbackEcho(t *testing.T) {
	l := NewLoopback(16, nil)
	defer l.Close()
	ctx := context.Background()
	assert.Nil(t, l.Start(ctx))
	sent := canhost.Frame{ID: 0x123, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, DLC: 8, Flags: 0}
	before := time.Now().UnixMilli()
	assert.Nil(t, l.Send(ctx, sent))

	reader := l.Frames()
	frame := readFrame(t, reader)
	assert.EqualValues(t, 0x123, frame.ID)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frame.Data)
	assert.EqualValues(t, 8, frame.DLC)
	assert.EqualValues(t, 0, frame.Flags)
	assert.GreaterOrEqual(t, frame.Timestamp, before)
	// Exactly one frame delivered
	assert.Equal(t, 0, reader.Len())

	// Echo does not alias the sent payload
	sent.Data[0] = 0xFF
	assert.EqualValues(t, 1, frame.Data[0])
}

func TestLoopbackSendBeforeStart(t *testing.T) {
	l := NewLoopback(0, nil)
	defer l.Close()
	assert.Nil(t, l.Send(context.Background(), canhost.NewFrame(1, nil, 0)))
	assert.Nil(t, l.Start(context.Background()))
	frame := readFrame(t, l.Frames())
	assert.EqualValues(t, 1, frame.ID)
	assert.NotNil(t, frame.Data)
}

func TestLoopbackStopRestart(t *testing.T) {
	l := NewLoopback(4, nil)
	defer l.Close()
	ctx := context.Background()
	assert.Nil(t, l.Stop())
	assert.Nil(t, l.Start(ctx))
	assert.Nil(t, l.Start(ctx))
	first := l.Frames()
	assert.Nil(t, l.Stop())
	assert.Equal(t, StateIdle, l.State())

	ok, err := first.WaitToRead(ctx)
	assert.Nil(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, l.Send(ctx, canhost.NewFrame(1, nil, 0)), canhost.ErrQueueClosed)

	assert.Nil(t, l.Start(ctx))
	assert.NotSame(t, first, l.Frames())
	assert.Nil(t, l.Send(ctx, canhost.NewFrame(2, nil, 0)))
	assert.Equal(t, 1, l.Frames().Len())
}

func TestLoopbackDropOldest(t *testing.T) {
	l := NewLoopback(3, nil)
	defer l.Close()
	ctx := context.Background()
	assert.Nil(t, l.Start(ctx))
	for i := uint32(0); i < 5; i++ {
		assert.Nil(t, l.Send(ctx, canhost.NewFrame(i, nil, 0)))
	}
	reader := l.Frames()
	assert.Equal(t, 3, reader.Len())
	for i := uint32(0); i < 3; i++ {
		frame, ok := reader.TryRead()
		assert.True(t, ok)
		assert.Equal(t, 2+i, frame.ID)
	}
}

func TestLoopbackContextCancel(t *testing.T) {
	l := NewLoopback(4, nil)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, l.Start(ctx))
	reader := l.Frames()
	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	ok, err := reader.WaitToRead(waitCtx)
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestLoopbackStartAfterContextCancel(t *testing.T) {
	l := NewLoopback(4, nil)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, l.Start(ctx))
	reader := l.Frames()
	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	ok, err := reader.WaitToRead(waitCtx)
	assert.Nil(t, err)
	assert.False(t, ok)

	assert.Nil(t, l.Start(context.Background()))
	assert.Equal(t, StateRunning, l.State())
	assert.Nil(t, l.Send(context.Background(), canhost.NewFrame(0x55, []byte{1}, 0)))
	frame := readFrame(t, l.Frames())
	assert.EqualValues(t, 0x55, frame.ID)
}

func TestLoopbackClose(t *testing.T) {
	l := NewLoopback(4, nil)
	assert.Equal(t, canhost.NewDriverInfo(0, 1), l.DriverInfo(context.Background()))
	assert.Nil(t, l.Start(context.Background()))
	assert.Nil(t, l.Close())
	assert.Nil(t, l.Close())
	assert.Equal(t, StateDisposed, l.State())
	assert.ErrorIs(t, l.Send(context.Background(), canhost.NewFrame(1, nil, 0)), canhost.ErrDisposed)
	assert.ErrorIs(t, l.Start(context.Background()), canhost.ErrDisposed)
	assert.Nil(t, l.Stop())
}
