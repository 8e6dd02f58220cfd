package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/adapter"
	"github.com/samsamfire/canhost/pkg/canlib/virtual"
	"github.com/samsamfire/canhost/pkg/consumer"
	"github.com/stretchr/testify/assert"
)

type textSink struct {
	mu sync.Mutex
	sb strings.Builder
}

func (s *textSink) Deliver(batch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sb.WriteString(batch)
	return nil
}

func (s *textSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

func TestLoopback(t *testing.T) {
	sink := &textSink{}
	m := New(adapter.NewLoopback(100, nil), sink, WithConsumerOptions(consumer.WithBatchWait(time.Millisecond)))
	defer m.Close()
	ctx := context.Background()
	assert.False(t, m.Running())
	assert.Nil(t, m.Start(ctx))
	assert.Nil(t, m.Start(ctx))
	assert.True(t, m.Running())

	assert.Nil(t, m.Send(ctx, canhost.NewFrame(0x123, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0)))
	assert.Eventually(t, func() bool {
		out := sink.String()
		return strings.Contains(out, "ID:0x123 DLC:8 01 02 03 04 05 06 07 08 Time:") && strings.HasSuffix(out, "Δ:-\n")
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, m.Consumer().Frames())

	assert.Nil(t, m.Stop())
	assert.Nil(t, m.Stop())
	assert.False(t, m.Running())

	// Restart with a fresh consumer
	assert.Nil(t, m.Start(ctx))
	assert.Nil(t, m.Send(ctx, canhost.NewFrame(0x124, nil, 0)))
	assert.Eventually(t, func() bool {
		return strings.Contains(sink.String(), "ID:0x124")
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Err())
	assert.Equal(t, canhost.NewDriverInfo(0, 1), m.DriverInfo(ctx))
}

func TestVirtualAcquisition(t *testing.T) {
	drv := virtual.New()
	a := adapter.NewCanlibAdapter(drv, adapter.Config{SettleDelay: time.Millisecond, CloseDelay: time.Millisecond, PollTimeoutMs: 10}, nil)
	sink := &textSink{}
	m := New(a, sink, WithConsumerOptions(consumer.WithBatchWait(time.Millisecond)))
	defer m.Close()
	assert.Nil(t, m.Start(context.Background()))

	first := canhost.NewFrame(0x200, []byte{0x01}, canhost.FlagStd)
	drv.Inject(0, first)
	time.Sleep(15 * time.Millisecond)
	drv.Inject(0, first)
	assert.Eventually(t, func() bool {
		return strings.Count(sink.String(), "ID:0x200") == 2
	}, time.Second, 5*time.Millisecond)
	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	assert.True(t, strings.HasSuffix(lines[0], "Δ:-"))
	assert.True(t, strings.HasSuffix(lines[1], " ms"))

	assert.Nil(t, m.Close())
	assert.Equal(t, adapter.StateDisposed, a.State())
	assert.ErrorIs(t, m.Start(context.Background()), canhost.ErrDisposed)
}

func TestSinkFailure(t *testing.T) {
	errClosed := errors.New("window closed")
	sink := consumer.SinkFunc(func(batch string) error { return errClosed })
	m := New(adapter.NewLoopback(10, nil), sink)
	defer m.Close()
	assert.Nil(t, m.Start(context.Background()))
	assert.Nil(t, m.Send(context.Background(), canhost.NewFrame(1, nil, 0)))
	assert.Eventually(t, func() bool { return m.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Err(), errClosed)
	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Stop())
}

func TestRestartAfterConsumerExit(t *testing.T) {
	errBusy := errors.New("output busy")
	text := &textSink{}
	var failed bool
	sink := consumer.SinkFunc(func(batch string) error {
		if !failed {
			failed = true
			return errBusy
		}
		return text.Deliver(batch)
	})
	l := adapter.NewLoopback(10, nil)
	m := New(l, sink, WithConsumerOptions(consumer.WithBatchWait(time.Millisecond)))
	defer m.Close()

	// Sink failure ends the consumer, Start begins a new run
	assert.Nil(t, m.Start(context.Background()))
	assert.Nil(t, m.Send(context.Background(), canhost.NewFrame(0x76, nil, 0)))
	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Err(), errBusy)

	assert.Nil(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.Nil(t, m.Err())
	assert.Nil(t, m.Send(context.Background(), canhost.NewFrame(0x77, nil, 0)))
	assert.Eventually(t, func() bool {
		return strings.Contains(text.String(), "ID:0x077")
	}, time.Second, 5*time.Millisecond)

	// Same after the start context is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, m.Stop())
	assert.Nil(t, m.Start(ctx))
	cancel()
	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Err())

	assert.Nil(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.Equal(t, adapter.StateRunning, l.State())
	assert.Nil(t, m.Send(context.Background(), canhost.NewFrame(0x78, nil, 0)))
	assert.Eventually(t, func() bool {
		return strings.Contains(text.String(), "ID:0x078")
	}, time.Second, 5*time.Millisecond)
}

func TestStartFailure(t *testing.T) {
	l := adapter.NewLoopback(10, nil)
	assert.Nil(t, l.Close())
	m := New(l, &textSink{})
	assert.ErrorIs(t, m.Start(context.Background()), canhost.ErrDisposed)
	assert.False(t, m.Running())
	assert.Nil(t, m.Stop())
}
