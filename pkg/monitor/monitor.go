// Package monitor runs an adapter together with a batch consumer :
// Start starts acquisition then consumption, Stop reverses it.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/consumer"
	log "github.com/sirupsen/logrus"
)

const DefaultConsumerTimeout = 500 * time.Millisecond

type Monitor struct {
	logger          log.FieldLogger
	adapter         canhost.Adapter
	sink            consumer.Sink
	consumerOpts    []consumer.Option
	consumerTimeout time.Duration

	mu       sync.Mutex
	running  bool
	consumer *consumer.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

type Option func(m *Monitor)

func WithLogger(logger log.FieldLogger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Options of every consumer created on Start
func WithConsumerOptions(opts ...consumer.Option) Option {
	return func(m *Monitor) {
		m.consumerOpts = append(m.consumerOpts, opts...)
	}
}

// How long Stop waits for the consumer before stopping the adapter
func WithConsumerTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.consumerTimeout = d
		}
	}
}

func New(adapter canhost.Adapter, sink consumer.Sink, opts ...Option) *Monitor {
	m := &Monitor{
		logger:          log.StandardLogger(),
		adapter:         adapter,
		sink:            sink,
		consumerTimeout: DefaultConsumerTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start the adapter, then a consumer on the adapter's fresh frame reader.
// Does nothing if already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.cancel != nil {
		// Consumer of the previous run has exited on its own
		cancel, done := m.cancel, m.done
		m.cancel = nil
		m.logger.Info("[MONITOR] consumer has ended, restarting")
		if err := m.halt(cancel, done); err != nil {
			m.logger.Warnf("[MONITOR] failed to stop adapter : %v", err)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := m.adapter.Start(ctx); err != nil {
		cancel()
		m.logger.Errorf("[MONITOR] failed to start adapter : %v", err)
		return err
	}
	opts := append([]consumer.Option{consumer.WithLogger(m.logger)}, m.consumerOpts...)
	c := consumer.New(m.adapter.Frames(), m.sink, opts...)
	done := make(chan struct{})
	m.consumer = c
	m.cancel = cancel
	m.done = done
	m.err = nil
	m.running = true

	go func() {
		defer close(done)
		err := c.Run(ctx)
		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.err = err
		}
		if m.done == done {
			m.running = false
		}
	}()
	m.logger.Info("[MONITOR] started")
	return nil
}

// Stop the consumer (bounded wait) then the adapter.
// The adapter is also stopped when the consumer has already exited.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()
	return m.halt(cancel, done)
}

func (m *Monitor) halt(cancel context.CancelFunc, done <-chan struct{}) error {
	cancel()
	timer := time.NewTimer(m.consumerTimeout)
	select {
	case <-done:
	case <-timer.C:
		m.logger.Warnf("[MONITOR] consumer did not exit within %v", m.consumerTimeout)
	}
	timer.Stop()
	err := m.adapter.Stop()
	m.logger.Info("[MONITOR] stopped")
	return err
}

// True while the consumer runs
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) Send(ctx context.Context, frame canhost.Frame) error {
	return m.adapter.Send(ctx, frame)
}

func (m *Monitor) DriverInfo(ctx context.Context) canhost.DriverInfo {
	return m.adapter.DriverInfo(ctx)
}

// Consumer of the current (or last) run, nil before the first Start
func (m *Monitor) Consumer() *consumer.Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumer
}

// Error that made the consumer exit, e.g. a failing sink
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stop and close the adapter
func (m *Monitor) Close() error {
	stopErr := m.Stop()
	closeErr := m.adapter.Close()
	if closeErr != nil {
		return closeErr
	}
	return stopErr
}
