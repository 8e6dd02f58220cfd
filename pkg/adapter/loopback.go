package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/internal/fifo"
	log "github.com/sirupsen/logrus"
)

// Loopback echoes every sent frame back into its own queue.
// No driver is involved, useful for testing consumers & sinks without hardware.
type Loopback struct {
	logger   log.FieldLogger
	capacity int

	mu     sync.Mutex
	state  State
	queue  *fifo.Queue[canhost.Frame]
	detach func() bool
}

var _ canhost.Adapter = (*Loopback)(nil)

func NewLoopback(capacity int, logger log.FieldLogger) *Loopback {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Loopback{
		logger:   logger,
		capacity: capacity,
		state:    StateIdle,
		queue:    fifo.NewQueue[canhost.Frame](capacity),
	}
}

func (l *Loopback) Frames() canhost.FrameReader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue
}

func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// The queue is completed when ctx is cancelled or on Stop
func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateDisposed:
		return canhost.ErrDisposed
	case StateRunning:
		if !l.queue.Completed() {
			return nil
		}
		// Start context ended, begin a new generation
		l.stopLocked()
	}
	if l.queue.Completed() {
		l.queue = fifo.NewQueue[canhost.Frame](l.capacity)
	}
	queue := l.queue
	l.detach = context.AfterFunc(ctx, queue.Complete)
	l.state = StateRunning
	l.logger.Info("[LOOPBACK] started")
	return nil
}

func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return nil
	}
	l.stopLocked()
	l.state = StateIdle
	l.logger.Info("[LOOPBACK] stopped")
	return nil
}

func (l *Loopback) stopLocked() {
	if l.detach != nil {
		l.detach()
		l.detach = nil
	}
	l.queue.Complete()
}

// Echo a copy of frame with a fresh timestamp
func (l *Loopback) Send(ctx context.Context, frame canhost.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	queue, state := l.queue, l.state
	l.mu.Unlock()
	if state == StateDisposed {
		return canhost.ErrDisposed
	}
	echo := frame.Clone()
	if echo.Data == nil {
		echo.Data = []byte{}
	}
	echo.Timestamp = time.Now().UnixMilli()
	if !queue.TryWrite(echo) {
		l.logger.Warnf("[LOOPBACK] dropped frame 0x%X on send", frame.ID)
		return canhost.ErrQueueClosed
	}
	return nil
}

// Fixed synthetic info : one channel, version 0
func (l *Loopback) DriverInfo(ctx context.Context) canhost.DriverInfo {
	return canhost.NewDriverInfo(0, 1)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDisposed {
		return nil
	}
	l.stopLocked()
	l.state = StateDisposed
	return nil
}
