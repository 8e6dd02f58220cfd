// Package consumer drains an adapter's frame queue in bounded batches,
// annotates each frame with the delta to the previous frame of the same
// identifier and forwards every batch to a [Sink].
package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samsamfire/canhost"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBatchMax  = 200
	DefaultBatchWait = 50 * time.Millisecond
)

type Consumer struct {
	logger    log.FieldLogger
	reader    canhost.FrameReader
	sink      Sink
	batchMax  int
	batchWait time.Duration
	deltas    *DeltaTracker
	frames    atomic.Uint64
	batches   atomic.Uint64
}

type Option func(c *Consumer)

// Maximum number of frames per batch
func WithBatchMax(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.batchMax = n
		}
	}
}

// Pause after a batch that emptied the queue
func WithBatchWait(d time.Duration) Option {
	return func(c *Consumer) {
		if d >= 0 {
			c.batchWait = d
		}
	}
}

// Maximum number of identifiers whose last timestamp is remembered
func WithDeltaCache(size int) Option {
	return func(c *Consumer) {
		c.deltas = NewDeltaTracker(size)
	}
}

func WithLogger(logger log.FieldLogger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(reader canhost.FrameReader, sink Sink, opts ...Option) *Consumer {
	c := &Consumer{
		logger:    log.StandardLogger(),
		reader:    reader,
		sink:      sink,
		batchMax:  DefaultBatchMax,
		batchWait: DefaultBatchWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deltas == nil {
		c.deltas = NewDeltaTracker(DefaultDeltaCache)
	}
	return c
}

// Run drains the reader until it is completed or ctx is cancelled, both
// return nil. A failing sink stops the consumer with the sink error.
func (c *Consumer) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked : %v", r)
			c.logger.Errorf("[CONSUMER] %v", err)
		}
	}()
	for ctx.Err() == nil {
		batch := c.drain()
		if len(batch.Entries) == 0 {
			ok, err := c.reader.WaitToRead(ctx)
			if err != nil || !ok {
				break
			}
			continue
		}
		if err := c.deliver(batch); err != nil {
			c.logger.Warnf("[CONSUMER] sink failed, stopping : %v", err)
			return fmt.Errorf("sink delivery failed : %w", err)
		}
		if c.reader.Len() == 0 {
			if sleep(ctx, c.batchWait) != nil {
				break
			}
		}
	}
	c.logger.Debugf("[CONSUMER] exiting after %v frames in %v batches", c.frames.Load(), c.batches.Load())
	return nil
}

// Read at most batchMax frames without blocking
func (c *Consumer) drain() Batch {
	var sb strings.Builder
	batch := Batch{}
	for len(batch.Entries) < c.batchMax {
		frame, ok := c.reader.TryRead()
		if !ok {
			break
		}
		delta, known := c.deltas.Observe(frame)
		batch.Entries = append(batch.Entries, Entry{Frame: frame, Delta: delta, DeltaKnown: known})
		sb.WriteString(FormatLine(frame, delta, known))
		sb.WriteByte('\n')
	}
	batch.Time = time.Now()
	batch.Text = sb.String()
	return batch
}

func (c *Consumer) deliver(batch Batch) error {
	var err error
	if bs, ok := c.sink.(BatchSink); ok {
		err = bs.DeliverBatch(batch)
	} else {
		err = c.sink.Deliver(batch.Text)
	}
	if err != nil {
		return err
	}
	c.frames.Add(uint64(len(batch.Entries)))
	c.batches.Add(1)
	return nil
}

// Number of frames delivered to the sink
func (c *Consumer) Frames() uint64 {
	return c.frames.Load()
}

// Number of batches delivered to the sink
func (c *Consumer) Batches() uint64 {
	return c.batches.Load()
}

// Line of a batch e.g. "1234 ID:0x123 DLC:2 01 02 Time:1234 Δ:10 ms", "-" for an unknown delta
func FormatLine(frame canhost.Frame, delta int64, known bool) string {
	if !known {
		return frame.String() + " Δ:-"
	}
	return fmt.Sprintf("%v Δ:%d ms", frame, delta)
}

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
