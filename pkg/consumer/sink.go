package consumer

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/samsamfire/canhost"
)

// Sink receives formatted batches, one call per batch.
// An error makes the consumer exit, deliveries are never retried.
type Sink interface {
	Deliver(batch string) error
}

type SinkFunc func(batch string) error

func (f SinkFunc) Deliver(batch string) error {
	return f(batch)
}

// A drained frame and its delta to the previous frame with the same id
type Entry struct {
	Frame      canhost.Frame
	Delta      int64 // ms
	DeltaKnown bool
}

// Batch is what a [BatchSink] receives, Text is the formatted batch
type Batch struct {
	Time    time.Time
	Entries []Entry
	Text    string
}

// Sinks implementing BatchSink get the structured batch instead of the text only
type BatchSink interface {
	Sink
	DeliverBatch(batch Batch) error
}

type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// Sink writing text batches as is
func WriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Deliver(batch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, batch)
	return err
}

type cborFrame struct {
	ID        uint32 `cbor:"id"`
	DLC       uint8  `cbor:"dlc"`
	Flags     uint32 `cbor:"flags"`
	Data      []byte `cbor:"data"`
	Timestamp int64  `cbor:"ts"`
	Delta     *int64 `cbor:"delta,omitempty"`
}

type cborRecord struct {
	Timestamp int64       `cbor:"ts"`
	Frames    []cborFrame `cbor:"frames"`
	Text      string      `cbor:"text,omitempty"`
}

type cborSink struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

// Sink writing one CBOR record {ts, frames, text} per batch, as a stream.
// Records can be read back with a cbor.Decoder.
func CBORSink(w io.Writer) BatchSink {
	return &cborSink{enc: cbor.NewEncoder(w)}
}

// Text only delivery, frames are not known
func (s *cborSink) Deliver(batch string) error {
	return s.DeliverBatch(Batch{Time: time.Now(), Text: batch})
}

func (s *cborSink) DeliverBatch(batch Batch) error {
	record := cborRecord{
		Timestamp: batch.Time.UnixMilli(),
		Frames:    make([]cborFrame, 0, len(batch.Entries)),
		Text:      batch.Text,
	}
	for _, entry := range batch.Entries {
		f := cborFrame{
			ID:        entry.Frame.ID,
			DLC:       entry.Frame.DLC,
			Flags:     entry.Frame.Flags,
			Data:      entry.Frame.Payload(),
			Timestamp: entry.Frame.Timestamp,
		}
		if entry.DeltaKnown {
			delta := entry.Delta
			f.Delta = &delta
		}
		record.Frames = append(record.Frames, f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(record)
}
