package canhost

import "errors"

var (
	ErrNotOpen        = errors.New("no CAN channel is open")
	ErrDisposed       = errors.New("adapter has been closed")
	ErrQueueClosed    = errors.New("frame queue is closed")
	ErrUnknownAdapter = errors.New("unknown adapter")
)
