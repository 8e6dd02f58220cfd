// Package canhost acquires CAN frames from a driver, buffers them with
// bounded drop-oldest backpressure and hands them to batch consumers.
//
// The Adapter interface decouples the acquisition source (real hardware
// through canlib, or a loopback double) from whatever consumes the frames.
package canhost

import "context"

// Read side of an adapter's frame queue
type FrameReader interface {
	// Non blocking read
	TryRead() (Frame, bool)
	// Wait until a frame is available (true) or the queue is completed
	// and drained (false)
	WaitToRead(ctx context.Context) (bool, error)
	// Number of buffered frames
	Len() int
}

// A CAN adapter
type Adapter interface {
	Frames() FrameReader                         // Reader of the current start generation
	Start(ctx context.Context) error             // Open driver & start acquisition
	Stop() error                                 // Stop acquisition & release channel
	Send(ctx context.Context, frame Frame) error // Transmit a frame
	DriverInfo(ctx context.Context) DriverInfo   // Driver version & channels, zeroed on failure
	Close() error                                // Stop and release driver resources
}
