package taskwire

import "context"

// Transport is one underlying push channel. A connection owns at most
// one transport at a time; when the channel dies the transport closes
// its frame channel and the ConnectionManager schedules a replacement.
type Transport interface {
	// Connect opens the channel. Blocking; returns once frames can
	// flow or the attempt failed.
	Connect(ctx context.Context) error

	// Send writes one frame. Safe to call from multiple goroutines.
	Send(f Frame) error

	// Frames yields inbound frames in strict arrival order. The
	// channel is closed when the transport dies or is closed.
	Frames() <-chan Frame

	// Err returns the terminal error after Frames is closed, nil for
	// a clean local close.
	Err() error

	// Close tears the channel down. Idempotent.
	Close() error
}

// TransportFactory builds a fresh transport for each connection
// attempt. Reconnection never reuses a dead transport.
type TransportFactory func() Transport
