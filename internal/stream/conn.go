package stream

import (
	"context"
	"errors"
	"time"
)

// ErrReceiveTimeout is returned by Conn.ReceiveFrame when no frame arrived
// within the requested wait.
var ErrReceiveTimeout = errors.New("stream: receive timeout")

// ErrInactivityTimeout ends a session that received nothing for longer than
// the configured inactivity window. It is a graceful ending, not a failure.
var ErrInactivityTimeout = errors.New("stream: inactivity timeout")

// Conn is one duplex audio connection to the telephony provider.
// SendFrame may be called from more than one goroutine; implementations
// serialize writes.
type Conn interface {
	// ReceiveFrame waits at most timeout for the next inbound audio frame.
	// io.EOF means the far end stopped the stream.
	ReceiveFrame(ctx context.Context, timeout time.Duration) ([]byte, error)
	SendFrame(ctx context.Context, frame []byte) error
	Close() error
}

// KeepAliver is implemented by connections that have a cheaper keep-alive
// than an audio frame (for example a websocket ping).
type KeepAliver interface {
	KeepAlive(ctx context.Context) error
}

// Clearer is implemented by connections whose far end buffers outbound audio
// and can drop it on request. The send duty clears when a reply replaces one
// that was only partly sent.
type Clearer interface {
	Clear(ctx context.Context) error
}
