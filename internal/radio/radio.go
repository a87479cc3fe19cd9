// Package radio provides the byte-frame link between bridge nodes: a serial
// attachment to real mesh hardware, and an in-memory bus with configurable
// loss and delay for tests.
package radio

import (
	"context"
	"errors"
)

// MaxFrameSize mirrors the on-air packet ceiling. The adapter never
// fragments; oversize frames are a caller bug.
const MaxFrameSize = 230

var (
	// ErrFrameTooLarge is returned by Send for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large for radio")

	// ErrTransport wraps hardware send failures. Callers treat it as
	// transient: the outbox retry schedule carries the payload.
	ErrTransport = errors.New("radio transport error")

	// ErrClosed is returned once the adapter has shut down.
	ErrClosed = errors.New("radio adapter closed")
)

// Adapter is the unified send/receive contract over the mesh.
//
// Implementations guarantee a single logical reader and writer: Recv is
// called from one goroutine, Send may be called from many and is
// serialized internally.
type Adapter interface {
	// Send transmits one frame to the destination node. The wait is
	// bounded by ctx.
	Send(ctx context.Context, dest string, data []byte) error

	// Recv blocks until a frame arrives or ctx is cancelled, returning
	// the sender node id and the frame bytes.
	Recv(ctx context.Context) (sender string, data []byte, err error)

	// Close releases the underlying transport. Blocked Recv calls return
	// ErrClosed.
	Close() error
}

// inbound pairs a received frame with its sender.
type inbound struct {
	sender string
	data   []byte
}
