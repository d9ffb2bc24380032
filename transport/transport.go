// Package transport abstracts the byte-stream connection between the
// broker and the physical or simulated TPM it owns. Exactly one
// Transport exists per broker process; all connections share it behind
// the access broker's lock.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Transmit/Receive after Close has been
// called.
var ErrClosed = errors.New("transport: closed")

// Transport is the broker's view of the underlying TPM channel. It
// replaces the teacher's tpm2.Transport Read/Write pair with explicit
// Transmit/Receive verbs and a context.Context on each call so a
// command in flight can be abandoned on shutdown without leaking the
// goroutine blocked in a syscall.
type Transport interface {
	// Transmit writes a complete command buffer to the TPM.
	Transmit(ctx context.Context, buf []byte) error

	// Receive reads a complete response into buf, returning the
	// number of bytes written. buf must be large enough for the
	// largest response this transport's TPM can produce.
	Receive(ctx context.Context, buf []byte) (int, error)

	// Close releases the underlying channel. Concurrent Transmit/
	// Receive calls fail with ErrClosed once Close returns.
	Close() error
}

// LocalitySetter is implemented by transports that can assert a TPM2
// locality out of band from command bytes (simtransport, over the MSSIM
// simulator protocol). A Transport that doesn't implement it —
// notransport and devicetransport — simply has no locality support,
// and SetLocality is skipped rather than failing the command.
type LocalitySetter interface {
	SetLocality(ctx context.Context, locality uint8) error
}
