// Package devicetransport implements transport.Transport over a Linux
// TPM character device (/dev/tpm0 and friends), adapted from the
// upstream go-tpm2 Linux TCTI: a raw character device that accepts one
// complete command per Write and yields one complete response per
// Read, with no length framing of its own.
package devicetransport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tpm2-software/tpm2-brokerd/transport"
)

const (
	maxCommandSize  = 4096
	maxResponseSize = 4096
)

// Transport talks to a TPM character device.
type Transport struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Open opens the named TPM character device (e.g. "/dev/tpm0").
func Open(path string) (*Transport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("devicetransport: opening %s: %w", path, err)
	}
	return &Transport{file: f}, nil
}

// Transmit writes a complete command to the device. The device
// performs its own internal framing; ctx cancellation cannot abort an
// in-flight write to a character device, so it is honored only as a
// pre-check.
func (t *Transport) Transmit(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if len(buf) > maxCommandSize {
		return fmt.Errorf("devicetransport: command of %d bytes exceeds max %d", len(buf), maxCommandSize)
	}
	_, err := t.file.Write(buf)
	return err
}

// Receive reads one complete response from the device.
func (t *Transport) Receive(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, transport.ErrClosed
	}
	return t.file.Read(buf)
}

// Close closes the underlying device file.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}
