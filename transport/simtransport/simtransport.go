// Package simtransport implements transport.Transport over the TCP
// protocol spoken by the TPM simulator (MSSIM/tpm_server): each command
// is sent as a 4-byte big-endian TPM_SEND_COMMAND code, a locality
// byte, a 4-byte big-endian length prefix and the command bytes; each
// response arrives as a 4-byte big-endian length prefix, the response
// bytes and a trailing 4-byte acknowledgement code. Grounded on the "tcti-socket-address"/"tcti-socket-port"
// configuration surface described for the socket TCTI.
package simtransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tpm2-software/tpm2-brokerd/transport"
)

// cmdSendCommand is the simulator's TPM_SEND_COMMAND platform command
// code; it's the only one the broker's command/response path uses.
const cmdSendCommand uint32 = 8

// Transport talks to a TPM simulator's command port over TCP, framing
// each message with the simulator's length-prefixed protocol.
type Transport struct {
	mu       sync.Mutex
	conn     net.Conn
	closed   bool
	locality uint8
}

// Dial connects to a TPM simulator listening at addr (host:port) on
// its command channel.
func Dial(ctx context.Context, addr string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("simtransport: dialing %s: %w", addr, err)
	}
	return &Transport{conn: conn}, nil
}

// Transmit sends a command with the simulator's header + length-prefix
// framing.
func (t *Transport) Transmit(ctx context.Context, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	hdr := make([]byte, 9)
	binary.BigEndian.PutUint32(hdr[0:4], cmdSendCommand)
	hdr[4] = t.locality
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(buf)))
	if _, err := t.conn.Write(hdr); err != nil {
		return fmt.Errorf("simtransport: writing header: %w", err)
	}
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("simtransport: writing command: %w", err)
	}
	return nil
}

// Receive reads one length-prefixed response, plus the simulator's
// trailing 4-byte acknowledgement code, into buf.
func (t *Transport) Receive(ctx context.Context, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, transport.ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(dl)
		defer t.conn.SetReadDeadline(time.Time{})
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(t.conn, sizeBuf[:]); err != nil {
		return 0, fmt.Errorf("simtransport: reading response length: %w", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if int(size) > len(buf) {
		return 0, fmt.Errorf("simtransport: response of %d bytes exceeds buffer of %d", size, len(buf))
	}
	if _, err := io.ReadFull(t.conn, buf[:size]); err != nil {
		return 0, fmt.Errorf("simtransport: reading response body: %w", err)
	}

	// Trailing 4-byte simulator acknowledgement (TPM2_RC_SUCCESS on a
	// healthy round trip); discard it but surface transport failures.
	var ack [4]byte
	if _, err := io.ReadFull(t.conn, ack[:]); err != nil {
		return 0, fmt.Errorf("simtransport: reading ack: %w", err)
	}
	return int(size), nil
}

// SetLocality records the locality stamped on every subsequent
// Transmit's command header, per the simulator's TPM_SEND_COMMAND
// framing (command code, locality byte, length, body). It satisfies
// transport.LocalitySetter.
func (t *Transport) SetLocality(ctx context.Context, locality uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locality = locality
	return nil
}

// Close closes the TCP connection to the simulator.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
