// Package clientio implements the client-facing transport capability
// (spec.md §6): a Unix domain socket accept loop carrying both
// ordinary TPM-framed command traffic and a small JSON control
// sub-protocol (CreateConnection/Cancel/SetLocality/Stats), the
// in-process stand-in for the original daemon's D-Bus method surface
// (see SPEC_FULL.md §D — D-Bus itself is out of scope).
package clientio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/iopump"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

// Listener accepts client connections on a Unix domain socket and
// routes each one to either the control handler or an iopump.Pump,
// based on the structure tag of its first message.
type Listener struct {
	log        logrus.FieldLogger
	ln         net.Listener
	registry   *connection.Registry
	control    *ControlHandler
	pump       *iopump.Pump
	maxHandles int
}

// Listen creates a Unix domain socket at path (removing any stale
// socket file left behind by a previous run) and returns a Listener
// ready to Serve.
func Listen(path string, registry *connection.Registry, control *ControlHandler, pump *iopump.Pump, maxHandles int, log logrus.FieldLogger) (*Listener, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clientio: removing stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("clientio: listening on %s: %w", path, err)
	}
	return &Listener{log: log, ln: ln, registry: registry, control: control, pump: pump, maxHandles: maxHandles}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is done or the listener is
// closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handleAccepted(ctx, conn)
	}
}

// peekTagSize is large enough to read StructTag without consuming any
// bytes a downstream reader (the control handler or iopump.Pump)
// still needs to see.
const peekTagSize = 2

func (l *Listener) handleAccepted(ctx context.Context, raw net.Conn) {
	br := bufio.NewReader(raw)
	peeked, err := br.Peek(peekTagSize)
	if err != nil {
		raw.Close()
		return
	}
	tag := wire.StructTag(binary.BigEndian.Uint16(peeked))
	stream := bufferedConn{Conn: raw, r: br}

	switch tag {
	case wire.TagControl:
		l.serveControl(ctx, stream)
	case wire.TagNoSessions, wire.TagSessions:
		l.promoteToCommandConn(ctx, stream)
	default:
		l.log.Warnf("clientio: rejecting connection with unrecognized tag 0x%04x", uint16(tag))
		raw.Close()
	}
}

// serveControl handles a control-only connection: it consumes the
// 2-byte TagControl marker, reads exactly one request, replies, and
// closes. CreateConnection is the one method that keeps the
// connection open, promoting it to an ongoing command stream.
func (l *Listener) serveControl(ctx context.Context, stream bufferedConn) {
	var tagBuf [peekTagSize]byte
	if _, err := stream.Read(tagBuf[:]); err != nil {
		stream.Close()
		return
	}

	req, err := readControlMessage(stream)
	if err != nil {
		stream.Close()
		return
	}

	resp, newID := l.control.Handle(req)
	if err := writeControlMessage(stream, resp); err != nil {
		stream.Close()
		return
	}

	if req.Method != "CreateConnection" || !resp.OK {
		stream.Close()
		return
	}

	conn := connection.New(newID, stream, l.maxHandles)
	if err := l.registry.Insert(conn); err != nil {
		l.log.WithError(err).Warn("clientio: registering newly created connection")
		stream.Close()
		return
	}
	l.pump.Run(ctx, l.registry, conn)
}

// promoteToCommandConn handles the (rarer, but spec-permitted) case of
// a connection that arrives already carrying TPM-framed bytes without
// a prior CreateConnection handshake on this same socket: this can
// only be valid for a deployment that assigns connection ids out of
// band, so it is rejected here; every connection in this
// implementation must begin with CreateConnection.
func (l *Listener) promoteToCommandConn(ctx context.Context, stream bufferedConn) {
	l.log.Warn("clientio: command traffic without a preceding CreateConnection handshake, rejecting")
	stream.Close()
}

// bufferedConn layers a bufio.Reader over a net.Conn so a Peek done to
// route the connection doesn't discard bytes from the stream's actual
// consumer.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
