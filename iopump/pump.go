// Package iopump implements the per-connection command source/sink
// loop (C9): frame one command off the connection's transport,
// forward it to the resource manager, write the response back. It
// replaces the original daemon's single poll(2) loop plus cancel-fd
// (connection.c's dispatch thread) with one goroutine per connection,
// cancelled by closing the connection's stream, which unblocks the
// pending read the same way the cancel fd unblocked poll.
package iopump

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/wire"
)

// DefaultMaxCommandSize is used when a caller doesn't override it via
// WithMaxCommandSize; it matches the minimum PT_MAX_COMMAND_SIZE a
// TPM 2.0 implementation is required to support.
const DefaultMaxCommandSize = 4096

// Dispatcher is the resource manager surface a Pump needs.
// *resourcemgr.Manager satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *wire.Command) *wire.Response
}

// Pump reads framed commands from one connection's stream, dispatches
// them, and writes the responses back, until the stream is closed or
// the driving context is cancelled.
type Pump struct {
	log            logrus.FieldLogger
	dispatcher     Dispatcher
	maxCommandSize int
}

// Option configures a Pump.
type Option func(*Pump)

// WithMaxCommandSize overrides DefaultMaxCommandSize.
func WithMaxCommandSize(n int) Option {
	return func(p *Pump) { p.maxCommandSize = n }
}

// WithLogger overrides the Pump's logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pump) { p.log = log }
}

// New returns a Pump that dispatches through d.
func New(d Dispatcher, opts ...Option) *Pump {
	p := &Pump{
		log:            logrus.StandardLogger(),
		dispatcher:     d,
		maxCommandSize: DefaultMaxCommandSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run services conn until its stream returns an error (including a
// clean EOF on disconnect) or ctx is done. It always removes conn from
// registry before returning, so callers can simply `go pump.Run(...)`
// per accepted connection and rely on the registry's removal-event
// subscribers (chiefly the resource manager) to reap state.
func (p *Pump) Run(ctx context.Context, registry *connection.Registry, conn *connection.Connection) {
	defer registry.Remove(conn.ID())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		cmd, err := p.readCommand(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.WithError(err).Debugf("connection %d: framing error, closing", conn.ID())
			}
			return
		}

		resp := p.dispatcher.Dispatch(ctx, cmd)
		if _, err := conn.Stream().Write(resp.Bytes()); err != nil {
			p.log.WithError(err).Debugf("connection %d: write error, closing", conn.ID())
			return
		}
	}
}

// readCommand frames exactly one command off conn's stream: a 10-byte
// header, size-validated against maxCommandSize, followed by the rest
// of the message.
func (p *Pump) readCommand(conn *connection.Connection) (*wire.Command, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn.Stream(), header); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[2:6])
	if size < wire.HeaderSize {
		return nil, fmt.Errorf("iopump: command size %d smaller than header", size)
	}
	if int(size) > p.maxCommandSize {
		return nil, fmt.Errorf("iopump: command size %d exceeds max-command-size %d", size, p.maxCommandSize)
	}

	buf := make([]byte, size)
	copy(buf, header)
	if _, err := io.ReadFull(conn.Stream(), buf[wire.HeaderSize:]); err != nil {
		return nil, err
	}

	return wire.DecodeCommand(buf, conn)
}
