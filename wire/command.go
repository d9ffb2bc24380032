package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/xerrors"
)

// AuthCommand is one entry of a command's authorization area.
type AuthCommand struct {
	SessionHandle Handle
	Nonce         []byte
	Attributes    byte
	HMAC          []byte
}

// Conn is the minimal view of a connection that a Command needs to
// carry a back-reference to its origin. connection.Connection
// satisfies this; wire does not import the connection package so the
// two packages don't form an import cycle (connection depends on wire
// through handlemap, not the other way around).
type Conn interface {
	ID() uint64
	Locality() uint8
}

// Command is an owned, mutable view of a single TPM command message,
// paired with the connection it was read from and its cached
// command-code attributes. It corresponds to spec.md's Tpm2Command /
// C2 "Command/Response buffers".
type Command struct {
	buf   []byte
	conn  Conn
	attrs CommandAttrs
}

// NewCommand wraps a raw command buffer. The buffer must already have
// passed header validation (see DecodeCommand); NewCommand itself does
// not validate.
func NewCommand(buf []byte, conn Conn) *Command {
	code, _ := peekCode(buf)
	return &Command{buf: buf, conn: conn, attrs: AttrsFor(code)}
}

// DecodeCommand parses and validates a raw command buffer's header,
// returning a Command on success. It does not validate the handle or
// auth area; callers that need those call ForEachAuth/GetHandle, which
// validate lazily.
func DecodeCommand(buf []byte, conn Conn) (*Command, error) {
	tag, size, _, err := readHeader(buf)
	if err != nil {
		return nil, err
	}
	if size != uint32(len(buf)) {
		return nil, fmt.Errorf("wire: commandSize %d does not match buffer length %d", size, len(buf))
	}
	if tag != TagNoSessions && tag != TagSessions {
		return nil, fmt.Errorf("wire: invalid command tag 0x%04x", uint16(tag))
	}
	return NewCommand(buf, conn), nil
}

func peekCode(buf []byte) (CommandCode, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("wire: buffer too small for header: %d bytes", len(buf))
	}
	return CommandCode(binary.BigEndian.Uint32(buf[6:10])), nil
}

// Bytes returns the command's raw wire bytes. Callers must not retain
// a mutated copy past a SetHandle call without re-reading it; SetHandle
// mutates in place.
func (c *Command) Bytes() []byte { return c.buf }

// Conn returns the connection this command was read from.
func (c *Command) Conn() Conn { return c.conn }

// GetTag returns the command's structure tag.
func (c *Command) GetTag() StructTag {
	tag, _, _, _ := readHeader(c.buf)
	return tag
}

// GetSize returns the commandSize field.
func (c *Command) GetSize() uint32 {
	_, size, _, _ := readHeader(c.buf)
	return size
}

// GetCode returns the command code.
func (c *Command) GetCode() CommandCode {
	_, _, code, _ := readHeader(c.buf)
	return CommandCode(code)
}

// Attrs returns the cached command-code attributes.
func (c *Command) Attrs() CommandAttrs { return c.attrs }

// GetHandleCount returns the number of handles in the command's handle
// area, per its cached attributes.
func (c *Command) GetHandleCount() int { return int(c.attrs.CHandles) }

func (c *Command) handleOffset(i int) int {
	return HeaderSize + i*4
}

// GetHandle returns the i'th handle in the handle area. i must be in
// [0, GetHandleCount()).
func (c *Command) GetHandle(i int) (Handle, error) {
	if i < 0 || i >= c.GetHandleCount() {
		return 0, fmt.Errorf("wire: handle index %d out of range (count %d)", i, c.GetHandleCount())
	}
	off := c.handleOffset(i)
	if off+4 > len(c.buf) {
		return 0, xerrors.Errorf("wire: command buffer too short for handle %d", i)
	}
	return Handle(binary.BigEndian.Uint32(c.buf[off : off+4])), nil
}

// SetHandle overwrites the i'th handle in the handle area in place.
// It never changes the message size, since TPM handles are
// fixed-width: this is an invariant the resource manager depends on.
func (c *Command) SetHandle(i int, h Handle) error {
	if i < 0 || i >= c.GetHandleCount() {
		return fmt.Errorf("wire: handle index %d out of range (count %d)", i, c.GetHandleCount())
	}
	off := c.handleOffset(i)
	if off+4 > len(c.buf) {
		return xerrors.Errorf("wire: command buffer too short for handle %d", i)
	}
	binary.BigEndian.PutUint32(c.buf[off:off+4], uint32(h))
	return nil
}

// authAreaStart returns the offset of the authSize field, immediately
// after the handle area. It does not check the offset against the
// buffer length. Only meaningful when GetTag() == TagSessions.
func (c *Command) authAreaStart() int {
	return HeaderSize + int(c.attrs.CHandles)*4
}

// ForEachAuth walks the command's authorization area (if tag ==
// TagSessions), invoking fn with each auth entry's session handle. It
// does not fully decode nonce/HMAC bytes beyond what's needed to
// advance past each entry. Returns an error if the auth area is
// malformed, per spec.md §4.1's auth-structure layout.
func (c *Command) ForEachAuth(fn func(AuthCommand) error) error {
	if c.GetTag() != TagSessions {
		return nil
	}
	start := c.authAreaStart()
	if start+4 > len(c.buf) {
		return fmt.Errorf("wire: command buffer too short for auth size field")
	}
	authSize := binary.BigEndian.Uint32(c.buf[start : start+4])
	pos := start + 4
	end := pos + int(authSize)
	if end > len(c.buf) {
		return fmt.Errorf("wire: auth area size %d exceeds buffer", authSize)
	}
	for pos < end {
		auth, next, err := decodeAuthCommand(c.buf, pos)
		if err != nil {
			return xerrors.Errorf("wire: decoding auth entry at %d: %w", pos, err)
		}
		if err := fn(auth); err != nil {
			return err
		}
		pos = next
	}
	return nil
}

func decodeAuthCommand(buf []byte, pos int) (AuthCommand, int, error) {
	var a AuthCommand
	if pos+4 > len(buf) {
		return a, 0, fmt.Errorf("buffer too short for sessionHandle")
	}
	a.SessionHandle = Handle(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	nonce, pos, err := readSizedBuffer(buf, pos)
	if err != nil {
		return a, 0, xerrors.Errorf("nonce: %w", err)
	}
	a.Nonce = nonce

	if pos+1 > len(buf) {
		return a, 0, fmt.Errorf("buffer too short for sessionAttrs")
	}
	a.Attributes = buf[pos]
	pos++

	hmac, pos, err := readSizedBuffer(buf, pos)
	if err != nil {
		return a, 0, xerrors.Errorf("hmac: %w", err)
	}
	a.HMAC = hmac

	return a, pos, nil
}

func readSizedBuffer(buf []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(buf) {
		return nil, 0, fmt.Errorf("buffer too short for size prefix")
	}
	size := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	if pos+size > len(buf) {
		return nil, 0, fmt.Errorf("buffer too short for %d-byte payload", size)
	}
	return buf[pos : pos+size], pos + size, nil
}

// flushParamOffset is where FlushContext's handle lives: not in the
// handle area (its attributes declare zero handles) but as the first
// four bytes of the parameter area. Grounded on tpm2-command.c's
// tpm2_command_get_flush_handle workaround.
func (c *Command) flushParamOffset() int {
	// FlushContext never carries sessions, so the parameter area
	// starts immediately after the (empty) handle area.
	return HeaderSize + int(c.attrs.CHandles)*4
}

// GetFlushHandle returns the handle parameter of a FlushContext
// command. It is only valid to call when GetCode() == CommandFlushContext.
func (c *Command) GetFlushHandle() (Handle, error) {
	if c.GetCode() != CommandFlushContext {
		return 0, fmt.Errorf("wire: GetFlushHandle called on non-FlushContext command (code 0x%x)", uint32(c.GetCode()))
	}
	off := c.flushParamOffset()
	if off+4 > len(c.buf) {
		return 0, fmt.Errorf("wire: command buffer too short for flush handle")
	}
	return Handle(binary.BigEndian.Uint32(c.buf[off : off+4])), nil
}

// SetFlushHandle overwrites the handle parameter of a FlushContext
// command in place.
func (c *Command) SetFlushHandle(h Handle) error {
	if c.GetCode() != CommandFlushContext {
		return fmt.Errorf("wire: SetFlushHandle called on non-FlushContext command (code 0x%x)", uint32(c.GetCode()))
	}
	off := c.flushParamOffset()
	if off+4 > len(c.buf) {
		return fmt.Errorf("wire: command buffer too short for flush handle")
	}
	binary.BigEndian.PutUint32(c.buf[off:off+4], uint32(h))
	return nil
}
