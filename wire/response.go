package wire

import (
	"encoding/binary"
	"fmt"
)

// Response is an owned, mutable view of a single TPM response message,
// paired with the connection it is destined for and the attributes of
// the command it answers (needed to know whether a new handle is
// present). Corresponds to spec.md's Tpm2Response.
type Response struct {
	buf       []byte
	conn      Conn
	cmdAttrs  CommandAttrs
	cmdCode   CommandCode
}

// NewResponse wraps a raw response buffer that answers the command
// with the given code and attributes.
func NewResponse(buf []byte, conn Conn, cmdCode CommandCode, cmdAttrs CommandAttrs) *Response {
	return &Response{buf: buf, conn: conn, cmdAttrs: cmdAttrs, cmdCode: cmdCode}
}

// DecodeResponse parses and validates a raw response buffer's header.
func DecodeResponse(buf []byte, conn Conn, cmdCode CommandCode, cmdAttrs CommandAttrs) (*Response, error) {
	tag, size, _, err := readHeader(buf)
	if err != nil {
		return nil, err
	}
	if size != uint32(len(buf)) {
		return nil, fmt.Errorf("wire: responseSize %d does not match buffer length %d", size, len(buf))
	}
	if tag != TagNoSessions && tag != TagSessions {
		return nil, fmt.Errorf("wire: invalid response tag 0x%04x", uint16(tag))
	}
	return NewResponse(buf, conn, cmdCode, cmdAttrs), nil
}

// Bytes returns the response's raw wire bytes.
func (r *Response) Bytes() []byte { return r.buf }

// Conn returns the connection this response is destined for.
func (r *Response) Conn() Conn { return r.conn }

// GetTag returns the response's structure tag.
func (r *Response) GetTag() StructTag {
	tag, _, _, _ := readHeader(r.buf)
	return tag
}

// GetSize returns the responseSize field.
func (r *Response) GetSize() uint32 {
	_, size, _, _ := readHeader(r.buf)
	return size
}

// GetCode returns the response code.
func (r *Response) GetCode() ResponseCode {
	_, _, code, _ := readHeader(r.buf)
	return ResponseCode(code)
}

// IsSuccess reports whether the response code is TPM_RC_SUCCESS.
func (r *Response) IsSuccess() bool { return r.GetCode() == Success }

// HasNewHandle reports whether this response, answering a successful
// dispatch, carries a freshly allocated handle as its first parameter.
func (r *Response) HasNewHandle() bool {
	return r.cmdAttrs.RHandle && r.IsSuccess()
}

// GetNewHandle returns the handle carried in the first four bytes of
// the response's parameter area. Only valid when HasNewHandle is true.
func (r *Response) GetNewHandle() (Handle, error) {
	if !r.HasNewHandle() {
		return 0, fmt.Errorf("wire: response for command 0x%x does not carry a new handle", uint32(r.cmdCode))
	}
	if len(r.buf) < HeaderSize+4 {
		return 0, fmt.Errorf("wire: response buffer too short for new handle")
	}
	return Handle(binary.BigEndian.Uint32(r.buf[HeaderSize : HeaderSize+4])), nil
}

// SetNewHandle overwrites the handle carried in the first four bytes
// of the response's parameter area, used by the resource manager to
// rewrite a freshly allocated physical handle into its virtual form
// before the response reaches the client.
func (r *Response) SetNewHandle(h Handle) error {
	if !r.HasNewHandle() {
		return fmt.Errorf("wire: response for command 0x%x does not carry a new handle", uint32(r.cmdCode))
	}
	if len(r.buf) < HeaderSize+4 {
		return fmt.Errorf("wire: response buffer too short for new handle")
	}
	binary.BigEndian.PutUint32(r.buf[HeaderSize:HeaderSize+4], uint32(h))
	return nil
}

// NewErrorResponse synthesizes a minimal response buffer carrying only
// a response code, used when the resource manager must answer a
// client without dispatching to the TPM (resource exhaustion,
// virtualization errors, rejected ContextSave/ContextLoad passthrough).
func NewErrorResponse(conn Conn, cmdCode CommandCode, rc ResponseCode) *Response {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(TagNoSessions))
	writeSize(buf, HeaderSize)
	binary.BigEndian.PutUint32(buf[6:10], uint32(rc))
	return &Response{buf: buf, conn: conn, cmdAttrs: CommandAttrs{}, cmdCode: cmdCode}
}
