// Package wire implements the TPM 2.0 command/response binary framing
// used on both the client-facing and TPM-facing sides of the broker, and
// the in-place handle rewriting the resource manager needs to virtualize
// handles without disturbing the rest of a message.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size in bytes of the fixed TPM command/response header.
const HeaderSize = 10

// StructTag is the TPMI_ST_COMMAND_TAG / TPM_ST value in a message header.
type StructTag uint16

// The two structure tags a well-formed command or response can carry.
const (
	TagNoSessions StructTag = 0x8001
	TagSessions   StructTag = 0x8002
)

// TagControl is not a TPM structure tag at all: it is a reserved value
// outside the TagNoSessions/TagSessions range that clientio's listener
// uses to recognize a control message (CreateConnection/Cancel/
// SetLocality/Stats) multiplexed onto the same accept loop as ordinary
// TPM-framed traffic.
const TagControl StructTag = 0x0000

// CommandCode is the TPM_CC value identifying a command.
type CommandCode uint32

// ResponseCode is the TPM_RC value identifying a response's outcome.
type ResponseCode uint32

// Success is the TPM_RC_SUCCESS response code.
const Success ResponseCode = 0x000

func (t StructTag) String() string {
	switch t {
	case TagNoSessions:
		return "NO_SESSIONS"
	case TagSessions:
		return "SESSIONS"
	default:
		return fmt.Sprintf("StructTag(0x%04x)", uint16(t))
	}
}

// readHeader reads the 10-byte header from buf. buf must be at least
// HeaderSize bytes long.
func readHeader(buf []byte) (tag StructTag, size uint32, code uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("wire: buffer too small for header: %d bytes", len(buf))
	}
	tag = StructTag(binary.BigEndian.Uint16(buf[0:2]))
	size = binary.BigEndian.Uint32(buf[2:6])
	code = binary.BigEndian.Uint32(buf[6:10])
	return tag, size, code, nil
}

func writeSize(buf []byte, size uint32) {
	binary.BigEndian.PutUint32(buf[2:6], size)
}
