package wire

import "fmt"

// Handle is a 32-bit TPM handle. The high byte encodes the handle type;
// the low 24 bits are a serial number within that type.
type Handle uint32

// HandleType identifies the category of object a Handle refers to.
type HandleType uint8

// Handle types relevant to the broker. Values from the TPM2 library
// specification part 2, section "Handles".
const (
	HandleTypePCR         HandleType = 0x00
	HandleTypeHMACSession HandleType = 0x02
	HandleTypePolicySession HandleType = 0x03
	HandleTypePermanent   HandleType = 0x40
	HandleTypeTransient   HandleType = 0x80
	HandleTypePersistent  HandleType = 0x81
)

// Type returns the handle's high-byte type tag.
func (h Handle) Type() HandleType {
	return HandleType(h >> 24)
}

// IsSession reports whether h names a session (HMAC or policy).
func (h Handle) IsSession() bool {
	t := h.Type()
	return t == HandleTypeHMACSession || t == HandleTypePolicySession
}

// IsVirtualizable reports whether h names an object type the broker
// virtualizes (transient objects; persistent handles are aliased the
// same way so clients never see the real persistent handle either).
func (h Handle) IsVirtualizable() bool {
	t := h.Type()
	return t == HandleTypeTransient || t == HandleTypePersistent
}

func (h Handle) String() string {
	return fmt.Sprintf("0x%08x", uint32(h))
}

// NewVirtualHandle composes a virtual handle from its type byte and a
// 24-bit serial number. The caller is responsible for ensuring serial
// fits in 24 bits.
func NewVirtualHandle(t HandleType, serial uint32) Handle {
	return Handle(uint32(t)<<24 | (serial & 0x00ffffff))
}
