package wire

// Internal response codes the broker synthesizes itself, as opposed to
// codes a real TPM returned. They live in the TSS2 RM (resource
// manager) layer of the response-code space, matching the convention
// tpm2-abrmd uses for TSS2_RESMGR_RC_* so a client-side stack that
// knows how to strip the layer tag still sees a sensible FMT0 code
// underneath.
const rmLayer = 0x00090000

const (
	// RCTooManyHandles is returned when a per-connection handle map
	// or the session list is full and cannot accept a new entry.
	RCTooManyHandles ResponseCode = rmLayer | 0x0001

	// RCBadHandle is returned when a client references a virtual
	// handle this broker has no record of.
	RCBadHandle ResponseCode = rmLayer | 0x0002

	// RCNotPermitted is returned for commands the broker refuses to
	// pass through, such as a client-issued ContextSave/ContextLoad.
	RCNotPermitted ResponseCode = rmLayer | 0x0003

	// RCInternal covers broker-internal failures that are not the
	// client's fault (e.g. eviction failed for reasons unrelated to
	// the client's own command).
	RCInternal ResponseCode = rmLayer | 0x0004
)
