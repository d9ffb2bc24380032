package clientio

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tpm2-software/tpm2-brokerd/connection"
	"github.com/tpm2-software/tpm2-brokerd/sessionlist"
)

// ControlRequest is the JSON body of a control message, carrying
// whichever of the three original D-Bus methods (plus the Stats
// supplement) the caller is invoking.
type ControlRequest struct {
	Method       string `json:"method"`
	ConnectionID uint64 `json:"connectionId,omitempty"`
	Locality     uint8  `json:"locality,omitempty"`
}

// ControlResponse is the JSON body written back for every
// ControlRequest.
type ControlResponse struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
	ConnectionID    uint64 `json:"connectionId,omitempty"`
	LoadedTransient int    `json:"loadedTransient,omitempty"`
	LoadedSessions  int    `json:"loadedSessions,omitempty"`
	TrackedSessions int    `json:"trackedSessions,omitempty"`
	Connections     int    `json:"connections,omitempty"`
}

// statsBroker is the narrow broker surface Stats needs.
type statsBroker interface {
	TransientObjectCount() (int, error)
	LoadedSessionCount() (int, error)
}

// IDSource mints connection ids. *randsrc.Source satisfies this.
type IDSource interface {
	Uint64() uint64
}

// ControlHandler services CreateConnection/Cancel/SetLocality/Stats
// control messages, entirely locally: none of these pass through the
// access broker's serializer, matching spec.md §6's requirement that
// these calls never compete with TPM command traffic for C4's lock.
type ControlHandler struct {
	registry   *connection.Registry
	sessions   *sessionlist.List
	broker     statsBroker
	ids        IDSource
	maxHandles int
}

// NewControlHandler builds a ControlHandler wired to the daemon's
// shared registry, session list, broker (for Stats) and id source.
func NewControlHandler(registry *connection.Registry, sessions *sessionlist.List, broker statsBroker, ids IDSource, maxHandles int) *ControlHandler {
	return &ControlHandler{registry: registry, sessions: sessions, broker: broker, ids: ids, maxHandles: maxHandles}
}

// Handle dispatches one request. CreateConnection does not itself
// register the connection (it does not yet have a Stream to attach);
// the listener does that using the returned id once it promotes the
// socket to ongoing TPM command traffic.
func (h *ControlHandler) Handle(req ControlRequest) (ControlResponse, uint64) {
	switch req.Method {
	case "CreateConnection":
		if h.registry.IsFull() {
			return ControlResponse{Error: "too many connections"}, 0
		}
		id := h.ids.Uint64()
		return ControlResponse{OK: true, ConnectionID: id}, id

	case "Cancel":
		conn := h.registry.Lookup(req.ConnectionID)
		if conn == nil {
			return ControlResponse{Error: fmt.Sprintf("no such connection %d", req.ConnectionID)}, 0
		}
		h.registry.Remove(req.ConnectionID)
		return ControlResponse{OK: true}, 0

	case "SetLocality":
		conn := h.registry.Lookup(req.ConnectionID)
		if conn == nil {
			return ControlResponse{Error: fmt.Sprintf("no such connection %d", req.ConnectionID)}, 0
		}
		conn.SetLocality(req.Locality)
		return ControlResponse{OK: true}, 0

	case "Stats":
		resp := ControlResponse{OK: true, Connections: h.registry.Size(), TrackedSessions: h.sessions.Size()}
		if h.broker != nil {
			if n, err := h.broker.TransientObjectCount(); err == nil {
				resp.LoadedTransient = n
			}
			if n, err := h.broker.LoadedSessionCount(); err == nil {
				resp.LoadedSessions = n
			}
		}
		return resp, 0

	default:
		return ControlResponse{Error: fmt.Sprintf("unknown method %q", req.Method)}, 0
	}
}

// readControlMessage reads one length-prefixed JSON control request
// from r. The caller is responsible for having already consumed the
// 2-byte TagControl marker that precedes the length prefix.
func readControlMessage(r io.Reader) (ControlRequest, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return ControlRequest{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxControlMessageSize {
		return ControlRequest{}, fmt.Errorf("clientio: control message too large (%d bytes)", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return ControlRequest{}, err
	}
	var req ControlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ControlRequest{}, fmt.Errorf("clientio: decoding control message: %w", err)
	}
	return req, nil
}

// writeControlMessage writes resp to w in the same length-prefixed
// JSON framing readControlMessage expects on the read side, without
// a leading tag (the tag only distinguishes the first message on a
// freshly accepted connection).
func writeControlMessage(w io.Writer, resp ControlResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// maxControlMessageSize bounds a control message body; these are
// small fixed-shape JSON objects, never TPM-sized payloads.
const maxControlMessageSize = 4096
