// Package notransport provides the transport.Transport used when the
// broker is configured with tcti=none: every call fails immediately,
// letting the broker start up (for handle/session-map unit testing or
// offline diagnostics) without a TPM present.
package notransport

import (
	"context"
	"errors"

	"github.com/tpm2-software/tpm2-brokerd/transport"
)

// ErrNoTPM is returned by every Transmit/Receive call.
var ErrNoTPM = errors.New("notransport: no TPM configured")

// Transport is a no-op transport.Transport.
type Transport struct{}

// New returns a Transport that always fails.
func New() *Transport { return &Transport{} }

func (*Transport) Transmit(ctx context.Context, buf []byte) error { return ErrNoTPM }

func (*Transport) Receive(ctx context.Context, buf []byte) (int, error) { return 0, ErrNoTPM }

func (*Transport) Close() error { return nil }

var _ transport.Transport = (*Transport)(nil)
