// Package randsrc provides the broker's source of random connection
// ids. It is seeded once from a real entropy source, then generates
// as many values as the process needs from the fast PRNG it seeds,
// mirroring the original daemon's random.c: seed once from
// RANDOM_ENTROPY_FILE_DEFAULT, generate many times from libc's
// random() thereafter.
package randsrc

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	mrand "math/rand"
	"sync"
)

// Source generates connection ids. It is safe for concurrent use.
type Source struct {
	mu  sync.Mutex
	rnd *mrand.Rand
}

// New seeds a Source from crypto/rand. It is the only place in the
// daemon that touches a real entropy source; every subsequent id is
// drawn from the seeded PRNG.
func New() (*Source, error) {
	seed, err := cryptoSeed()
	if err != nil {
		return nil, fmt.Errorf("randsrc: seeding from entropy source: %w", err)
	}
	return &Source{rnd: mrand.New(mrand.NewSource(seed))}, nil
}

// NewFromSeed constructs a Source from an explicit seed, bypassing the
// entropy source entirely. Used by tests that need deterministic
// connection ids.
func NewFromSeed(seed int64) *Source {
	return &Source{rnd: mrand.New(mrand.NewSource(seed))}
}

func cryptoSeed() (int64, error) {
	max := big.NewInt(0).SetUint64(1<<63 - 1)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		var buf [8]byte
		if _, ferr := rand.Read(buf[:]); ferr != nil {
			return 0, err
		}
		return int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63)), nil
	}
	return n.Int64(), nil
}

// Uint64 returns the next 64-bit value in the sequence. Zero is a
// valid connection id here; callers that reserve zero as a sentinel
// are responsible for rejecting it themselves.
func (s *Source) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Uint64()
}
