// Package ulid generates 26-character lexicographically sortable identifiers:
// a 10-character Crockford base-32 timestamp (48-bit milliseconds) followed by
// 16 characters of randomness. All entity identifiers in the control plane
// are produced here so that storage order equals creation order.
package ulid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Crockford base-32. Excludes I, L, O, U.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	// EncodedSize is the length of a text-encoded identifier.
	EncodedSize = 26
	timeSize    = 10
	randSize    = 16
)

var (
	ErrInvalidID         = errors.New("ulid: invalid identifier")
	ErrMonotonicOverflow = errors.New("ulid: monotonic random overflow within same millisecond")

	// decode maps an ASCII byte to its base-32 value, 0xFF for invalid.
	decode [256]byte
)

func init() {
	for i := range decode {
		decode[i] = 0xFF
	}
	for i := 0; i < len(alphabet); i++ {
		decode[alphabet[i]] = byte(i)
	}
	// Lowercase is accepted on decode per Crockford.
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if c >= 'A' && c <= 'Z' {
			decode[c+32] = byte(i)
		}
	}
}

// ID is a generated identifier.
type ID string

// New returns an identifier for the given time using crypto/rand entropy.
func New(now time.Time) (ID, error) {
	var entropy [10]byte
	if _, err := io.ReadFull(rand.Reader, entropy[:]); err != nil {
		return "", fmt.Errorf("ulid: read entropy: %w", err)
	}
	return build(uint64(now.UnixMilli()), entropy), nil
}

// MustNew is New with a panic on entropy failure. Entropy failure means the
// process cannot safely continue anyway.
func MustNew(now time.Time) ID {
	id, err := New(now)
	if err != nil {
		panic(err)
	}
	return id
}

// build encodes 48 bits of ms timestamp and 80 bits of entropy.
func build(ms uint64, entropy [10]byte) ID {
	var b [EncodedSize]byte

	// Timestamp: 48 bits into 10 base-32 characters, most significant first.
	for i := timeSize - 1; i >= 0; i-- {
		b[i] = alphabet[ms&0x1F]
		ms >>= 5
	}

	// Randomness: 80 bits into 16 characters.
	var acc uint64
	bits := 0
	out := timeSize
	for _, by := range entropy {
		acc = acc<<8 | uint64(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			b[out] = alphabet[(acc>>uint(bits))&0x1F]
			out++
		}
	}
	return ID(b[:])
}

// DecodeTime extracts the embedded UTC timestamp from an identifier.
func DecodeTime(id ID) (time.Time, error) {
	if len(id) != EncodedSize {
		return time.Time{}, ErrInvalidID
	}
	var ms uint64
	for i := 0; i < timeSize; i++ {
		v := decode[id[i]]
		if v == 0xFF {
			return time.Time{}, ErrInvalidID
		}
		ms = ms<<5 | uint64(v)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// Validate reports whether id is a well-formed identifier.
func Validate(id ID) error {
	if len(id) != EncodedSize {
		return ErrInvalidID
	}
	for i := 0; i < EncodedSize; i++ {
		if decode[id[i]] == 0xFF {
			return ErrInvalidID
		}
	}
	return nil
}

// Factory produces identifiers with intra-millisecond monotonic ordering.
// Within the same millisecond the previous random suffix is incremented, so
// lexicographic order equals generation order. Safe for concurrent use.
type Factory struct {
	mu      sync.Mutex
	lastMS  uint64
	lastRnd [10]byte
	reader  io.Reader
}

// NewFactory returns a monotonic factory using crypto/rand entropy.
func NewFactory() *Factory {
	return &Factory{reader: rand.Reader}
}

// NewFactoryWithEntropy overrides the entropy source for deterministic tests.
func NewFactoryWithEntropy(r io.Reader) *Factory {
	return &Factory{reader: r}
}

// New returns the next identifier for the given time.
func (f *Factory) New(now time.Time) (ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ms := uint64(now.UnixMilli())
	if ms <= f.lastMS && f.lastMS != 0 {
		// Same (or earlier) millisecond: increment the previous suffix.
		if err := increment(&f.lastRnd); err != nil {
			return "", err
		}
		return build(f.lastMS, f.lastRnd), nil
	}

	var entropy [10]byte
	if _, err := io.ReadFull(f.reader, entropy[:]); err != nil {
		return "", fmt.Errorf("ulid: read entropy: %w", err)
	}
	f.lastMS = ms
	f.lastRnd = entropy
	return build(ms, entropy), nil
}

func increment(b *[10]byte) error {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return nil
		}
	}
	return ErrMonotonicOverflow
}

// Clock supplies the current time. Production code uses WallClock; tests
// inject a fixed clock for determinism.
type Clock interface {
	Now() time.Time
}

// WallClock is the production clock. All timestamps are UTC.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T.UTC() }
