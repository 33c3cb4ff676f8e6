package ulid

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNewLengthAndAlphabet(t *testing.T) {
	id, err := New(time.Now())
	require.NoError(t, err)
	require.Len(t, string(id), EncodedSize)
	require.NoError(t, Validate(id))
}

func TestDecodeTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	id, err := New(at)
	require.NoError(t, err)

	got, err := DecodeTime(id)
	require.NoError(t, err)
	require.Equal(t, at.UnixMilli(), got.UnixMilli())
}

func TestDecodeTimeRejectsGarbage(t *testing.T) {
	_, err := DecodeTime("not-an-id")
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = DecodeTime(ID("!!!!!!!!!!!!!!!!!!!!!!!!!!"))
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestFactoryMonotonicWithinMillisecond(t *testing.T) {
	f := NewFactory()
	at := time.UnixMilli(1_700_000_000_000)

	prev, err := f.New(at)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		next, err := f.New(at)
		require.NoError(t, err)
		require.Greater(t, string(next), string(prev))
		prev = next
	}
}

func TestFactoryOverflow(t *testing.T) {
	f := NewFactoryWithEntropy(bytes.NewReader(bytes.Repeat([]byte{0xFF}, 10)))
	at := time.UnixMilli(1_700_000_000_000)

	_, err := f.New(at)
	require.NoError(t, err)
	_, err = f.New(at)
	require.ErrorIs(t, err, ErrMonotonicOverflow)
}

// Property: for non-decreasing timestamps, lexicographic order of generated
// ids equals generation order.
func TestFactoryOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids sort in generation order", prop.ForAll(
		func(deltas []uint8) bool {
			f := NewFactory()
			at := time.UnixMilli(1_700_000_000_000)
			ids := make([]string, 0, len(deltas)+1)
			for _, d := range deltas {
				at = at.Add(time.Duration(d) * time.Millisecond)
				id, err := f.New(at)
				if err != nil {
					return false
				}
				ids = append(ids, string(id))
			}
			return sort.StringsAreSorted(ids)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
