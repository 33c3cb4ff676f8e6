package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": []any{1, 2}}
	b := map[string]any{"c": []any{1, 2}, "a": "x", "b": 1}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"url": "https://lp.example/?a=1&b=<2>"})
	require.NoError(t, err)
	require.Contains(t, string(out), "&b=<2>")
}

func TestHashBytesStable(t *testing.T) {
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	require.Equal(t, HashBytes([]byte("x")), HashString("x"))
}
