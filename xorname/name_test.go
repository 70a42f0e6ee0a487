package xorname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("node-identity-bytes"))
	b := Hash([]byte("node-identity-bytes"))
	require.Equal(t, a, b)

	c := Hash([]byte("different-bytes"))
	require.NotEqual(t, a, c)
}

func TestNameEqual(t *testing.T) {
	a := Hash([]byte("x"))
	b := a
	require.True(t, a.Equal(b))

	b[0] ^= 0xFF
	require.False(t, a.Equal(b))
}

func TestXorSelfIsZero(t *testing.T) {
	a := Hash([]byte("self"))
	var zero Name
	require.Equal(t, zero, a.Xor(a))
}

func TestXorSymmetric(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	require.Equal(t, a.Xor(b), b.Xor(a))
}

func TestStringIsHex(t *testing.T) {
	var n Name
	n[0] = 0xAB
	require.Equal(t, 64, len(n.String()))
	require.Equal(t, "ab", n.String()[:2])
}
