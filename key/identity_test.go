package key

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPairSelfSigned(t *testing.T) {
	p, err := NewPair("127.0.0.1:7777")
	require.NoError(t, err)
	require.NoError(t, p.Public.ValidSignature())
	require.Equal(t, minAdultAge, p.Public.Age)
}

func TestIdentityEncodeRoundTrip(t *testing.T) {
	p, err := NewPair("10.0.0.1:9000")
	require.NoError(t, err)

	encoded := p.Public.Encode()
	decoded, err := DecodeIdentity(encoded)
	require.NoError(t, err)

	require.True(t, p.Public.Equal(decoded))
	require.NoError(t, decoded.ValidSignature())
}

func TestIdentityEqual(t *testing.T) {
	a, err := NewPair("a:1")
	require.NoError(t, err)
	b, err := NewPair("b:2")
	require.NoError(t, err)

	require.True(t, a.Public.Equal(a.Public))
	require.False(t, a.Public.Equal(b.Public))
	require.False(t, a.Public.Equal(nil))
}

func TestDecodeIdentityShortInput(t *testing.T) {
	_, err := DecodeIdentity([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPairSignVerify(t *testing.T) {
	p, err := NewPair("x:1")
	require.NoError(t, err)
	msg := []byte("join-request-body")
	sig := p.Sign(msg)
	require.True(t, ed25519.Verify(p.Public.PublicKey, msg, sig))
	require.NotEmpty(t, sig)
}
