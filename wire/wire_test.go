package wire

import (
	"testing"

	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	scheme := crypto.DefaultScheme()
	priv := scheme.KeyGroup.Scalar().Pick(random.New())
	pub := share.NewPriPoly(scheme.KeyGroup, 1, priv, random.New()).Commit(nil).Commit()
	sectionKey := key.SectionKey{Point: pub}

	src := xorname.Hash([]byte("source-node"))
	dstName := xorname.Hash([]byte("dest-node"))

	m := NewWireMsg(src, Dst{Name: dstName, SectionPK: sectionKey}, AuthNode, PayloadJoinRequest, []byte("hello"))

	encoded, err := m.Encode()
	require.NoError(t, err)

	decoded, dstPKBytes, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, m.MsgID, decoded.MsgID)
	require.Equal(t, m.Src, decoded.Src)
	require.Equal(t, m.Dst.Name, decoded.Dst.Name)
	require.Equal(t, m.AuthKind, decoded.AuthKind)
	require.Equal(t, m.PayloadKind, decoded.PayloadKind)
	require.Equal(t, m.Payload, decoded.Payload)

	wantPKBytes, err := sectionKey.Bytes()
	require.NoError(t, err)
	require.Equal(t, wantPKBytes, dstPKBytes)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestShareEnvelopeRoundTrip(t *testing.T) {
	env := ShareEnvelope{Index: 3, Share: []byte("a-signature-share"), Body: []byte("the signed payload")}

	decoded, err := DecodeShareEnvelope(env.Encode())
	require.NoError(t, err)
	require.Equal(t, env.Index, decoded.Index)
	require.Equal(t, env.Share, decoded.Share)
	require.Equal(t, env.Body, decoded.Body)
}

func TestDecodeShareEnvelopeRejectsShortFrame(t *testing.T) {
	_, err := DecodeShareEnvelope([]byte{1, 2})
	require.ErrorIs(t, err, ErrShortFrame)
}
