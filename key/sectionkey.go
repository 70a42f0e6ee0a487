package key

import (
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"

	"github.com/tidalmesh/elderd/crypto"
)

// SectionKey is a BLS public key: the output of a DKG, identifying a section
// epoch.
type SectionKey struct {
	Point kyber.Point
}

// Bytes returns the canonical encoding of the key, used as a map key and for
// hashing.
func (k SectionKey) Bytes() ([]byte, error) {
	if k.Point == nil {
		return nil, fmt.Errorf("section key: nil point")
	}
	return crypto.PointToBytes(k.Point)
}

// Equal reports whether two section keys are the same point.
func (k SectionKey) Equal(o SectionKey) bool {
	if k.Point == nil || o.Point == nil {
		return k.Point == o.Point
	}
	return k.Point.Equal(o.Point)
}

// String renders a short hex prefix of the key, for logs.
func (k SectionKey) String() string {
	b, err := k.Bytes()
	if err != nil {
		return "<invalid-key>"
	}
	if len(b) > 6 {
		b = b[:6]
	}
	return fmt.Sprintf("%x", b)
}

// KeyedSig is a signature together with the public key it verifies against:
// the predecessor key signing a successor key, or a section signing an
// arbitrary payload.
type KeyedSig struct {
	PublicKey SectionKey
	Signature []byte
}

// Verify checks sig.Signature against msg using the scheme's recovered
// verification (the signature is assumed already threshold-recovered).
func (s KeyedSig) Verify(scheme *crypto.Scheme, msg []byte) error {
	if s.PublicKey.Point == nil {
		return fmt.Errorf("keyed sig: nil public key")
	}
	return scheme.VerifyRecovered(s.PublicKey.Point, msg, s.Signature)
}

// Share is this node's share of a section's distributed BLS key, produced by
// a completed DKG session.
type Share struct {
	Index     int
	Priv      kyber.Scalar
	PublicSet *crypto.PublicKeySet
}

// Sign produces this node's signature share over msg.
func (s *Share) Sign(scheme *crypto.Scheme, msg []byte) ([]byte, error) {
	if s.Priv == nil {
		return nil, fmt.Errorf("share: nil private scalar")
	}
	return scheme.ThresholdScheme.Sign(&share.PriShare{I: s.Index, V: s.Priv}, msg)
}
