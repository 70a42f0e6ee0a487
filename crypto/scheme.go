// Package crypto wraps the BLS12-381 pairing setup used for section keys,
// DKG, and threshold signing, the same way the teacher's crypto.Scheme does
// for beacon signatures.
package crypto

import (
	"fmt"
	"hash"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/tbls"
	"golang.org/x/crypto/blake2b"
)

// Scheme bundles the pairing groups and threshold signature scheme used for
// section keys. KeyGroup holds public keys (G1, 48 bytes); SigGroup holds
// signatures (G2, 96 bytes).
type Scheme struct {
	KeyGroup        kyber.Group
	SigGroup        kyber.Group
	ThresholdScheme sign.ThresholdScheme
	IdentityHash    func() hash.Hash
}

// domain separation tags, distinct from the teacher's beacon DSTs so that a
// section-key signature can never be replayed as a beacon signature or vice
// versa.
const (
	g1DST = "ELDERD_BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_SECTION_"
	g2DST = "ELDERD_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_SECTION_"
)

// DefaultScheme returns the BLS12-381 scheme used throughout the module.
func DefaultScheme() *Scheme {
	pairing := bls.NewBLS12381SuiteWithDST([]byte(g1DST), []byte(g2DST))
	keyGroup := pairing.G1()
	sigGroup := pairing.G2()
	return &Scheme{
		KeyGroup:        keyGroup,
		SigGroup:        sigGroup,
		ThresholdScheme: tbls.NewThresholdSchemeOnG2(pairing),
		IdentityHash:    func() hash.Hash { h, _ := blake2b.New256(nil); return h },
	}
}

// PublicKeySet is the output of a completed DKG: the distributed public key
// and the per-index commitments needed to verify signature shares.
type PublicKeySet struct {
	scheme  *Scheme
	commits *share.PubPoly
	coeffs  []kyber.Point
}

// NewPublicKeySet wraps a DKG-produced public polynomial.
func NewPublicKeySet(scheme *Scheme, commits *share.PubPoly) *PublicKeySet {
	return &PublicKeySet{scheme: scheme, commits: commits}
}

// NewPublicKeySetFromCoefficients builds a PublicKeySet from an explicit
// public coefficient list, the same way the teacher's key.DistPublic keeps
// its Coefficients slice alongside (rather than instead of) the PubPoly it
// builds from them (common/key/keys.go). A share.PubPoly does not expose
// its internal commitment list, so anything that needs to serialise a
// PublicKeySet (the wire codec) has to be built through this constructor
// instead of NewPublicKeySet.
func NewPublicKeySetFromCoefficients(scheme *Scheme, coeffs []kyber.Point) *PublicKeySet {
	pubPoly := share.NewPubPoly(scheme.KeyGroup, scheme.KeyGroup.Point().Base(), coeffs)
	return &PublicKeySet{scheme: scheme, commits: pubPoly, coeffs: coeffs}
}

// Coefficients returns the polynomial's public coefficients, for wire
// serialisation. Empty if this set was built via NewPublicKeySet directly
// from a PubPoly rather than from NewPublicKeySetFromCoefficients.
func (s *PublicKeySet) Coefficients() []kyber.Point {
	return s.coeffs
}

// PublicKey returns the aggregate (degree-0 coefficient) public key: the
// section key.
func (s *PublicKeySet) PublicKey() kyber.Point {
	return s.commits.Commit()
}

// Threshold returns the minimum number of shares needed to reconstruct a
// signature, i.e. supermajority-1 as defined for DKG (§4.4 of the spec).
func (s *PublicKeySet) Threshold() int {
	return s.commits.Threshold()
}

// Eval returns the public commitment to share index i, used to verify an
// individual signature share without needing all shares.
func (s *PublicKeySet) Eval(i int) kyber.Point {
	return s.commits.Eval(i).V
}

// VerifyShare checks a single signature share against this key set's
// per-index commitment.
func (s *PublicKeySet) VerifyShare(msg, sigShare []byte) error {
	return s.scheme.ThresholdScheme.VerifyPartial(s.commits, msg, sigShare)
}

// Recover combines threshold-many signature shares into a section signature.
func (s *PublicKeySet) Recover(msg []byte, sigShares [][]byte, n int) ([]byte, error) {
	return s.scheme.ThresholdScheme.Recover(s.commits, msg, sigShares, s.Threshold(), n)
}

// VerifyRecovered checks a recovered (aggregate) signature against the
// section public key.
func (s *Scheme) VerifyRecovered(pub kyber.Point, msg, sig []byte) error {
	return s.ThresholdScheme.VerifyRecovered(pub, msg, sig)
}

// PointToBytes is a small helper used when persisting or hashing a public
// key, mirroring the teacher's repeated `MarshalBinary` call sites.
func PointToBytes(p kyber.Point) ([]byte, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal point: %w", err)
	}
	return b, nil
}
