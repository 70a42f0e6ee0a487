package dkg

import (
	"fmt"

	"github.com/drand/kyber"
	kdkg "github.com/drand/kyber/share/dkg"

	"github.com/tidalmesh/elderd/crypto"
)

// BuildConfig builds a kdkg.Config for a fresh, non-resharing DKG session:
// every section epoch runs a brand-new DKG rather than reshare the
// outgoing key, the same case the teacher library's own NewDKGConfig
// constructor covers (OldNodes/PublicCoeffs/Share all left zero). This
// means a re-election is indistinguishable, protocol-wise, from a genuinely
// fresh section forming; the outgoing key's authority over the new one
// comes entirely from the chain-edge signature (Authority.UpdateElders),
// not from the DKG itself.
func BuildConfig(scheme *crypto.Scheme, longterm kyber.Scalar, participants []kyber.Point, threshold int) (*kdkg.Config, error) {
	suite, ok := scheme.KeyGroup.(kdkg.Suite)
	if !ok {
		return nil, fmt.Errorf("dkg: key group does not implement dkg.Suite")
	}
	return &kdkg.Config{
		Suite:     suite,
		Longterm:  longterm,
		NewNodes:  participants,
		Threshold: threshold,
	}, nil
}
