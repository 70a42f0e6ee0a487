package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/drand/kyber"
	kdkg "github.com/drand/kyber/share/dkg"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/dkg"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

func writeSession(buf *bytes.Buffer, s dkg.SessionID) {
	buf.Write(s[:])
}

func readSession(r *bytes.Reader) (dkg.SessionID, error) {
	var s dkg.SessionID
	name, err := readName(r)
	if err != nil {
		return s, err
	}
	copy(s[:], name[:])
	return s, nil
}

// DkgAnnounce is the leaderless session-start broadcast: every candidate
// Elder that receives one independently starts its local epoch state
// machine and ephemeral-key phase for the announced session, rather than
// waiting on a coordinating leader (spec.md §6).
type DkgAnnounce struct {
	Session    dkg.SessionID
	Prefix     xorname.Prefix
	Candidates []*key.Identity
	Split      bool
}

// EncodeDkgAnnounce serialises a DkgAnnounce.
func EncodeDkgAnnounce(a DkgAnnounce) ([]byte, error) {
	var buf bytes.Buffer
	writeSession(&buf, a.Session)
	buf.Write(a.Prefix.Bytes())
	if err := writeUint32(&buf, uint32(len(a.Candidates))); err != nil {
		return nil, err
	}
	for _, c := range a.Candidates {
		if err := writeIdentity(&buf, c); err != nil {
			return nil, fmt.Errorf("wire: encode dkg announce candidate: %w", err)
		}
	}
	if a.Split {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// DecodeDkgAnnounce parses a DkgAnnounce produced by EncodeDkgAnnounce.
func DecodeDkgAnnounce(b []byte) (DkgAnnounce, error) {
	r := bytes.NewReader(b)
	session, err := readSession(r)
	if err != nil {
		return DkgAnnounce{}, err
	}
	prefixBytes := make([]byte, 2+xorname.Len)
	if _, err := io.ReadFull(r, prefixBytes); err != nil {
		return DkgAnnounce{}, fmt.Errorf("wire: read dkg announce prefix: %w", err)
	}
	prefix, err := xorname.DecodePrefix(prefixBytes)
	if err != nil {
		return DkgAnnounce{}, err
	}
	n, err := readUint32(r)
	if err != nil {
		return DkgAnnounce{}, err
	}
	candidates := make([]*key.Identity, n)
	for i := range candidates {
		id, err := readIdentity(r)
		if err != nil {
			return DkgAnnounce{}, fmt.Errorf("wire: decode dkg announce candidate: %w", err)
		}
		candidates[i] = id
	}
	splitByte, err := r.ReadByte()
	if err != nil {
		return DkgAnnounce{}, fmt.Errorf("wire: read dkg announce split flag: %w", err)
	}
	return DkgAnnounce{Session: session, Prefix: prefix, Candidates: candidates, Split: splitByte != 0}, nil
}

// DkgSubmission wraps one candidate's ephemeral-phase key submission with
// the session it belongs to, so a receiver can route it to the right local
// EphemeralPhase.
type DkgSubmission struct {
	Session dkg.SessionID
	Sub     dkg.EphemeralSubmission
}

// EncodeDkgSubmission serialises a DkgSubmission.
func EncodeDkgSubmission(s DkgSubmission) ([]byte, error) {
	var buf bytes.Buffer
	writeSession(&buf, s.Session)
	writeName(&buf, s.Sub.Owner)
	if err := writeBytes(&buf, s.Sub.PubKey); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, s.Sub.Sig); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDkgSubmission parses a DkgSubmission produced by EncodeDkgSubmission.
func DecodeDkgSubmission(b []byte) (DkgSubmission, error) {
	r := bytes.NewReader(b)
	session, err := readSession(r)
	if err != nil {
		return DkgSubmission{}, err
	}
	owner, err := readName(r)
	if err != nil {
		return DkgSubmission{}, err
	}
	pubKey, err := readBytes(r)
	if err != nil {
		return DkgSubmission{}, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return DkgSubmission{}, err
	}
	return DkgSubmission{
		Session: session,
		Sub: dkg.EphemeralSubmission{
			Owner:  xorname.Name(owner),
			PubKey: pubKey,
			Sig:    sig,
		},
	}, nil
}

// EncodeDealBundle serialises a kdkg.DealBundle: dealer index, each deal's
// share index and encrypted share, the public commitment points, the
// session id, and the dealer's signature. Field order and shape mirror the
// teacher's dealToProto/protoToDeal (internal/dkg/broadcast.go).
func EncodeDealBundle(scheme *crypto.Scheme, d *kdkg.DealBundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, d.DealerIndex); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, uint32(len(d.Deals))); err != nil {
		return nil, err
	}
	for _, deal := range d.Deals {
		if err := writeUint32(&buf, deal.ShareIndex); err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, deal.EncryptedShare); err != nil {
			return nil, err
		}
	}
	if err := writeUint32(&buf, uint32(len(d.Public))); err != nil {
		return nil, err
	}
	for _, p := range d.Public {
		if err := writePoint(&buf, p); err != nil {
			return nil, fmt.Errorf("wire: encode deal bundle public coeff: %w", err)
		}
	}
	if err := writeBytes(&buf, d.SessionID); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, d.Signature); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDealBundle parses a kdkg.DealBundle produced by EncodeDealBundle.
func DecodeDealBundle(scheme *crypto.Scheme, b []byte) (*kdkg.DealBundle, error) {
	r := bytes.NewReader(b)
	dealerIndex, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	nDeals, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	deals := make([]kdkg.Deal, nDeals)
	for i := range deals {
		shareIndex, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		encShare, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		deals[i] = kdkg.Deal{ShareIndex: shareIndex, EncryptedShare: encShare}
	}
	nPublic, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	coeffPts := make([]kyber.Point, nPublic)
	for i := range coeffPts {
		p, err := readPoint(r, scheme)
		if err != nil {
			return nil, fmt.Errorf("wire: decode deal bundle public coeff: %w", err)
		}
		coeffPts[i] = p
	}
	sessionID, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &kdkg.DealBundle{
		DealerIndex: dealerIndex,
		Deals:       deals,
		Public:      coeffPts,
		SessionID:   sessionID,
		Signature:   sig,
	}, nil
}

// EncodeResponseBundle serialises a kdkg.ResponseBundle: share index, each
// response's dealer index and status bit, the session id, and the sender's
// signature, mirroring the teacher's respToProto/protoToResp.
func EncodeResponseBundle(r *kdkg.ResponseBundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.ShareIndex); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, uint32(len(r.Responses))); err != nil {
		return nil, err
	}
	for _, resp := range r.Responses {
		if err := writeUint32(&buf, resp.DealerIndex); err != nil {
			return nil, err
		}
		if resp.Status {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	if err := writeBytes(&buf, r.SessionID); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, r.Signature); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResponseBundle parses a kdkg.ResponseBundle produced by
// EncodeResponseBundle.
func DecodeResponseBundle(b []byte) (*kdkg.ResponseBundle, error) {
	r := bytes.NewReader(b)
	shareIndex, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	responses := make([]kdkg.Response, n)
	for i := range responses {
		dealerIndex, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		statusByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: read response status: %w", err)
		}
		responses[i] = kdkg.Response{DealerIndex: dealerIndex, Status: statusByte != 0}
	}
	sessionID, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &kdkg.ResponseBundle{
		ShareIndex: shareIndex,
		Responses:  responses,
		SessionID:  sessionID,
		Signature:  sig,
	}, nil
}

// EncodeJustificationBundle serialises a kdkg.JustificationBundle: dealer
// index, each justification's share index and revealed scalar share, the
// session id, and the dealer's signature, mirroring the teacher's
// justifToProto/protoToJustif.
func EncodeJustificationBundle(j *kdkg.JustificationBundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, j.DealerIndex); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, uint32(len(j.Justifications))); err != nil {
		return nil, err
	}
	for _, just := range j.Justifications {
		if err := writeUint32(&buf, just.ShareIndex); err != nil {
			return nil, err
		}
		if err := writeScalar(&buf, just.Share); err != nil {
			return nil, fmt.Errorf("wire: encode justification share: %w", err)
		}
	}
	if err := writeBytes(&buf, j.SessionID); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, j.Signature); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJustificationBundle parses a kdkg.JustificationBundle produced by
// EncodeJustificationBundle.
func DecodeJustificationBundle(scheme *crypto.Scheme, b []byte) (*kdkg.JustificationBundle, error) {
	r := bytes.NewReader(b)
	dealerIndex, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	justifications := make([]kdkg.Justification, n)
	for i := range justifications {
		shareIndex, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		share, err := readScalar(r, scheme)
		if err != nil {
			return nil, fmt.Errorf("wire: decode justification share: %w", err)
		}
		justifications[i] = kdkg.Justification{ShareIndex: shareIndex, Share: share}
	}
	sessionID, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &kdkg.JustificationBundle{
		DealerIndex:    dealerIndex,
		Justifications: justifications,
		SessionID:      sessionID,
		Signature:      sig,
	}, nil
}

// EncodeSignedVote serialises a dkg.SignedVote: its session, vote kind, the
// populated bundle for that kind, the sender identity, and the sender's
// signature over the bundle's encoding.
func EncodeSignedVote(scheme *crypto.Scheme, v dkg.SignedVote) ([]byte, error) {
	var buf bytes.Buffer
	writeSession(&buf, v.Session)
	buf.WriteByte(byte(v.Kind))

	var bundleBytes []byte
	var err error
	switch v.Kind {
	case dkg.VoteDeal:
		if v.Deal == nil {
			return nil, fmt.Errorf("wire: signed vote missing deal bundle")
		}
		bundleBytes, err = EncodeDealBundle(scheme, v.Deal)
	case dkg.VoteResponseKind:
		if v.Resp == nil {
			return nil, fmt.Errorf("wire: signed vote missing response bundle")
		}
		bundleBytes, err = EncodeResponseBundle(v.Resp)
	case dkg.VoteJustification:
		if v.Just == nil {
			return nil, fmt.Errorf("wire: signed vote missing justification bundle")
		}
		bundleBytes, err = EncodeJustificationBundle(v.Just)
	default:
		return nil, fmt.Errorf("wire: unknown vote kind %d", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, bundleBytes); err != nil {
		return nil, err
	}
	if err := writeIdentity(&buf, &v.Sender); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, v.Sig); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSignedVote parses a dkg.SignedVote produced by EncodeSignedVote.
func DecodeSignedVote(scheme *crypto.Scheme, b []byte) (dkg.SignedVote, error) {
	r := bytes.NewReader(b)
	session, err := readSession(r)
	if err != nil {
		return dkg.SignedVote{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return dkg.SignedVote{}, fmt.Errorf("wire: read vote kind: %w", err)
	}
	kind := dkg.VoteKind(kindByte)
	bundleBytes, err := readBytes(r)
	if err != nil {
		return dkg.SignedVote{}, err
	}

	v := dkg.SignedVote{Session: session, Kind: kind}
	switch kind {
	case dkg.VoteDeal:
		v.Deal, err = DecodeDealBundle(scheme, bundleBytes)
	case dkg.VoteResponseKind:
		v.Resp, err = DecodeResponseBundle(bundleBytes)
	case dkg.VoteJustification:
		v.Just, err = DecodeJustificationBundle(scheme, bundleBytes)
	default:
		err = fmt.Errorf("wire: unknown vote kind %d", kind)
	}
	if err != nil {
		return dkg.SignedVote{}, err
	}

	sender, err := readIdentity(r)
	if err != nil {
		return dkg.SignedVote{}, err
	}
	v.Sender = *sender
	sig, err := readBytes(r)
	if err != nil {
		return dkg.SignedVote{}, err
	}
	v.Sig = sig
	return v, nil
}
