package wire

import (
	"bytes"
	"fmt"

	"github.com/drand/kyber"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/sap"
	"github.com/tidalmesh/elderd/xorname"
)

func writeBytesLen(buf *bytes.Buffer, n int) error {
	return writeUint32(buf, uint32(n))
}

func readLen(r *bytes.Reader) (int, error) {
	n, err := readUint32(r)
	return int(n), err
}

// EncodeSAP serialises a sap.SAP: its prefix, the PublicKeySet's
// coefficients, and its ordered Elder identities. The PublicKeySet must
// have been built via crypto.NewPublicKeySetFromCoefficients (the only
// constructor that keeps a serialisable coefficient list).
func EncodeSAP(s sap.SAP) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(s.Prefix.Bytes())

	coeffs := s.PublicKeySet.Coefficients()
	if err := writeBytesLen(&buf, len(coeffs)); err != nil {
		return nil, err
	}
	for _, c := range coeffs {
		if err := writePoint(&buf, c); err != nil {
			return nil, fmt.Errorf("wire: encode sap coefficient: %w", err)
		}
	}

	elders := s.Elders
	if err := writeBytesLen(&buf, len(elders)); err != nil {
		return nil, err
	}
	for _, e := range elders {
		if err := writeIdentity(&buf, e); err != nil {
			return nil, fmt.Errorf("wire: encode sap elder: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeSAP parses a sap.SAP produced by EncodeSAP.
func DecodeSAP(scheme *crypto.Scheme, b []byte) (sap.SAP, error) {
	if len(b) < 2+xorname.Len {
		return sap.SAP{}, ErrShortFrame
	}
	prefix, err := xorname.DecodePrefix(b[:2+xorname.Len])
	if err != nil {
		return sap.SAP{}, err
	}
	r := bytes.NewReader(b[2+xorname.Len:])

	nCoeffs, err := readLen(r)
	if err != nil {
		return sap.SAP{}, err
	}
	coeffs := make([]kyber.Point, nCoeffs)
	for i := 0; i < nCoeffs; i++ {
		p, err := readPoint(r, scheme)
		if err != nil {
			return sap.SAP{}, fmt.Errorf("wire: decode sap coefficient: %w", err)
		}
		coeffs[i] = p
	}

	nElders, err := readLen(r)
	if err != nil {
		return sap.SAP{}, err
	}
	elders := make([]*key.Identity, nElders)
	for i := 0; i < nElders; i++ {
		id, err := readIdentity(r)
		if err != nil {
			return sap.SAP{}, fmt.Errorf("wire: decode sap elder: %w", err)
		}
		elders[i] = id
	}

	pks := crypto.NewPublicKeySetFromCoefficients(scheme, coeffs)
	out, err := sap.New(prefix, pks, elders)
	if err != nil {
		return sap.SAP{}, err
	}
	return *out, nil
}

// EncodeSectionAuth serialises a sap.SectionAuth: its SAP value followed by
// the keyed signature over the SAP's own section key.
func EncodeSectionAuth(sa sap.SectionAuth) ([]byte, error) {
	var buf bytes.Buffer
	sapBytes, err := EncodeSAP(sa.Value)
	if err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, sapBytes); err != nil {
		return nil, err
	}
	if err := writeKeyedSig(&buf, sa.Sig); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSectionAuth parses a sap.SectionAuth produced by EncodeSectionAuth.
func DecodeSectionAuth(scheme *crypto.Scheme, b []byte) (sap.SectionAuth, error) {
	r := bytes.NewReader(b)
	sapBytes, err := readBytes(r)
	if err != nil {
		return sap.SectionAuth{}, err
	}
	value, err := DecodeSAP(scheme, sapBytes)
	if err != nil {
		return sap.SectionAuth{}, err
	}
	sig, err := readKeyedSig(r, scheme)
	if err != nil {
		return sap.SectionAuth{}, err
	}
	return sap.SectionAuth{Value: value, Sig: sig}, nil
}

// NewElderShare carries one outgoing or incoming Elder's BLS signature
// share toward a proposed section-authority transition. NewKey is the
// payload that actually gets aggregated (spec.md §4.2/§8 requires both the
// chain-edge signature and the SAP's own self-signature to verify over the
// new section key's raw bytes alone, see sap.Authority.UpdateElders and
// chain.Chain.Insert) while SAPBody and Split ride alongside as informational
// context for reconstructing the proposed SAP once aggregation completes;
// they are never themselves fed into aggregate.Aggregator.TryAggregate.
type NewElderShare struct {
	Index   int
	Share   []byte
	NewKey  []byte
	SAPBody []byte
	Split   bool
}

// EncodeNewElderShare serialises a NewElderShare.
func EncodeNewElderShare(s NewElderShare) []byte {
	var buf bytes.Buffer
	_ = writeUint32(&buf, uint32(s.Index))
	_ = writeBytes(&buf, s.Share)
	_ = writeBytes(&buf, s.NewKey)
	_ = writeBytes(&buf, s.SAPBody)
	if s.Split {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeNewElderShare parses a NewElderShare produced by EncodeNewElderShare.
func DecodeNewElderShare(b []byte) (NewElderShare, error) {
	r := bytes.NewReader(b)
	index, err := readUint32(r)
	if err != nil {
		return NewElderShare{}, err
	}
	share, err := readBytes(r)
	if err != nil {
		return NewElderShare{}, err
	}
	newKey, err := readBytes(r)
	if err != nil {
		return NewElderShare{}, err
	}
	sapBody, err := readBytes(r)
	if err != nil {
		return NewElderShare{}, err
	}
	splitByte, err := r.ReadByte()
	if err != nil {
		return NewElderShare{}, fmt.Errorf("wire: read split flag: %w", err)
	}
	return NewElderShare{
		Index:   int(index),
		Share:   share,
		NewKey:  newKey,
		SAPBody: sapBody,
		Split:   splitByte != 0,
	}, nil
}
