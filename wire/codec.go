package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/drand/kyber"

	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
)

// The remaining codecs in this package (sap.go, ae.go, dkg.go) build on
// these primitives instead of each hand-rolling length-prefixed fields, the
// way wire.go's own WireMsg.Encode/Decode do it inline for the frame header
// only. Every multi-field message below is a flat, ordered sequence of
// length-prefixed blocks; there is no tagged/self-describing format, same
// as the frame header.

func writeUint32(buf *bytes.Buffer, n uint32) error {
	return binary.Write(buf, binary.BigEndian, n)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, fmt.Errorf("wire: read uint32: %w", err)
	}
	return n, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("wire: read length: %w", err)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("wire: read %d bytes: %w", n, err)
	}
	return out, nil
}

func writePoint(buf *bytes.Buffer, p kyber.Point) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return fmt.Errorf("wire: marshal point: %w", err)
	}
	return writeBytes(buf, b)
}

func readPoint(r *bytes.Reader, scheme *crypto.Scheme) (kyber.Point, error) {
	b, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	p := scheme.KeyGroup.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("wire: unmarshal point: %w", err)
	}
	return p, nil
}

func writeScalar(buf *bytes.Buffer, s kyber.Scalar) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return fmt.Errorf("wire: marshal scalar: %w", err)
	}
	return writeBytes(buf, b)
}

func readScalar(r *bytes.Reader, scheme *crypto.Scheme) (kyber.Scalar, error) {
	b, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	s := scheme.KeyGroup.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("wire: unmarshal scalar: %w", err)
	}
	return s, nil
}

func writeSectionKey(buf *bytes.Buffer, k key.SectionKey) error {
	b, err := k.Bytes()
	if err != nil {
		return fmt.Errorf("wire: marshal section key: %w", err)
	}
	return writeBytes(buf, b)
}

func readSectionKey(r *bytes.Reader, scheme *crypto.Scheme) (key.SectionKey, error) {
	b, err := readBytes(r)
	if err != nil {
		return key.SectionKey{}, err
	}
	p := scheme.KeyGroup.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return key.SectionKey{}, fmt.Errorf("wire: unmarshal section key: %w", err)
	}
	return key.SectionKey{Point: p}, nil
}

func writeKeyedSig(buf *bytes.Buffer, sig key.KeyedSig) error {
	if err := writeSectionKey(buf, sig.PublicKey); err != nil {
		return err
	}
	return writeBytes(buf, sig.Signature)
}

func readKeyedSig(r *bytes.Reader, scheme *crypto.Scheme) (key.KeyedSig, error) {
	pk, err := readSectionKey(r, scheme)
	if err != nil {
		return key.KeyedSig{}, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return key.KeyedSig{}, err
	}
	return key.KeyedSig{PublicKey: pk, Signature: sig}, nil
}

func writeIdentity(buf *bytes.Buffer, id *key.Identity) error {
	return writeBytes(buf, id.Encode())
}

func readIdentity(r *bytes.Reader) (*key.Identity, error) {
	b, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return key.DecodeIdentity(b)
}

func writeName(buf *bytes.Buffer, name [32]byte) {
	buf.Write(name[:])
}

func readName(r *bytes.Reader) ([32]byte, error) {
	var name [32]byte
	if _, err := io.ReadFull(r, name[:]); err != nil {
		return name, fmt.Errorf("wire: read name: %w", err)
	}
	return name, nil
}
