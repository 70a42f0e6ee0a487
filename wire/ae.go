package wire

import (
	"bytes"
	"fmt"

	"github.com/tidalmesh/elderd/ae"
	"github.com/tidalmesh/elderd/chain"
	"github.com/tidalmesh/elderd/crypto"
	"github.com/tidalmesh/elderd/key"
	"github.com/tidalmesh/elderd/xorname"
)

func encodeFrame(buf *bytes.Buffer, f ae.Frame) error {
	if err := writeSectionKey(buf, f.SrcSectionKey); err != nil {
		return err
	}
	writeName(buf, f.DstName)
	return writeBytes(buf, f.Body)
}

func decodeFrame(r *bytes.Reader, scheme *crypto.Scheme) (ae.Frame, error) {
	srcKey, err := readSectionKey(r, scheme)
	if err != nil {
		return ae.Frame{}, err
	}
	name, err := readName(r)
	if err != nil {
		return ae.Frame{}, err
	}
	body, err := readBytes(r)
	if err != nil {
		return ae.Frame{}, err
	}
	return ae.Frame{SrcSectionKey: srcKey, DstName: xorname.Name(name), Body: body}, nil
}

func encodeChain(buf *bytes.Buffer, c *chain.Chain) error {
	edges := c.Edges()
	if err := writeUint32(buf, uint32(len(edges))); err != nil {
		return err
	}
	for _, e := range edges {
		if err := writeSectionKey(buf, e.Parent); err != nil {
			return err
		}
		if err := writeSectionKey(buf, e.Child); err != nil {
			return err
		}
		if err := writeKeyedSig(buf, e.Sig); err != nil {
			return err
		}
	}
	return nil
}

func decodeChain(r *bytes.Reader, scheme *crypto.Scheme, root key.SectionKey) (*chain.Chain, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	edges := make([]chain.Edge, n)
	for i := range edges {
		parent, err := readSectionKey(r, scheme)
		if err != nil {
			return nil, err
		}
		child, err := readSectionKey(r, scheme)
		if err != nil {
			return nil, err
		}
		sig, err := readKeyedSig(r, scheme)
		if err != nil {
			return nil, err
		}
		edges[i] = chain.Edge{Parent: parent, Child: child, Sig: sig}
	}
	return chain.FromEdges(scheme, root, edges)
}

// EncodeRetryReply serialises an ae.RetryReply: the responder's signed SAP,
// the proof chain's root key followed by its edges, and the frame that
// triggered it.
func EncodeRetryReply(reply *ae.RetryReply) ([]byte, error) {
	var buf bytes.Buffer
	saBytes, err := EncodeSectionAuth(reply.OurSAP)
	if err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, saBytes); err != nil {
		return nil, err
	}
	root := reply.ProofChain.RootKey()
	if err := writeSectionKey(&buf, root); err != nil {
		return nil, err
	}
	if err := encodeChain(&buf, reply.ProofChain); err != nil {
		return nil, fmt.Errorf("wire: encode retry proof chain: %w", err)
	}
	if err := encodeFrame(&buf, reply.Bounced); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRetryReply parses an ae.RetryReply produced by EncodeRetryReply.
func DecodeRetryReply(scheme *crypto.Scheme, b []byte) (*ae.RetryReply, error) {
	r := bytes.NewReader(b)
	saBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	ourSAP, err := DecodeSectionAuth(scheme, saBytes)
	if err != nil {
		return nil, err
	}
	root, err := readSectionKey(r, scheme)
	if err != nil {
		return nil, err
	}
	proof, err := decodeChain(r, scheme, root)
	if err != nil {
		return nil, fmt.Errorf("wire: decode retry proof chain: %w", err)
	}
	bounced, err := decodeFrame(r, scheme)
	if err != nil {
		return nil, err
	}
	return &ae.RetryReply{OurSAP: ourSAP, ProofChain: proof, Bounced: bounced}, nil
}

// EncodeRedirectReply serialises an ae.RedirectReply the same way as
// EncodeRetryReply, carrying the full section chain instead of a minimized
// proof chain.
func EncodeRedirectReply(reply *ae.RedirectReply) ([]byte, error) {
	var buf bytes.Buffer
	saBytes, err := EncodeSectionAuth(reply.OurSAP)
	if err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, saBytes); err != nil {
		return nil, err
	}
	root := reply.SectionChain.RootKey()
	if err := writeSectionKey(&buf, root); err != nil {
		return nil, err
	}
	if err := encodeChain(&buf, reply.SectionChain); err != nil {
		return nil, fmt.Errorf("wire: encode redirect section chain: %w", err)
	}
	if err := encodeFrame(&buf, reply.Bounced); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRedirectReply parses an ae.RedirectReply produced by
// EncodeRedirectReply.
func DecodeRedirectReply(scheme *crypto.Scheme, b []byte) (*ae.RedirectReply, error) {
	r := bytes.NewReader(b)
	saBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	ourSAP, err := DecodeSectionAuth(scheme, saBytes)
	if err != nil {
		return nil, err
	}
	root, err := readSectionKey(r, scheme)
	if err != nil {
		return nil, err
	}
	sectionChain, err := decodeChain(r, scheme, root)
	if err != nil {
		return nil, fmt.Errorf("wire: decode redirect section chain: %w", err)
	}
	bounced, err := decodeFrame(r, scheme)
	if err != nil {
		return nil, err
	}
	return &ae.RedirectReply{OurSAP: ourSAP, SectionChain: sectionChain, Bounced: bounced}, nil
}
