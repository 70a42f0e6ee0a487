// Package key holds per-node identity material: the ed25519 keypair used to
// authenticate a node as itself, and the BLS section-key types layered on
// top of it once the node joins a section.
package key

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/tidalmesh/elderd/xorname"
)

// GenesisAge is the reserved age of the genesis Elder.
const GenesisAge uint8 = 255

// Identity is a node's public, addressable identity: its ed25519 public key,
// network address, and self-signature over that key. name = hash(pubkey).
type Identity struct {
	PublicKey ed25519.PublicKey
	Addr      string
	Signature []byte
	Age       uint8
}

// Name derives the node's XOR name from its public key.
func (i *Identity) Name() xorname.Name {
	return xorname.Hash(i.PublicKey)
}

// Hash returns the bytes that get self-signed: the public key and address.
// The address is included (unlike the teacher's beacon identity, which
// deliberately excludes it) because in this overlay an identity's address
// can legitimately change across relocations while its key does not, and
// downstream consumers need a signature over the pairing actually in force.
func (i *Identity) Hash() []byte {
	return append(append([]byte{}, i.PublicKey...), []byte(i.Addr)...)
}

// ValidSignature verifies the self-signature over Hash().
func (i *Identity) ValidSignature() error {
	if !ed25519.Verify(i.PublicKey, i.Hash(), i.Signature) {
		return fmt.Errorf("identity: invalid self-signature")
	}
	return nil
}

// Equal reports whether two identities carry the same key and address.
func (i *Identity) Equal(o *Identity) bool {
	if o == nil {
		return false
	}
	return i.Addr == o.Addr && ed25519.PublicKey.Equal(i.PublicKey, o.PublicKey)
}

// Encode serialises an Identity for the wire: a fixed ed25519 public key,
// a length-prefixed address, the age byte, and the self-signature. Used
// by join-request/response payloads, which carry a full Identity rather
// than just a name.
func (i *Identity) Encode() []byte {
	out := make([]byte, 0, ed25519.PublicKeySize+2+len(i.Addr)+1+ed25519.SignatureSize)
	out = append(out, i.PublicKey...)
	var addrLen [2]byte
	binary.BigEndian.PutUint16(addrLen[:], uint16(len(i.Addr)))
	out = append(out, addrLen[:]...)
	out = append(out, []byte(i.Addr)...)
	out = append(out, i.Age)
	out = append(out, i.Signature...)
	return out
}

// DecodeIdentity parses an Identity produced by Encode.
func DecodeIdentity(b []byte) (*Identity, error) {
	if len(b) < ed25519.PublicKeySize+2 {
		return nil, fmt.Errorf("identity: short encoding")
	}
	off := 0
	pub := append(ed25519.PublicKey{}, b[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	addrLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+addrLen+1+ed25519.SignatureSize {
		return nil, fmt.Errorf("identity: short encoding")
	}
	addr := string(b[off : off+addrLen])
	off += addrLen
	age := b[off]
	off++
	sig := append([]byte{}, b[off:off+ed25519.SignatureSize]...)
	return &Identity{PublicKey: pub, Addr: addr, Age: age, Signature: sig}, nil
}

// Pair is a node's private identity: the ed25519 private key plus the
// corresponding public Identity.
type Pair struct {
	Private ed25519.PrivateKey
	Public  *Identity
}

// NewPair generates a fresh, self-signed identity keypair for addr.
func NewPair(addr string) (*Pair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	p := &Pair{
		Private: priv,
		Public: &Identity{
			PublicKey: pub,
			Addr:      addr,
			Age:       minAdultAge,
		},
	}
	p.Public.Signature = ed25519.Sign(priv, p.Public.Hash())
	return p, nil
}

// minAdultAge is the age a node enters the network at, once vouched for as
// an adult. It is distinct from GenesisAge.
const minAdultAge uint8 = 4

// Sign signs an arbitrary payload with the node's ed25519 identity key.
func (p *Pair) Sign(payload []byte) []byte {
	return ed25519.Sign(p.Private, payload)
}
