// Package xorname implements the 256-bit XOR name space and its prefixes:
// the address space nodes and sections live in.
package xorname

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Len is the number of bytes in a Name.
const Len = 32

// Name is a 256-bit identifier in the XOR name space.
type Name [Len]byte

// Hash derives a Name from arbitrary bytes, the same way a node derives its
// name from its public key.
func Hash(data []byte) Name {
	sum := blake2b.Sum256(data)
	var n Name
	copy(n[:], sum[:])
	return n
}

// String returns the hex encoding of the name.
func (n Name) String() string {
	return hex.EncodeToString(n[:])
}

// Equal reports whether two names are identical.
func (n Name) Equal(other Name) bool {
	return n == other
}

// Xor returns the bitwise XOR distance between two names.
func (n Name) Xor(other Name) Name {
	var out Name
	for i := range n {
		out[i] = n[i] ^ other[i]
	}
	return out
}

// Cmp orders two names by their distance to a reference point, ascending.
// It returns -1, 0, or 1, matching bytes.Compare semantics over the XOR
// distances to ref.
func Cmp(ref, a, b Name) int {
	da := ref.Xor(a)
	db := ref.Xor(b)
	return bytes.Compare(da[:], db[:])
}

// bitAt returns the bit (0 or 1) at the given zero-based index, MSB first.
func bitAt(n Name, index uint16) uint8 {
	byteIdx := index / 8
	bitIdx := 7 - (index % 8)
	return (n[byteIdx] >> bitIdx) & 1
}
