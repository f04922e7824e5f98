// Package crypto provides the field helpers shared by the hash function, the
// sparse Merkle trees and the signature scheme. Every value they handle is an
// element of the BN254 scalar field.
package crypto

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
)

// SerializedFieldSize is the size in bytes of a serialized field element.
const SerializedFieldSize = 32

// Field is the BN254 scalar field modulus, the field of Poseidon and of the
// BabyJubJub base coordinates.
var Field = ecc.BN254.ScalarField()

// InField reports whether x is a canonical element of Field (0 <= x < Field).
func InField(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(Field) < 0
}

// BigIntToBytes serializes a field element as SerializedFieldSize big-endian
// bytes, left padded with zeros. Larger values keep their low bytes.
func BigIntToBytes(input *big.Int) []byte {
	return PadBytes(input.Bytes())
}

// PadBytes left pads input with zeros up to SerializedFieldSize bytes, or
// truncates it to its last SerializedFieldSize bytes.
func PadBytes(input []byte) []byte {
	if len(input) >= SerializedFieldSize {
		return input[len(input)-SerializedFieldSize:]
	}
	out := make([]byte, SerializedFieldSize)
	copy(out[SerializedFieldSize-len(input):], input)
	return out
}

// BytesToBigInt is the inverse of BigIntToBytes.
func BytesToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
