// Package poseidon provides the hash function of the voting trees, based on
// the Poseidon permutation over the BN254 scalar field.
//
// Interior tree nodes use the 2-input instance, leaf keys use the 3-input
// instance with a leading domain tag, so a leaf key can never be confused
// with the hash of two children.
package poseidon

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/private-voting/crypto"
)

// IdentityDomain tags the hash that derives a leaf key from an identity.
var IdentityDomain = new(big.Int).SetBytes([]byte("identity"))

// Combine hashes two children into their parent node.
func Combine(left, right *big.Int) (*big.Int, error) {
	if !crypto.InField(left) || !crypto.InField(right) {
		return nil, fmt.Errorf("combine: inputs must be field elements")
	}
	return poseidon.Hash([]*big.Int{left, right})
}

// LeafKey derives the tree address of an identity from its field
// representation.
func LeafKey(fields ...*big.Int) (*big.Int, error) {
	if len(fields) != 2 {
		return nil, fmt.Errorf("leaf key: expected 2 identity fields, got %d", len(fields))
	}
	for _, f := range fields {
		if !crypto.InField(f) {
			return nil, fmt.Errorf("leaf key: identity fields must be field elements")
		}
	}
	return poseidon.Hash([]*big.Int{IdentityDomain, fields[0], fields[1]})
}

// MultiPoseidon computes the Poseidon hash of a variable number of big.Int inputs.
// It handles large numbers of inputs by chunking them into groups of 16, hashing each chunk,
// and then recursively hashing the resulting hashes together.
// Returns an error if no inputs are provided.
func MultiPoseidon(inputs ...*big.Int) (*big.Int, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs provided")
	}

	// For 16 or fewer inputs, hash directly
	if len(inputs) <= 16 {
		return poseidon.Hash(inputs)
	}

	numChunks := (len(inputs) + 15) / 16
	hashes := make([]*big.Int, 0, numChunks)
	for i := 0; i < len(inputs); i += 16 {
		end := min(i+16, len(inputs))
		hash, err := poseidon.Hash(inputs[i:end])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return MultiPoseidon(hashes...)
}
