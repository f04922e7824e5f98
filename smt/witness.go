// Package smt implements the fixed height sparse Merkle trees that commit the
// whitelist and the has-voted sets.
//
// A tree maps keys to field elements, absent keys holding 0. Leaves hash to
// their own value and the empty subtree of height i hashes to ZeroHash(i), so
// a whole tree is identified by a single root. A Witness is the path of
// sibling hashes of one leaf, enough to recompute the root for any value of
// that leaf without the rest of the tree.
package smt

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/vocdoni/private-voting/crypto"
	"github.com/vocdoni/private-voting/crypto/hash/poseidon"
)

// Levels is the height of every tree: the bit length of the BN254 scalar
// field, so that any field element is a valid key.
const Levels = 254

// ErrInvalidWitness is returned when a witness is structurally malformed.
var ErrInvalidWitness = errors.New("invalid witness")

var zeroHashes [Levels + 1]*big.Int

func init() {
	zeroHashes[0] = big.NewInt(0)
	for i := range Levels {
		h, err := poseidon.Combine(zeroHashes[i], zeroHashes[i])
		if err != nil {
			panic(fmt.Sprintf("smt: cannot compute empty subtree hash %d: %v", i+1, err))
		}
		zeroHashes[i+1] = h
	}
}

// ZeroHash returns the root of an empty subtree of the given height.
func ZeroHash(level int) *big.Int {
	return new(big.Int).Set(zeroHashes[level])
}

// EmptyRoot returns the root of an empty tree.
func EmptyRoot() *big.Int {
	return ZeroHash(Levels)
}

// Witness is the authentication path of a leaf. Both slices are ordered from
// the leaf up to the root: Siblings[i] is the hash of the sibling of the path
// node at level i and IsLeft[i] tells whether that path node is a left child.
type Witness struct {
	Siblings []*big.Int `json:"siblings" cbor:"0,keyasint"`
	IsLeft   []bool     `json:"isLeft"   cbor:"1,keyasint"`
}

// Validate checks the shape of the witness.
func (w *Witness) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: nil witness", ErrInvalidWitness)
	}
	if len(w.Siblings) != Levels {
		return fmt.Errorf("%w: expected %d siblings, got %d", ErrInvalidWitness, Levels, len(w.Siblings))
	}
	if len(w.IsLeft) != Levels {
		return fmt.Errorf("%w: expected %d path bits, got %d", ErrInvalidWitness, Levels, len(w.IsLeft))
	}
	for i, s := range w.Siblings {
		if !crypto.InField(s) {
			return fmt.Errorf("%w: sibling %d is not a field element", ErrInvalidWitness, i)
		}
	}
	return nil
}

// Key returns the key of the leaf the witness authenticates. The path bit of
// level i, 1 for a right child, is bit i of the key.
func (w *Witness) Key() (*big.Int, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w.key(), nil
}

func (w *Witness) key() *big.Int {
	key := new(big.Int)
	for i := Levels - 1; i >= 0; i-- {
		key.Lsh(key, 1)
		if !w.IsLeft[i] {
			key.SetBit(key, 0, 1)
		}
	}
	return key
}

// ComputeRootAndKey returns the root the tree would have if the leaf held
// value, together with the key of the leaf. Calling it with two values gives
// the roots before and after updating that single leaf.
func (w *Witness) ComputeRootAndKey(value *big.Int) (root, key *big.Int, err error) {
	if err := w.Validate(); err != nil {
		return nil, nil, err
	}
	if !crypto.InField(value) {
		return nil, nil, fmt.Errorf("%w: leaf value is not a field element", ErrInvalidWitness)
	}
	h := new(big.Int).Set(value)
	for i := range Levels {
		if w.IsLeft[i] {
			h, err = poseidon.Combine(h, w.Siblings[i])
		} else {
			h, err = poseidon.Combine(w.Siblings[i], h)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: level %d: %v", ErrInvalidWitness, i, err)
		}
	}
	return h, w.key(), nil
}

// Copy returns a deep copy of the witness.
func (w *Witness) Copy() *Witness {
	if w == nil {
		return nil
	}
	cp := &Witness{
		Siblings: make([]*big.Int, len(w.Siblings)),
		IsLeft:   append([]bool(nil), w.IsLeft...),
	}
	for i, s := range w.Siblings {
		if s != nil {
			cp.Siblings[i] = new(big.Int).Set(s)
		}
	}
	return cp
}
