// Package voting implements the voting state machine: a whitelist gated,
// double vote resistant tally committed through two sparse Merkle trees.
//
// The transitions are pure functions. They take a State snapshot and the
// operation inputs and return a new State, never touching the snapshot, so
// they can be evaluated concurrently and re-executed by a proving layer.
// Ordering and persistence belong to the caller (see the ledger and sequencer
// packages).
package voting

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/private-voting/crypto/hash/poseidon"
	"github.com/vocdoni/private-voting/smt"
	"github.com/vocdoni/private-voting/types"
)

// State is the committed voting state.
type State struct {
	Owner        types.Identity `json:"owner"        cbor:"0,keyasint"`
	TotalVotes   uint64         `json:"totalVotes"   cbor:"1,keyasint"`
	VotersRoot   *big.Int       `json:"votersRoot"   cbor:"2,keyasint"`
	HasVotedRoot *big.Int       `json:"hasVotedRoot" cbor:"3,keyasint"`
}

// Initialize returns the initial state owned by owner: no voters, no votes.
func Initialize(owner types.Identity) State {
	return State{
		Owner:        copyIdentity(owner),
		TotalVotes:   0,
		VotersRoot:   smt.EmptyRoot(),
		HasVotedRoot: smt.EmptyRoot(),
	}
}

// Digest returns the single field element that commits to the whole state.
func (s State) Digest() (*big.Int, error) {
	if !s.Owner.Valid() {
		return nil, fmt.Errorf("%w: owner", ErrInvalidIdentity)
	}
	if s.VotersRoot == nil || s.HasVotedRoot == nil {
		return nil, fmt.Errorf("%w: state roots not set", ErrMalformed)
	}
	return poseidon.MultiPoseidon(
		s.Owner.X,
		s.Owner.Y,
		new(big.Int).SetUint64(s.TotalVotes),
		s.VotersRoot,
		s.HasVotedRoot,
	)
}

// Equal reports whether both states hold the same values.
func (s State) Equal(other State) bool {
	return s.Owner.Equal(other.Owner) &&
		s.TotalVotes == other.TotalVotes &&
		bigEqual(s.VotersRoot, other.VotersRoot) &&
		bigEqual(s.HasVotedRoot, other.HasVotedRoot)
}

// Copy returns a deep copy of the state.
func (s State) Copy() State {
	return State{
		Owner:        copyIdentity(s.Owner),
		TotalVotes:   s.TotalVotes,
		VotersRoot:   copyBig(s.VotersRoot),
		HasVotedRoot: copyBig(s.HasVotedRoot),
	}
}

func (s State) String() string {
	return fmt.Sprintf("owner=%s totalVotes=%d votersRoot=%s hasVotedRoot=%s",
		s.Owner, s.TotalVotes, s.VotersRoot, s.HasVotedRoot)
}

func copyBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

func copyIdentity(id types.Identity) types.Identity {
	return types.Identity{X: copyBig(id.X), Y: copyBig(id.Y)}
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
