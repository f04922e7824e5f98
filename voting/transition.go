package voting

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/private-voting/crypto/eddsa"
	"github.com/vocdoni/private-voting/crypto/hash/poseidon"
	"github.com/vocdoni/private-voting/smt"
	"github.com/vocdoni/private-voting/types"
)

var (
	leafAbsent  = big.NewInt(0)
	leafPresent = big.NewInt(1)
)

// LeafKey returns the key of the leaf of id in both trees.
func LeafKey(id types.Identity) (*big.Int, error) {
	if !id.Valid() {
		return nil, ErrInvalidIdentity
	}
	key, err := poseidon.LeafKey(id.Fields()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return key, nil
}

// AddVoter whitelists voter. The owner signs the leaf key of the voter and
// the witness authenticates the voter leaf, still absent, against the
// committed whitelist root.
func AddVoter(st State, voter types.Identity, witness *smt.Witness, ownerSignature []byte) (State, error) {
	key, err := LeafKey(voter)
	if err != nil {
		return State{}, err
	}
	if !eddsa.Verify(st.Owner, key, ownerSignature) {
		return State{}, fmt.Errorf("%w: owner signature", ErrUnauthorized)
	}

	root, witnessKey, err := computeRootAndKey(witness, leafAbsent)
	if err != nil {
		return State{}, err
	}
	if !bigEqual(root, st.VotersRoot) {
		// the same path with the leaf set reproducing the root means the
		// voter is already in the whitelist
		if present, _, err := computeRootAndKey(witness, leafPresent); err == nil &&
			bigEqual(present, st.VotersRoot) && witnessKey.Cmp(key) == 0 {
			return State{}, ErrAlreadyWhitelisted
		}
		return State{}, ErrStaleOrWrongWitness
	}
	if witnessKey.Cmp(key) != 0 {
		return State{}, ErrKeyMismatch
	}

	newRoot, _, err := computeRootAndKey(witness, leafPresent)
	if err != nil {
		return State{}, err
	}
	next := st.Copy()
	next.VotersRoot = newRoot
	return next, nil
}

// CastVote counts vote for voter. The voter signs the vote. The whitelist
// witness must prove the voter leaf is set in the whitelist and the has-voted
// witness must prove it is still absent from the has-voted tree.
func CastVote(
	st State,
	vote *big.Int,
	voter types.Identity,
	whitelistWitness *smt.Witness,
	hasVotedWitness *smt.Witness,
	voterSignature []byte,
) (State, error) {
	if vote == nil || vote.Sign() < 0 || vote.Cmp(big.NewInt(1)) > 0 {
		return State{}, ErrInvalidVoteValue
	}
	if !eddsa.Verify(voter, vote, voterSignature) {
		return State{}, fmt.Errorf("%w: voter signature", ErrUnauthorized)
	}
	key, err := LeafKey(voter)
	if err != nil {
		return State{}, err
	}

	root, witnessKey, err := computeRootAndKey(whitelistWitness, leafPresent)
	if err != nil {
		return State{}, err
	}
	if !bigEqual(root, st.VotersRoot) {
		return State{}, ErrNotWhitelisted
	}
	if witnessKey.Cmp(key) != 0 {
		return State{}, fmt.Errorf("%w: whitelist witness", ErrKeyMismatch)
	}

	root, witnessKey, err = computeRootAndKey(hasVotedWitness, leafAbsent)
	if err != nil {
		return State{}, err
	}
	if !bigEqual(root, st.HasVotedRoot) {
		return State{}, ErrAlreadyVoted
	}
	if witnessKey.Cmp(key) != 0 {
		return State{}, fmt.Errorf("%w: has-voted witness", ErrKeyMismatch)
	}

	newRoot, _, err := computeRootAndKey(hasVotedWitness, leafPresent)
	if err != nil {
		return State{}, err
	}
	next := st.Copy()
	next.HasVotedRoot = newRoot
	next.TotalVotes += vote.Uint64()
	return next, nil
}

func computeRootAndKey(w *smt.Witness, value *big.Int) (*big.Int, *big.Int, error) {
	root, key, err := w.ComputeRootAndKey(value)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidWitness, err)
	}
	return root, key, nil
}
