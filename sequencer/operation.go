package sequencer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/vocdoni/private-voting/crypto/eddsa"
	"github.com/vocdoni/private-voting/smt"
	"github.com/vocdoni/private-voting/types"
	"github.com/vocdoni/private-voting/voting"
)

// ErrUnknownOperation is returned by Apply for operations of unknown type.
var ErrUnknownOperation = errors.New("unknown operation type")

// OpType identifies the transition an Operation requests.
type OpType uint8

const (
	OpAddVoter OpType = iota + 1
	OpCastVote
)

func (t OpType) String() string {
	switch t {
	case OpAddVoter:
		return "addVoter"
	case OpCastVote:
		return "castVote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseOpType returns the OpType named name, the inverse of String.
func ParseOpType(name string) (OpType, error) {
	for _, t := range []OpType{OpAddVoter, OpCastVote} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
}

// Operation is a signed request for a state transition together with the
// witnesses it was computed against.
type Operation struct {
	ID        uuid.UUID      `json:"id"`
	Type      OpType         `json:"type"`
	Voter     types.Identity `json:"voter"`
	Signature types.HexBytes `json:"signature"`

	// Witness is the whitelist witness of an addVoter operation.
	Witness *smt.Witness `json:"witness,omitempty"`

	Vote             *big.Int     `json:"vote,omitempty"`
	WhitelistWitness *smt.Witness `json:"whitelistWitness,omitempty"`
	HasVotedWitness  *smt.Witness `json:"hasVotedWitness,omitempty"`
}

// NewAddVoterOperation builds an addVoter operation signed by owner.
func NewAddVoterOperation(owner *eddsa.Signer, voter types.Identity, witness *smt.Witness) (*Operation, error) {
	key, err := voting.LeafKey(voter)
	if err != nil {
		return nil, err
	}
	sig, err := owner.Sign(key)
	if err != nil {
		return nil, fmt.Errorf("sign voter key: %w", err)
	}
	return &Operation{
		ID:        uuid.New(),
		Type:      OpAddVoter,
		Voter:     voter,
		Signature: sig,
		Witness:   witness,
	}, nil
}

// NewCastVoteOperation builds a castVote operation signed by voter.
func NewCastVoteOperation(
	voter *eddsa.Signer,
	vote *big.Int,
	whitelistWitness, hasVotedWitness *smt.Witness,
) (*Operation, error) {
	if vote == nil {
		return nil, voting.ErrInvalidVoteValue
	}
	sig, err := voter.Sign(vote)
	if err != nil {
		return nil, fmt.Errorf("sign vote: %w", err)
	}
	return &Operation{
		ID:               uuid.New(),
		Type:             OpCastVote,
		Voter:            voter.Identity(),
		Signature:        sig,
		Vote:             new(big.Int).Set(vote),
		WhitelistWitness: whitelistWitness,
		HasVotedWitness:  hasVotedWitness,
	}, nil
}

// Apply evaluates op against st and returns the next state. It has no side
// effects.
func Apply(st voting.State, op *Operation) (voting.State, error) {
	if op == nil {
		return voting.State{}, fmt.Errorf("%w: nil operation", voting.ErrMalformed)
	}
	switch op.Type {
	case OpAddVoter:
		return voting.AddVoter(st, op.Voter, op.Witness, op.Signature)
	case OpCastVote:
		return voting.CastVote(st, op.Vote, op.Voter, op.WhitelistWitness, op.HasVotedWitness, op.Signature)
	default:
		return voting.State{}, fmt.Errorf("%w: %s", ErrUnknownOperation, op.Type)
	}
}
