package voting

import (
	"errors"
	"fmt"

	"github.com/vocdoni/private-voting/smt"
)

// Error categories. Every error returned by a transition matches exactly one
// of them with errors.Is.
var (
	ErrAuthorization    = errors.New("authorization")
	ErrStateConsistency = errors.New("state consistency")
	ErrDomainValidation = errors.New("domain validation")
	ErrMalformed        = errors.New("malformed input")
)

var (
	// ErrUnauthorized is returned when the signature of an operation does not
	// verify under the expected identity.
	ErrUnauthorized = fmt.Errorf("%w: unauthorized", ErrAuthorization)

	// ErrStaleOrWrongWitness is returned when the root recomputed from a
	// witness is not the committed root.
	ErrStaleOrWrongWitness = fmt.Errorf("%w: stale or wrong witness", ErrStateConsistency)
	// ErrAlreadyWhitelisted is returned by AddVoter when the witness proves the
	// voter is already in the whitelist.
	ErrAlreadyWhitelisted = fmt.Errorf("%w: voter already whitelisted", ErrStaleOrWrongWitness)
	// ErrNotWhitelisted is returned by CastVote when the whitelist witness does
	// not prove the voter is whitelisted.
	ErrNotWhitelisted = fmt.Errorf("%w: voter not whitelisted", ErrStaleOrWrongWitness)
	// ErrAlreadyVoted is returned by CastVote when the has-voted witness does
	// not prove the voter has not voted yet.
	ErrAlreadyVoted = fmt.Errorf("%w: voter already voted", ErrStaleOrWrongWitness)

	// ErrInvalidVoteValue is returned for votes other than 0 and 1.
	ErrInvalidVoteValue = fmt.Errorf("%w: vote must be 0 or 1", ErrDomainValidation)

	// ErrInvalidWitness is returned for structurally malformed witnesses. It
	// also matches smt.ErrInvalidWitness.
	ErrInvalidWitness = fmt.Errorf("%w: %w", ErrMalformed, smt.ErrInvalidWitness)
	// ErrKeyMismatch is returned when the key of a witness is not the leaf key
	// of the identity of the operation.
	ErrKeyMismatch = fmt.Errorf("%w: witness key does not match identity", ErrMalformed)
	// ErrInvalidIdentity is returned for identities that are not BabyJubJub
	// points.
	ErrInvalidIdentity = fmt.Errorf("%w: invalid identity", ErrMalformed)
)
