package sequencer

import (
	"context"
	"math/big"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/private-voting/crypto/eddsa"
	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/db/inmemory"
	"github.com/vocdoni/private-voting/db/metadb"
	"github.com/vocdoni/private-voting/ledger"
	"github.com/vocdoni/private-voting/smt"
	"github.com/vocdoni/private-voting/types"
	"github.com/vocdoni/private-voting/voting"
)

type testEnv struct {
	c      *qt.C
	ledger *ledger.Ledger
	seq    *Sequencer
	owner  *eddsa.Signer
}

func newTestEnv(c *qt.C, database db.Database) *testEnv {
	l, err := ledger.New(database)
	c.Assert(err, qt.IsNil)
	seq, err := New(l)
	c.Assert(err, qt.IsNil)
	owner := newSigner(c, "owner")
	_, err = seq.Initialize(owner.Identity())
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	c.Assert(seq.Start(ctx), qt.IsNil)
	c.Cleanup(func() {
		cancel()
		seq.Stop()
	})
	return &testEnv{c: c, ledger: l, seq: seq, owner: owner}
}

func newSigner(c *qt.C, seed string) *eddsa.Signer {
	s, err := eddsa.NewSignerFromSeed([]byte(seed))
	c.Assert(err, qt.IsNil)
	return s
}

func submitCtx(c *qt.C) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c.Cleanup(cancel)
	return ctx
}

func (e *testEnv) addVoterOp(voter types.Identity) *Operation {
	w, err := e.seq.WhitelistWitness(voter)
	e.c.Assert(err, qt.IsNil)
	op, err := NewAddVoterOperation(e.owner, voter, w)
	e.c.Assert(err, qt.IsNil)
	return op
}

func (e *testEnv) voteOp(voter *eddsa.Signer, vote int64) *Operation {
	wl, err := e.seq.WhitelistWitness(voter.Identity())
	e.c.Assert(err, qt.IsNil)
	hv, err := e.seq.HasVotedWitness(voter.Identity())
	e.c.Assert(err, qt.IsNil)
	op, err := NewCastVoteOperation(voter, big.NewInt(vote), wl, hv)
	e.c.Assert(err, qt.IsNil)
	return op
}

func (e *testEnv) submit(op *Operation) (*Receipt, error) {
	return e.seq.Submit(submitCtx(e.c), op)
}

func TestSequencer(t *testing.T) {
	c := qt.New(t)
	backends := map[string]func(c *qt.C) db.Database{
		"pebble": func(c *qt.C) db.Database { return metadb.NewTest(c.TB) },
		"inmemory": func(c *qt.C) db.Database {
			database, err := inmemory.New(db.Options{})
			c.Assert(err, qt.IsNil)
			return database
		},
	}
	for name, newDB := range backends {
		c.Run(name, func(c *qt.C) {
			e := newTestEnv(c, newDB(c))
			alice := newSigner(c, "alice")
			bob := newSigner(c, "bob")

			r, err := e.submit(e.addVoterOp(alice.Identity()))
			c.Assert(err, qt.IsNil)
			c.Assert(r.Height, qt.Equals, uint64(1))
			c.Assert(r.Type, qt.Equals, OpAddVoter)
			_, err = e.submit(e.addVoterOp(bob.Identity()))
			c.Assert(err, qt.IsNil)

			ok, err := e.seq.IsWhitelisted(alice.Identity())
			c.Assert(err, qt.IsNil)
			c.Assert(ok, qt.IsTrue)

			_, err = e.submit(e.voteOp(alice, 1))
			c.Assert(err, qt.IsNil)
			r, err = e.submit(e.voteOp(bob, 1))
			c.Assert(err, qt.IsNil)
			c.Assert(r.Height, qt.Equals, uint64(4))
			c.Assert(r.State.TotalVotes, qt.Equals, uint64(2))

			voted, err := e.seq.HasVoted(bob.Identity())
			c.Assert(err, qt.IsNil)
			c.Assert(voted, qt.IsTrue)

			// double vote with fresh witnesses
			_, err = e.submit(e.voteOp(alice, 1))
			c.Assert(err, qt.ErrorIs, voting.ErrAlreadyVoted)

			// double whitelist
			_, err = e.submit(e.addVoterOp(alice.Identity()))
			c.Assert(err, qt.ErrorIs, voting.ErrAlreadyWhitelisted)

			head, err := e.seq.Current()
			c.Assert(err, qt.IsNil)
			c.Assert(head.Height, qt.Equals, uint64(4))
			c.Assert(head.State.TotalVotes, qt.Equals, uint64(2))
			c.Assert(e.seq.CheckMirrors(), qt.IsNil)
			c.Assert(e.ledger.Verify(), qt.IsNil)
		})
	}
}

func TestStaleWitnessIsRejected(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c, metadb.NewTest(t))
	alice := newSigner(c, "alice").Identity()
	bob := newSigner(c, "bob").Identity()

	// both operations are computed against the empty whitelist
	opAlice := e.addVoterOp(alice)
	opBob := e.addVoterOp(bob)

	_, err := e.submit(opAlice)
	c.Assert(err, qt.IsNil)
	_, err = e.submit(opBob)
	c.Assert(err, qt.ErrorIs, voting.ErrStaleOrWrongWitness)

	// resubmitting with a fresh witness succeeds
	_, err = e.submit(e.addVoterOp(bob))
	c.Assert(err, qt.IsNil)
}

func TestSpeculateSameVoter(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c, metadb.NewTest(t))
	voter := newSigner(c, "voter")
	_, err := e.submit(e.addVoterOp(voter.Identity()))
	c.Assert(err, qt.IsNil)

	ops := []*Operation{e.voteOp(voter, 1), e.voteOp(voter, 0)}
	base, specs, err := e.seq.Speculate(context.Background(), ops)
	c.Assert(err, qt.IsNil)
	c.Assert(base, qt.Equals, uint64(1))
	c.Assert(specs, qt.HasLen, 2)
	for _, s := range specs {
		c.Assert(s.Err, qt.IsNil)
	}
	c.Assert(specs[0].State.TotalVotes, qt.Equals, uint64(1))
	c.Assert(specs[1].State.TotalVotes, qt.Equals, uint64(0))

	// only the first candidate can be committed on the base height
	_, err = e.ledger.Commit(base, specs[0].State, ledger.Op{ID: ops[0].ID.String()})
	c.Assert(err, qt.IsNil)
	_, err = e.ledger.Commit(base, specs[1].State, ledger.Op{ID: ops[1].ID.String()})
	c.Assert(err, qt.ErrorIs, ledger.ErrConflict)

	// evaluated again on the new head the second vote fails
	head, err := e.ledger.Current()
	c.Assert(err, qt.IsNil)
	_, err = Apply(head.State, ops[1])
	c.Assert(err, qt.ErrorIs, voting.ErrAlreadyVoted)
}

func TestMirrorsRebuiltAfterPartialCommit(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)
	e := newTestEnv(c, database)
	alice := newSigner(c, "alice")
	_, err := e.submit(e.addVoterOp(alice.Identity()))
	c.Assert(err, qt.IsNil)

	// the ledger holds an entry whose mirror update never reached the
	// database, as after a crash between both writes
	bob := newSigner(c, "bob")
	op := e.addVoterOp(bob.Identity())
	head, err := e.ledger.Current()
	c.Assert(err, qt.IsNil)
	next, err := Apply(head.State, op)
	c.Assert(err, qt.IsNil)
	key, err := voting.LeafKey(bob.Identity())
	c.Assert(err, qt.IsNil)
	_, err = e.ledger.Commit(head.Height, next, ledger.Op{
		ID:      op.ID.String(),
		Type:    op.Type.String(),
		LeafKey: types.NewBigInt(key),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(e.seq.CheckMirrors(), qt.ErrorIs, ErrMirrorOutOfSync)

	// reopening rebuilds the mirrors from the chain
	e.seq.Stop()
	seq, err := New(e.ledger)
	c.Assert(err, qt.IsNil)
	c.Assert(seq.CheckMirrors(), qt.IsNil)
	ok, err := seq.IsWhitelisted(bob.Identity())
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Assert(seq.Start(ctx), qt.IsNil)
	defer seq.Stop()
	e.seq = seq
	r, err := e.submit(e.voteOp(bob, 1))
	c.Assert(err, qt.IsNil)
	c.Assert(r.Height, qt.Equals, uint64(3))

	// a lost mirror is rebuilt as well
	c.Assert(smt.New(database, votersTreeTag).Reset(), qt.IsNil)
	seq, err = New(e.ledger)
	c.Assert(err, qt.IsNil)
	c.Assert(seq.CheckMirrors(), qt.IsNil)
	c.Assert(e.ledger.Verify(), qt.IsNil)
}

func TestDivergedMirrorAbortsCommit(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)
	e := newTestEnv(c, database)
	alice := newSigner(c, "alice")
	op := e.addVoterOp(alice.Identity())

	// a stray leaf makes the mirror disagree with the ledger
	_, err := smt.New(database, votersTreeTag).Set(big.NewInt(5), big.NewInt(1))
	c.Assert(err, qt.IsNil)

	_, err = e.submit(op)
	c.Assert(err, qt.ErrorIs, ErrMirrorOutOfSync)
	head, err := e.ledger.Current()
	c.Assert(err, qt.IsNil)
	c.Assert(head.Height, qt.Equals, uint64(0))
	ok, err := e.seq.IsWhitelisted(alice.Identity())
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	c.Assert(e.seq.RebuildMirrors(), qt.IsNil)
	_, err = e.submit(e.addVoterOp(alice.Identity()))
	c.Assert(err, qt.IsNil)
	c.Assert(e.seq.CheckMirrors(), qt.IsNil)
}

// blockWorker holds the commit lock so the worker stalls on the operation it
// claimed, and returns a function releasing it.
func blockWorker(s *Sequencer) func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func waitQueueLen(c *qt.C, s *Sequencer, n int) {
	deadline := time.Now().Add(10 * time.Second)
	for len(s.queue) != n {
		if time.Now().After(deadline) {
			c.Fatalf("queue length %d, want %d", len(s.queue), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type submitResult struct {
	receipt *Receipt
	err     error
}

func (e *testEnv) submitAsync(ctx context.Context, op *Operation) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		r, err := e.seq.Submit(ctx, op)
		ch <- submitResult{r, err}
	}()
	return ch
}

func TestQueuedOperationsRejectedOnStop(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c, metadb.NewTest(t))
	alice := newSigner(c, "alice")
	_, err := e.submit(e.addVoterOp(alice.Identity()))
	c.Assert(err, qt.IsNil)

	// the vote does not touch the whitelist, so bob's witness stays valid
	bob := newSigner(c, "bob")
	vote := e.voteOp(alice, 1)
	addBob := e.addVoterOp(bob.Identity())

	release := blockWorker(e.seq)
	voteRes := e.submitAsync(context.Background(), vote)
	waitQueueLen(c, e.seq, 0)
	bobRes := e.submitAsync(context.Background(), addBob)
	waitQueueLen(c, e.seq, 1)

	stopped := make(chan struct{})
	go func() {
		e.seq.Stop()
		close(stopped)
	}()
	res := <-bobRes
	c.Assert(res.err, qt.ErrorIs, ErrNotStarted)
	release()
	<-stopped

	// the claimed operation completes, the queued one is gone
	res = <-voteRes
	c.Assert(res.err, qt.IsNil)
	c.Assert(res.receipt.Height, qt.Equals, uint64(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Assert(e.seq.Start(ctx), qt.IsNil)
	defer e.seq.Stop()
	_, err = e.submit(e.voteOp(alice, 1))
	c.Assert(err, qt.ErrorIs, voting.ErrAlreadyVoted)
	head, err := e.seq.Current()
	c.Assert(err, qt.IsNil)
	c.Assert(head.Height, qt.Equals, uint64(2))
	ok, err := e.seq.IsWhitelisted(bob.Identity())
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	// the rejected operation was valid and can be submitted again
	r, err := e.submit(addBob)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Height, qt.Equals, uint64(3))
}

func TestCancelledSubmitNeverCommits(t *testing.T) {
	c := qt.New(t)
	e := newTestEnv(c, metadb.NewTest(t))
	alice := newSigner(c, "alice")
	_, err := e.submit(e.addVoterOp(alice.Identity()))
	c.Assert(err, qt.IsNil)
	bob := newSigner(c, "bob")
	vote := e.voteOp(alice, 1)
	addBob := e.addVoterOp(bob.Identity())

	release := blockWorker(e.seq)
	voteRes := e.submitAsync(context.Background(), vote)
	waitQueueLen(c, e.seq, 0)
	ctx, cancel := context.WithCancel(context.Background())
	bobRes := e.submitAsync(ctx, addBob)
	waitQueueLen(c, e.seq, 1)
	cancel()
	res := <-bobRes
	c.Assert(res.err, qt.ErrorIs, context.Canceled)
	release()

	res = <-voteRes
	c.Assert(res.err, qt.IsNil)
	// a later operation is processed after the cancelled one was skipped
	_, err = e.submit(e.voteOp(alice, 1))
	c.Assert(err, qt.ErrorIs, voting.ErrAlreadyVoted)

	ok, err := e.seq.IsWhitelisted(bob.Identity())
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
	head, err := e.seq.Current()
	c.Assert(err, qt.IsNil)
	c.Assert(head.Height, qt.Equals, uint64(2))
}

func TestSubmitNotStarted(t *testing.T) {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	l, err := ledger.New(database)
	c.Assert(err, qt.IsNil)
	seq, err := New(l)
	c.Assert(err, qt.IsNil)

	_, err = seq.Submit(context.Background(), &Operation{})
	c.Assert(err, qt.ErrorIs, ErrNotStarted)
	_, err = seq.Submit(context.Background(), nil)
	c.Assert(err, qt.ErrorIs, voting.ErrMalformed)

	// stopping a sequencer that never started is a no-op
	seq.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Assert(seq.Start(ctx), qt.IsNil)
	c.Assert(seq.Start(ctx), qt.ErrorMatches, "sequencer already started")
	seq.Stop()
	_, err = seq.Submit(context.Background(), &Operation{})
	c.Assert(err, qt.ErrorIs, ErrNotStarted)
}

func TestApply(t *testing.T) {
	c := qt.New(t)
	owner := newSigner(c, "owner")
	st := voting.Initialize(owner.Identity())

	_, err := Apply(st, nil)
	c.Assert(err, qt.ErrorIs, voting.ErrMalformed)
	_, err = Apply(st, &Operation{Type: OpType(9)})
	c.Assert(err, qt.ErrorIs, ErrUnknownOperation)
	c.Assert(OpType(9).String(), qt.Equals, "unknown(9)")
	typ, err := ParseOpType("castVote")
	c.Assert(err, qt.IsNil)
	c.Assert(typ, qt.Equals, OpCastVote)
	_, err = ParseOpType("bogus")
	c.Assert(err, qt.ErrorIs, ErrUnknownOperation)

	// an operation signed by someone else than the owner
	voter := newSigner(c, "voter")
	op, err := NewAddVoterOperation(voter, voter.Identity(), nil)
	c.Assert(err, qt.IsNil)
	_, err = Apply(st, op)
	c.Assert(err, qt.ErrorIs, voting.ErrUnauthorized)

	_, err = NewCastVoteOperation(voter, nil, nil, nil)
	c.Assert(err, qt.ErrorIs, voting.ErrInvalidVoteValue)
}
