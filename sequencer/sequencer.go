// Package sequencer orders voting operations. A single worker evaluates every
// submitted operation against the ledger head with the pure transition
// functions, commits the result and keeps a full copy of both trees, the
// mirrors, to hand out fresh witnesses to clients.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/ledger"
	"github.com/vocdoni/private-voting/log"
	"github.com/vocdoni/private-voting/smt"
	"github.com/vocdoni/private-voting/types"
	"github.com/vocdoni/private-voting/voting"
	"golang.org/x/sync/errgroup"
)

const (
	votersTreeTag   = "voters"
	hasVotedTreeTag = "hasvoted"
)

var (
	// ErrMirrorOutOfSync is returned when a mirror tree root is not the root
	// committed in the ledger.
	ErrMirrorOutOfSync = errors.New("mirror tree out of sync with ledger")
	// ErrNotStarted is returned by Submit when the worker is not running.
	ErrNotStarted = errors.New("sequencer not started")

	// QueueSize is the capacity of the operation queue. It can be changed
	// before creating a sequencer.
	QueueSize = 64
)

// Receipt describes the outcome of a committed operation.
type Receipt struct {
	OpID   uuid.UUID     `json:"opId"`
	Type   OpType        `json:"type"`
	Height uint64        `json:"height"`
	Digest *types.BigInt `json:"digest"`
	State  voting.State  `json:"state"`
}

const (
	requestQueued int32 = iota
	requestClaimed
	requestCancelled
)

type request struct {
	op    *Operation
	ctx   context.Context
	state atomic.Int32
	reply chan result
}

// claim reserves the request for processing. It fails if the submitter gave
// up on it.
func (r *request) claim() bool {
	return r.state.CompareAndSwap(requestQueued, requestClaimed)
}

// cancel withdraws the request. It fails if the worker already claimed it,
// in which case the submitter has to wait for the outcome.
func (r *request) cancel() bool {
	return r.state.CompareAndSwap(requestQueued, requestCancelled)
}

type result struct {
	receipt *Receipt
	err     error
}

// Sequencer serializes operations over a ledger.
type Sequencer struct {
	ledger *ledger.Ledger
	voters *smt.Tree
	voted  *smt.Tree

	lifecycle sync.RWMutex // guards running and the queue against Stop
	running   bool
	queue     chan *request
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex // held by the worker while committing and updating the mirrors
}

// New returns a sequencer over l. The mirror trees live in the ledger
// database, so every commit updates the chain and the mirror in one
// transaction. Mirrors that do not match the ledger head are rebuilt from the
// chain.
func New(l *ledger.Ledger) (*Sequencer, error) {
	s := &Sequencer{
		ledger: l,
		voters: smt.New(l.Database(), votersTreeTag),
		voted:  smt.New(l.Database(), hasVotedTreeTag),
		queue:  make(chan *request, QueueSize),
	}
	err := s.CheckMirrors()
	switch {
	case err == nil, errors.Is(err, ledger.ErrNotInitialized):
		return s, nil
	case errors.Is(err, ErrMirrorOutOfSync):
		log.Warnw("rebuilding mirror trees", "error", err.Error())
		if err := s.RebuildMirrors(); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, err
	}
}

// Start launches the worker. It stops when ctx is done or Stop is called.
func (s *Sequencer) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running {
		return fmt.Errorf("sequencer already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.worker(s.ctx)
	log.Infow("sequencer started")
	return nil
}

// Stop cancels the worker and waits for it to return. Operations still
// queued are rejected with ErrNotStarted and never committed. It's safe to
// call Stop multiple times.
func (s *Sequencer) Stop() {
	s.lifecycle.Lock()
	if !s.running {
		s.lifecycle.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.lifecycle.Unlock()

	s.wg.Wait()
	s.rejectQueued()
	log.Infow("sequencer stopped")
}

func (s *Sequencer) rejectQueued() {
	for {
		select {
		case req := <-s.queue:
			if req.claim() {
				req.reply <- result{err: ErrNotStarted}
			}
		default:
			return
		}
	}
}

// Initialize commits the genesis state owned by owner.
func (s *Sequencer) Initialize(owner types.Identity) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEmptyMirrors(); err != nil {
		return nil, err
	}
	e, err := s.ledger.Genesis(owner)
	if err != nil {
		return nil, err
	}
	return &Receipt{Height: e.Height, Digest: e.Digest, State: e.State}, nil
}

// Submit queues op and waits for its outcome. Operations rejected by the
// state machine return its error unchanged. An error means op was not
// committed and never will be: once the worker picks op up, Submit waits for
// the result even if ctx is done.
func (s *Sequencer) Submit(ctx context.Context, op *Operation) (*Receipt, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", voting.ErrMalformed)
	}
	req := &request{op: op, ctx: ctx, reply: make(chan result, 1)}

	s.lifecycle.RLock()
	if !s.running {
		s.lifecycle.RUnlock()
		return nil, ErrNotStarted
	}
	done := s.ctx.Done()
	select {
	case s.queue <- req:
	case <-ctx.Done():
		s.lifecycle.RUnlock()
		return nil, ctx.Err()
	case <-done:
		s.lifecycle.RUnlock()
		return nil, ErrNotStarted
	}
	s.lifecycle.RUnlock()

	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		if req.cancel() {
			return nil, ctx.Err()
		}
	case <-done:
		if req.cancel() {
			return nil, ErrNotStarted
		}
	}
	res := <-req.reply
	return res.receipt, res.err
}

func (s *Sequencer) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			if ctx.Err() != nil {
				if req.claim() {
					req.reply <- result{err: ErrNotStarted}
				}
				return
			}
			if req.ctx.Err() != nil {
				if req.claim() {
					req.reply <- result{err: req.ctx.Err()}
				}
				continue
			}
			if !req.claim() {
				continue
			}
			receipt, err := s.process(req.op)
			req.reply <- result{receipt: receipt, err: err}
		}
	}
}

// process evaluates op against the head and commits the new state together
// with the matching mirror leaf update.
func (s *Sequencer) process(op *Operation) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	startTime := time.Now()

	head, err := s.ledger.Current()
	if err != nil {
		return nil, err
	}
	next, err := Apply(head.State, op)
	if err != nil {
		log.Debugw("operation rejected", "op", op.ID.String(), "type", op.Type.String(), "error", err.Error())
		return nil, err
	}
	key, err := voting.LeafKey(op.Voter)
	if err != nil {
		return nil, err
	}
	record := ledger.Op{ID: op.ID.String(), Type: op.Type.String(), LeafKey: types.NewBigInt(key)}
	entry, err := s.ledger.Commit(head.Height, next, record, s.stageMirror(op.Type, key, next))
	if err != nil {
		return nil, fmt.Errorf("commit operation %s: %w", op.ID, err)
	}
	log.Infow("operation committed",
		"op", op.ID.String(),
		"type", op.Type.String(),
		"height", entry.Height,
		"totalVotes", entry.State.TotalVotes,
		"took", log.Since(startTime))
	return &Receipt{
		OpID:   op.ID,
		Type:   op.Type,
		Height: entry.Height,
		Digest: entry.Digest,
		State:  entry.State,
	}, nil
}

// mirror returns the mirror tree an operation type sets a leaf in and the
// root of that tree in st.
func (s *Sequencer) mirror(t OpType, st voting.State) (*smt.Tree, *big.Int, error) {
	switch t {
	case OpAddVoter:
		return s.voters, st.VotersRoot, nil
	case OpCastVote:
		return s.voted, st.HasVotedRoot, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownOperation, t)
	}
}

// stageMirror sets the leaf of key in the commit transaction. The commit is
// aborted if the resulting mirror root is not the committed root.
func (s *Sequencer) stageMirror(t OpType, key *big.Int, committed voting.State) ledger.Stage {
	return func(tx db.WriteTx) error {
		tree, want, err := s.mirror(t, committed)
		if err != nil {
			return err
		}
		root, err := tree.SetTx(tx, key, big.NewInt(1))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMirrorOutOfSync, err)
		}
		if root.Cmp(want) != 0 {
			return fmt.Errorf("%w: %s root %s, committed %s", ErrMirrorOutOfSync, t, root, want)
		}
		return nil
	}
}

// RebuildMirrors clears both mirror trees and replays every leaf recorded in
// the chain, then checks the result against the head.
func (s *Sequencer) RebuildMirrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.ledger.Current()
	if err != nil {
		return err
	}
	if err := s.voters.Reset(); err != nil {
		return err
	}
	if err := s.voted.Reset(); err != nil {
		return err
	}
	for h := uint64(1); h <= head.Height; h++ {
		e, err := s.ledger.At(h)
		if err != nil {
			return err
		}
		t, err := ParseOpType(e.Op.Type)
		if err != nil {
			return fmt.Errorf("entry %d: %w", h, err)
		}
		if e.Op.LeafKey == nil {
			return fmt.Errorf("entry %d: no leaf key recorded", h)
		}
		tree, _, err := s.mirror(t, e.State)
		if err != nil {
			return err
		}
		if _, err := tree.Set(e.Op.LeafKey.MathBigInt(), big.NewInt(1)); err != nil {
			return fmt.Errorf("replay entry %d: %w", h, err)
		}
	}
	if err := s.checkRoots(head.State); err != nil {
		return err
	}
	log.Infow("mirror trees rebuilt", "height", head.Height)
	return nil
}

// CheckMirrors compares the mirror roots with the ledger head.
func (s *Sequencer) CheckMirrors() error {
	head, err := s.ledger.Current()
	if err != nil {
		return err
	}
	return s.checkRoots(head.State)
}

func (s *Sequencer) checkRoots(st voting.State) error {
	votersRoot, err := s.voters.Root()
	if err != nil {
		return err
	}
	votedRoot, err := s.voted.Root()
	if err != nil {
		return err
	}
	if votersRoot.Cmp(st.VotersRoot) != 0 {
		return fmt.Errorf("%w: voters root %s, committed %s", ErrMirrorOutOfSync, votersRoot, st.VotersRoot)
	}
	if votedRoot.Cmp(st.HasVotedRoot) != 0 {
		return fmt.Errorf("%w: has-voted root %s, committed %s", ErrMirrorOutOfSync, votedRoot, st.HasVotedRoot)
	}
	return nil
}

func (s *Sequencer) checkEmptyMirrors() error {
	return s.checkRoots(voting.State{VotersRoot: smt.EmptyRoot(), HasVotedRoot: smt.EmptyRoot()})
}

// Current returns the ledger head.
func (s *Sequencer) Current() (*ledger.Entry, error) {
	return s.ledger.Current()
}

// WhitelistWitness returns the whitelist witness of id against the head.
func (s *Sequencer) WhitelistWitness(id types.Identity) (*smt.Witness, error) {
	return s.witness(s.voters, id)
}

// HasVotedWitness returns the has-voted witness of id against the head.
func (s *Sequencer) HasVotedWitness(id types.Identity) (*smt.Witness, error) {
	return s.witness(s.voted, id)
}

func (s *Sequencer) witness(tree *smt.Tree, id types.Identity) (*smt.Witness, error) {
	key, err := voting.LeafKey(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tree.Witness(key)
}

// IsWhitelisted reports whether id is in the whitelist mirror.
func (s *Sequencer) IsWhitelisted(id types.Identity) (bool, error) {
	return s.leafSet(s.voters, id)
}

// HasVoted reports whether id is in the has-voted mirror.
func (s *Sequencer) HasVoted(id types.Identity) (bool, error) {
	return s.leafSet(s.voted, id)
}

func (s *Sequencer) leafSet(tree *smt.Tree, id types.Identity) (bool, error) {
	key, err := voting.LeafKey(id)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := tree.Get(key)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// Speculation is the outcome of evaluating one operation against a snapshot.
type Speculation struct {
	Op    *Operation
	State voting.State
	Err   error
}

// Speculate evaluates ops concurrently against the current head without
// committing anything. Every result is a candidate for the returned base
// height; once one of them is committed the others have to be evaluated
// again.
func (s *Sequencer) Speculate(ctx context.Context, ops []*Operation) (uint64, []Speculation, error) {
	head, err := s.ledger.Current()
	if err != nil {
		return 0, nil, err
	}
	results := make([]Speculation, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	for i, op := range ops {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			next, err := Apply(head.State, op)
			results[i] = Speculation{Op: op, State: next, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}
	return head.Height, results, nil
}
