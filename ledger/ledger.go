/*
Package ledger persists the totally ordered chain of committed voting states.

Every committed state is an Entry at a height, linked to the previous one
through its digest. Commits are compare-and-swap: a commit names the height it
was computed against and is rejected if another state was committed since, so
at most one transition is accepted per height.

# Storage Organization

  - e/ : height (8 bytes, big endian) → Entry (CBOR)
  - h  : height of the current head

Other stores can share the database (the sequencer keeps its tree mirrors
next to the chain) and join a commit through a Stage, so their writes land in
the same transaction as the entry.
*/
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/log"
	"github.com/vocdoni/private-voting/types"
	"github.com/vocdoni/private-voting/voting"
)

var (
	// ErrNotInitialized is returned before the genesis state is committed.
	ErrNotInitialized = errors.New("ledger not initialized")
	// ErrAlreadyInitialized is returned by Genesis when a head exists.
	ErrAlreadyInitialized = errors.New("ledger already initialized")
	// ErrConflict is returned by Commit when the head moved past the base
	// height of the commit. It matches db.ErrConflict.
	ErrConflict = fmt.Errorf("%w: ledger head moved", db.ErrConflict)
	// ErrNotFound is returned by At for heights above the head.
	ErrNotFound = errors.New("entry not found")
	// ErrOwnerChanged is returned by Commit for states whose owner is not the
	// owner of the chain.
	ErrOwnerChanged = errors.New("state owner cannot change")
	// ErrBrokenChain is returned by Verify when an entry does not link to its
	// predecessor.
	ErrBrokenChain = errors.New("broken ledger chain")

	entryPrefix = []byte("e/")
	headKey     = []byte("h")
)

const cacheSize = 256

// Op describes the operation that produced an entry. Type and LeafKey name
// the tree leaf the operation set, which is enough to rebuild both trees from
// the chain alone.
type Op struct {
	ID      string        `json:"id,omitempty"      cbor:"0,keyasint,omitempty"`
	Type    string        `json:"type,omitempty"    cbor:"1,keyasint,omitempty"`
	LeafKey *types.BigInt `json:"leafKey,omitempty" cbor:"2,keyasint,omitempty"`
}

// Stage adds writes to the transaction that commits an entry. An error
// aborts the whole commit.
type Stage func(tx db.WriteTx) error

// Entry is a committed state together with its position in the chain.
type Entry struct {
	Height     uint64        `json:"height"               cbor:"0,keyasint"`
	State      voting.State  `json:"state"                cbor:"1,keyasint"`
	Digest     *types.BigInt `json:"digest"               cbor:"2,keyasint"`
	PrevDigest *types.BigInt `json:"prevDigest,omitempty" cbor:"3,keyasint,omitempty"`
	Op         Op            `json:"op"                   cbor:"4,keyasint"`
	Time       int64         `json:"time"                 cbor:"5,keyasint"`
}

// Ledger stores the chain of committed states in a db.Database.
type Ledger struct {
	db    db.Database
	mu    sync.Mutex // serializes Genesis and Commit
	cache *lru.Cache[uint64, *Entry]
}

// New returns a ledger backed by database.
func New(database db.Database) (*Ledger, error) {
	cache, err := lru.New[uint64, *Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create entry cache: %w", err)
	}
	return &Ledger{
		db:    database,
		cache: cache,
	}, nil
}

// Database returns the database the chain is stored in.
func (l *Ledger) Database() db.Database {
	return l.db
}

func heightBytes(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}

func entryKey(height uint64) []byte {
	return append(append([]byte{}, entryPrefix...), heightBytes(height)...)
}

// Head returns the height of the current head.
func (l *Ledger) Head() (uint64, error) {
	v, err := l.db.Get(headKey)
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, ErrNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("get head: %w", err)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("malformed head: %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

// Current returns the head entry.
func (l *Ledger) Current() (*Entry, error) {
	head, err := l.Head()
	if err != nil {
		return nil, err
	}
	return l.At(head)
}

// At returns the entry committed at height.
func (l *Ledger) At(height uint64) (*Entry, error) {
	if e, ok := l.cache.Get(height); ok {
		return e.copy(), nil
	}
	data, err := l.db.Get(entryKey(height))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", height, err)
	}
	e := &Entry{}
	if err := Decode(data, e); err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", height, err)
	}
	l.cache.Add(height, e)
	return e.copy(), nil
}

// Genesis commits the initial state owned by owner at height 0.
func (l *Ledger) Genesis(owner types.Identity) (*Entry, error) {
	if !owner.Valid() {
		return nil, voting.ErrInvalidIdentity
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.Head(); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}
	e, err := newEntry(0, voting.Initialize(owner), nil, Op{})
	if err != nil {
		return nil, err
	}
	if err := l.write(e); err != nil {
		return nil, err
	}
	log.Infow("ledger initialized", "owner", owner.String(), "digest", e.Digest.String())
	return e.copy(), nil
}

// Commit appends next as the state following baseHeight. It fails with
// ErrConflict if baseHeight is not the current head. The writes of stages are
// committed in the same transaction as the entry.
func (l *Ledger) Commit(baseHeight uint64, next voting.State, op Op, stages ...Stage) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.Head()
	if err != nil {
		return nil, err
	}
	if head != baseHeight {
		return nil, fmt.Errorf("%w: base height %d, head %d", ErrConflict, baseHeight, head)
	}
	prev, err := l.At(head)
	if err != nil {
		return nil, err
	}
	if !prev.State.Owner.Equal(next.Owner) {
		return nil, ErrOwnerChanged
	}
	e, err := newEntry(head+1, next, prev.Digest, op)
	if err != nil {
		return nil, err
	}
	if err := l.write(e, stages...); err != nil {
		return nil, err
	}
	log.Debugw("state committed",
		"height", e.Height,
		"op", op.ID,
		"totalVotes", e.State.TotalVotes,
		"digest", e.Digest.String())
	return e.copy(), nil
}

// Verify walks the whole chain checking every digest and link.
func (l *Ledger) Verify() error {
	head, err := l.Head()
	if err != nil {
		return err
	}
	var prev *Entry
	for h := uint64(0); h <= head; h++ {
		e, err := l.At(h)
		if err != nil {
			return err
		}
		digest, err := e.State.Digest()
		if err != nil {
			return fmt.Errorf("%w: height %d: %v", ErrBrokenChain, h, err)
		}
		if digest.Cmp(e.Digest.MathBigInt()) != 0 {
			return fmt.Errorf("%w: height %d digest mismatch", ErrBrokenChain, h)
		}
		if prev != nil && !prev.Digest.Equal(e.PrevDigest) {
			return fmt.Errorf("%w: height %d does not link to %d", ErrBrokenChain, h, h-1)
		}
		prev = e
	}
	return nil
}

func newEntry(height uint64, st voting.State, prevDigest *types.BigInt, op Op) (*Entry, error) {
	digest, err := st.Digest()
	if err != nil {
		return nil, fmt.Errorf("state digest: %w", err)
	}
	return &Entry{
		Height:     height,
		State:      st.Copy(),
		Digest:     types.NewBigInt(digest),
		PrevDigest: prevDigest,
		Op:         op,
		Time:       time.Now().Unix(),
	}, nil
}

// write stores the entry, moves the head to it and applies stages in a single
// transaction.
func (l *Ledger) write(e *Entry, stages ...Stage) error {
	data, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Height, err)
	}
	tx := l.db.WriteTx()
	defer tx.Discard()
	if err := tx.Set(entryKey(e.Height), data); err != nil {
		return err
	}
	if err := tx.Set(headKey, heightBytes(e.Height)); err != nil {
		return err
	}
	for _, stage := range stages {
		if err := stage(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("commit entry %d: %w", e.Height, err)
	}
	l.cache.Add(e.Height, e)
	return nil
}

func (e *Entry) copy() *Entry {
	cp := *e
	cp.State = e.State.Copy()
	if e.Op.LeafKey != nil {
		cp.Op.LeafKey = types.NewBigInt(new(big.Int).Set(e.Op.LeafKey.MathBigInt()))
	}
	return &cp
}
