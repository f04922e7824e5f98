// Package inmemory implements db.Database on an ordered in-memory B-tree, for
// tests and short lived processes.
//
// Every transaction reads from a copy-on-write clone of the tree taken when
// it starts. Commits are numbered, and each key remembers the commit that
// last wrote or deleted it, so Commit fails with db.ErrConflict when a key or
// prefix the transaction touched changed after its snapshot.
package inmemory

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/vocdoni/private-voting/db"
)

const degree = 32

type item struct {
	key   string
	value []byte
	seq   uint64
}

func lessItem(a, b item) bool { return a.key < b.key }

func newTree() *btree.BTreeG[item] { return btree.NewG(degree, lessItem) }

// ascendPrefix calls fn for every item of t whose key starts with prefix.
func ascendPrefix(t *btree.BTreeG[item], prefix string, fn func(item) bool) {
	t.AscendGreaterOrEqual(item{key: prefix}, func(it item) bool {
		if !strings.HasPrefix(it.key, prefix) {
			return false
		}
		return fn(it)
	})
}

// InMemoryDB implements db.Database.
type InMemoryDB struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[item]
	removed map[string]uint64 // commit that deleted a key
	seq     uint64
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns an empty database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		tree:    newTree(),
		removed: make(map[string]uint64),
	}, nil
}

func (d *InMemoryDB) Close() error   { return nil }
func (d *InMemoryDB) Compact() error { return nil }

func (d *InMemoryDB) snapshot() (*btree.BTreeG[item], uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Clone(), d.seq
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.Lock()
	it, ok := d.tree.Get(item{key: string(key)})
	d.mu.Unlock()
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(it.value), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	snap, _ := d.snapshot()
	ascendPrefix(snap, string(prefix), func(it item) bool {
		return callback([]byte(it.key[len(prefix):]), bytes.Clone(it.value))
	})
	return nil
}

// modifiedAfter reports whether key was written or deleted by a commit newer
// than base. d.mu must be held.
func (d *InMemoryDB) modifiedAfter(key string, base uint64) bool {
	if it, ok := d.tree.Get(item{key: key}); ok && it.seq > base {
		return true
	}
	return d.removed[key] > base
}

// prefixModifiedAfter is modifiedAfter for every key under prefix. d.mu must
// be held.
func (d *InMemoryDB) prefixModifiedAfter(prefix string, base uint64) bool {
	changed := false
	ascendPrefix(d.tree, prefix, func(it item) bool {
		changed = it.seq > base
		return !changed
	})
	if changed {
		return true
	}
	for k, seq := range d.removed {
		if seq > base && strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	snap, base := d.snapshot()
	return &WriteTx{
		db:      d,
		snap:    snap,
		base:    base,
		pending: make(map[string][]byte),
		keys:    make(map[string]struct{}),
	}
}

// WriteTx implements db.WriteTx. A nil value in pending marks a deletion.
type WriteTx struct {
	db       *InMemoryDB
	snap     *btree.BTreeG[item]
	base     uint64
	pending  map[string][]byte
	keys     map[string]struct{}
	prefixes []string
	done     bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	tx.keys[k] = struct{}{}
	if v, ok := tx.pending[k]; ok {
		if v == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(v), nil
	}
	it, ok := tx.snap.Get(item{key: k})
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(it.value), nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	p := string(prefix)
	tx.prefixes = append(tx.prefixes, p)
	merged := make(map[string][]byte)
	ascendPrefix(tx.snap, p, func(it item) bool {
		merged[it.key[len(p):]] = bytes.Clone(it.value)
		return true
	})
	for k, v := range tx.pending {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if v == nil {
			delete(merged, k[len(p):])
			continue
		}
		merged[k[len(p):]] = bytes.Clone(v)
	}
	return db.IterateSorted(merged, callback)
}

func (tx *WriteTx) put(key []byte, value []byte) error {
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	k := string(key)
	tx.keys[k] = struct{}{}
	tx.pending[k] = value
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	return tx.put(key, v)
}

func (tx *WriteTx) Delete(key []byte) error {
	return tx.put(key, nil)
}

// Apply copies the pending writes of other into tx, deletions included when
// other is an in-memory transaction. For other backends the visible keys of
// other are copied.
func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := db.UnwrapWriteTx(other).(*WriteTx)
	if !ok {
		var err error
		if iterErr := other.Iterate(nil, func(k, v []byte) bool {
			err = tx.Set(k, v)
			return err == nil
		}); iterErr != nil {
			return iterErr
		}
		return err
	}
	for k, v := range o.pending {
		if err := tx.put([]byte(k), bytes.Clone(v)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("cannot commit inmemory tx: %w", db.ErrTxAlreadyCommitted)
	}
	d := tx.db
	d.mu.Lock()
	defer d.mu.Unlock()

	for k := range tx.keys {
		if d.modifiedAfter(k, tx.base) {
			return fmt.Errorf("key %x: %w", k, db.ErrConflict)
		}
	}
	for _, p := range tx.prefixes {
		if d.prefixModifiedAfter(p, tx.base) {
			return fmt.Errorf("prefix %x: %w", p, db.ErrConflict)
		}
	}

	tx.done = true
	if len(tx.pending) == 0 {
		return nil
	}
	d.seq++
	for k, v := range tx.pending {
		if v == nil {
			if _, ok := d.tree.Delete(item{key: k}); ok {
				d.removed[k] = d.seq
			}
			continue
		}
		delete(d.removed, k)
		d.tree.ReplaceOrInsert(item{key: k, value: v, seq: d.seq})
	}
	return nil
}

func (tx *WriteTx) Discard() {
	tx.done = true
	clear(tx.pending)
}
