package smt

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/vocdoni/private-voting/crypto"
	"github.com/vocdoni/private-voting/crypto/hash/poseidon"
	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/db/prefixeddb"
)

// nodeKeyLen is the size of a stored node key: one byte for the level and the
// node index padded to a field element.
const nodeKeyLen = 1 + crypto.SerializedFieldSize

// maxKey is the first key that does not fit in a tree of height Levels.
var maxKey = new(big.Int).Lsh(big.NewInt(1), Levels)

// Tree is a sparse Merkle tree persisted in a db.Database. Only nodes that
// differ from the empty subtree hash of their level are stored, so the size
// of the tree grows with the number of non-zero leaves.
type Tree struct {
	mu     sync.RWMutex
	prefix []byte
	db     db.Database
}

// New returns the tree stored in database under the given tag. Trees with
// different tags can share a database.
func New(database db.Database, tag string) *Tree {
	prefix := []byte("smt/" + tag + "/")
	return &Tree{
		prefix: prefix,
		db:     prefixeddb.NewPrefixedDatabase(database, prefix),
	}
}

func nodeKey(level int, index *big.Int) []byte {
	k := make([]byte, nodeKeyLen)
	k[0] = byte(level)
	index.FillBytes(k[1:])
	return k
}

func getNode(r db.Reader, level int, index *big.Int) (*big.Int, error) {
	v, err := r.Get(nodeKey(level, index))
	if errors.Is(err, db.ErrKeyNotFound) {
		return zeroHashes[level], nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d/%s: %w", level, index, err)
	}
	return crypto.BytesToBigInt(v), nil
}

func setNode(tx db.WriteTx, level int, index, value *big.Int) error {
	if value.Cmp(zeroHashes[level]) == 0 {
		if err := tx.Delete(nodeKey(level, index)); err != nil && !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}
		return nil
	}
	return tx.Set(nodeKey(level, index), crypto.BigIntToBytes(value))
}

func checkKey(key *big.Int) error {
	if key == nil || key.Sign() < 0 || key.Cmp(maxKey) >= 0 {
		return fmt.Errorf("key out of range: %v", key)
	}
	return nil
}

// Root returns the current root of the tree.
func (t *Tree) Root() (*big.Int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root, err := getNode(t.db, Levels, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(root), nil
}

// Get returns the value of the leaf at key, 0 when it was never set.
func (t *Tree) Get(key *big.Int) (*big.Int, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, err := getNode(t.db, 0, key)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(v), nil
}

// Set stores value at key and updates the path up to the root in a single
// write transaction. It returns the new root.
func (t *Tree) Set(key, value *big.Int) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := t.db.WriteTx()
	defer tx.Discard()
	root, err := t.set(tx, key, value)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tree update: %w", err)
	}
	return root, nil
}

// SetTx stages the update of Set in tx, a transaction of the database the
// tree was created on, and returns the root the tree will have once tx is
// committed. The caller commits tx and must not update the tree concurrently.
func (t *Tree) SetTx(tx db.WriteTx, key, value *big.Int) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(prefixeddb.NewPrefixedWriteTx(tx, t.prefix), key, value)
}

func (t *Tree) set(tx db.WriteTx, key, value *big.Int) (*big.Int, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if !crypto.InField(value) {
		return nil, fmt.Errorf("value is not a field element")
	}
	index := new(big.Int).Set(key)
	h := new(big.Int).Set(value)
	if err := setNode(tx, 0, index, h); err != nil {
		return nil, err
	}
	for level := range Levels {
		sibling, err := getNode(tx, level, siblingIndex(index))
		if err != nil {
			return nil, err
		}
		if index.Bit(0) == 0 {
			h, err = poseidon.Combine(h, sibling)
		} else {
			h, err = poseidon.Combine(sibling, h)
		}
		if err != nil {
			return nil, fmt.Errorf("hash level %d: %w", level, err)
		}
		index.Rsh(index, 1)
		if err := setNode(tx, level+1, index, h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Reset deletes every node, leaving the empty tree.
func (t *Tree) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys [][]byte
	if err := t.db.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, bytes.Clone(k))
		return true
	}); err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	tx := t.db.WriteTx()
	defer tx.Discard()
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tree reset: %w", err)
	}
	return nil
}

// Witness returns the authentication path of the leaf at key against the
// current root.
func (t *Tree) Witness(key *big.Int) (*Witness, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	w := &Witness{
		Siblings: make([]*big.Int, Levels),
		IsLeft:   make([]bool, Levels),
	}
	index := new(big.Int).Set(key)
	for level := range Levels {
		sibling, err := getNode(t.db, level, siblingIndex(index))
		if err != nil {
			return nil, err
		}
		w.Siblings[level] = new(big.Int).Set(sibling)
		w.IsLeft[level] = index.Bit(0) == 0
		index.Rsh(index, 1)
	}
	return w, nil
}

func siblingIndex(index *big.Int) *big.Int {
	return new(big.Int).Xor(index, big.NewInt(1))
}
