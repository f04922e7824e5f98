// Package pebbledb implements db.Database on top of cockroachdb/pebble.
package pebbledb

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/vocdoni/private-voting/db"
)

// PebbleDB implements db.Database.
type PebbleDB struct {
	db *pebble.DB
}

var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, err
	}
	o := &pebble.Options{
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
	}
	pdb, err := pebble.Open(opts.Path, o)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.Path, err)
	}
	return &PebbleDB{db: pdb}, nil
}

// Close closes the database.
func (d *PebbleDB) Close() error {
	return d.db.Close()
}

// Get returns a copy of the value stored under key.
func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	v, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

// Iterate implements db.Reader.
func (d *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := d.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	return iterate(iter, prefix, callback)
}

// Compact compacts the whole key range of the database.
func (d *PebbleDB) Compact() error {
	iter, err := d.db.NewIter(nil)
	if err != nil {
		return err
	}
	var first, last []byte
	if iter.First() {
		first = bytes.Clone(iter.Key())
	}
	if iter.Last() {
		last = bytes.Clone(iter.Key())
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if first == nil || last == nil {
		return nil
	}
	// the end key of Compact is exclusive
	return d.db.Compact(first, append(last, 0xff), true)
}

// WriteTx returns a transaction backed by an indexed pebble batch, so reads
// through the transaction observe its own pending writes. Pebble batches do
// not detect conflicts with other batches.
func (d *PebbleDB) WriteTx() db.WriteTx {
	return &WriteTx{batch: d.db.NewIndexedBatch()}
}

// WriteTx implements db.WriteTx.
type WriteTx struct {
	batch *pebble.Batch
	done  bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	v, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := tx.batch.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return err
	}
	return iterate(iter, prefix, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	return tx.batch.Set(key, value, nil)
}

func (tx *WriteTx) Delete(key []byte) error {
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	return tx.batch.Delete(key, nil)
}

// Apply merges the batch of another pebble transaction into this one.
func (tx *WriteTx) Apply(other db.WriteTx) error {
	otherPebble, ok := db.UnwrapWriteTx(other).(*WriteTx)
	if !ok {
		return fmt.Errorf("cannot apply %T into a pebble transaction", other)
	}
	return tx.batch.Apply(otherPebble.batch, nil)
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	tx.done = true
	defer tx.batch.Close()
	return tx.batch.Commit(pebble.Sync)
}

func (tx *WriteTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}

func prefixIterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return &pebble.IterOptions{}
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	}
}

// upperBound returns the smallest key greater than every key with prefix, or
// nil when no such key exists (prefix is all 0xff).
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func iterate(iter *pebble.Iterator, prefix []byte, callback func(key, value []byte) bool) error {
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(iter.Key()[len(prefix):], iter.Value()) {
			break
		}
	}
	return iter.Close()
}
