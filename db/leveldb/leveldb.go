// Package leveldb implements db.Database on top of syndtr/goleveldb.
package leveldb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vocdoni/private-voting/db"
)

// LevelDB implements db.Database.
type LevelDB struct {
	db *leveldb.DB
}

var _ db.Database = (*LevelDB)(nil)

// New opens (or creates) a leveldb database at opts.Path.
func New(opts db.Options) (*LevelDB, error) {
	ldb, err := leveldb.OpenFile(opts.Path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", opts.Path, err)
	}
	return &LevelDB{db: ldb}, nil
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}

func (d *LevelDB) Compact() error {
	return d.db.CompactRange(util.Range{})
}

func (d *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	return v, err
}

func (d *LevelDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !callback(iter.Key()[len(prefix):], iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// WriteTx returns a transaction that buffers writes in memory and applies them
// as a single leveldb batch on Commit.
func (d *LevelDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string][]byte),
	}
}

// WriteTx implements db.WriteTx. A nil value in writes marks a deletion.
type WriteTx struct {
	mu     sync.Mutex
	db     *LevelDB
	writes map[string][]byte
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	tx.mu.Lock()
	v, ok := tx.writes[string(key)]
	tx.mu.Unlock()
	if ok {
		if v == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(v), nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := tx.db.Iterate(prefix, func(k, v []byte) bool {
		merged[string(k)] = bytes.Clone(v)
		return true
	}); err != nil {
		return err
	}
	tx.mu.Lock()
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k[len(prefix):])
			continue
		}
		merged[k[len(prefix):]] = bytes.Clone(v)
	}
	tx.mu.Unlock()
	return db.IterateSorted(merged, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	tx.writes[string(key)] = bytes.Clone(value)
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := db.UnwrapWriteTx(other).(*WriteTx)
	if !ok {
		return fmt.Errorf("cannot apply %T into a leveldb transaction", other)
	}
	o.mu.Lock()
	pending := make(map[string][]byte, len(o.writes))
	for k, v := range o.writes {
		pending[k] = v
	}
	o.mu.Unlock()
	for k, v := range pending {
		var err error
		if v == nil {
			err = tx.Delete([]byte(k))
		} else {
			err = tx.Set([]byte(k), v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (tx *WriteTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return db.ErrTxAlreadyCommitted
	}
	tx.done = true
	batch := new(leveldb.Batch)
	for k, v := range tx.writes {
		if v == nil {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), v)
	}
	return tx.db.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (tx *WriteTx) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.writes = map[string][]byte{}
}
