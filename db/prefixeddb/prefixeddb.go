// Package prefixeddb wraps a db.Database so every key is transparently stored
// under a fixed prefix. It is used to keep several logical stores (ledger
// entries, the whitelist mirror, the has-voted mirror) in one backend.
package prefixeddb

import (
	"bytes"

	"github.com/vocdoni/private-voting/db"
)

// PrefixedDatabase is a db.Database that prepends prefix to every key.
type PrefixedDatabase struct {
	prefix []byte
	db     db.Database
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a view of database restricted to prefix.
func NewPrefixedDatabase(database db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{
		prefix: bytes.Clone(prefix),
		db:     database,
	}
}

func prefixKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// Close does nothing: the underlying database is owned by the caller.
func (d *PrefixedDatabase) Close() error {
	return nil
}

// Compact compacts the underlying database.
func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// Get returns the value stored under prefix+key.
func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(prefixKey(d.prefix, key))
}

// Iterate iterates the keys under prefix+p, passing keys relative to p.
func (d *PrefixedDatabase) Iterate(p []byte, callback func(key, value []byte) bool) error {
	return d.db.Iterate(prefixKey(d.prefix, p), callback)
}

// WriteTx returns a transaction whose keys are prefixed.
func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return &PrefixedWriteTx{
		prefix: d.prefix,
		tx:     d.db.WriteTx(),
	}
}

// PrefixedWriteTx is the db.WriteTx returned by PrefixedDatabase.
type PrefixedWriteTx struct {
	prefix []byte
	tx     db.WriteTx
}

var _ db.WriteTx = (*PrefixedWriteTx)(nil)

// NewPrefixedWriteTx wraps an existing transaction, so writes to several
// prefixes can be committed atomically.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{
		prefix: bytes.Clone(prefix),
		tx:     tx,
	}
}

func (t *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return t.tx.Get(prefixKey(t.prefix, key))
}

func (t *PrefixedWriteTx) Iterate(p []byte, callback func(key, value []byte) bool) error {
	return t.tx.Iterate(prefixKey(t.prefix, p), callback)
}

func (t *PrefixedWriteTx) Set(key, value []byte) error {
	return t.tx.Set(prefixKey(t.prefix, key), value)
}

func (t *PrefixedWriteTx) Delete(key []byte) error {
	return t.tx.Delete(prefixKey(t.prefix, key))
}

// Apply copies the visible keys of other under this transaction's prefix.
func (t *PrefixedWriteTx) Apply(other db.WriteTx) error {
	var applyErr error
	if err := other.Iterate(nil, func(k, v []byte) bool {
		applyErr = t.Set(bytes.Clone(k), bytes.Clone(v))
		return applyErr == nil
	}); err != nil {
		return err
	}
	return applyErr
}

func (t *PrefixedWriteTx) Commit() error {
	return t.tx.Commit()
}

func (t *PrefixedWriteTx) Discard() {
	t.tx.Discard()
}

// Unwrap returns the wrapped transaction.
func (t *PrefixedWriteTx) Unwrap() db.WriteTx {
	return t.tx
}
