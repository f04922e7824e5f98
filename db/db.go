// Package db defines the key-value storage interface shared by the ledger, the
// sparse Merkle tree mirrors and the sequencer, and the errors its backends
// return.
package db

import (
	"errors"
	"slices"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTxAlreadyCommitted is returned when a committed or discarded WriteTx
	// is used again.
	ErrTxAlreadyCommitted = errors.New("transaction already committed or discarded")
	// ErrConflict is returned by Commit when a key read or written by the
	// transaction was modified by another transaction after it started.
	ErrConflict = errors.New("transaction conflict")
)

// Options holds the options used to open a Database.
type Options struct {
	Path string
}

// Reader is the read side of a Database or a WriteTx.
type Reader interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for every key with the given prefix, in
	// lexicographic order, until callback returns false. The key passed to the
	// callback has the prefix removed. The slices are only valid during the
	// callback.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx groups a set of writes that are applied atomically on Commit.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies every pending write of other into this transaction.
	Apply(other WriteTx) error
	// Commit applies the writes. A transaction can not be used afterwards.
	Commit() error
	// Discard drops the pending writes. It is safe to call after Commit.
	Discard()
}

// Database is a key-value store with atomic write transactions.
type Database interface {
	Reader
	WriteTx() WriteTx
	Close() error
	Compact() error
}

// UnwrapWriteTx returns the innermost WriteTx, for backends that wrap other
// transactions (such as prefixeddb).
func UnwrapWriteTx(tx WriteTx) WriteTx {
	for {
		u, ok := tx.(interface{ Unwrap() WriteTx })
		if !ok {
			return tx
		}
		tx = u.Unwrap()
	}
}

// IterateSorted calls callback for every entry of m in key order, until it
// returns false. It helps backends that merge pending writes in memory.
func IterateSorted(m map[string][]byte, callback func(key, value []byte) bool) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k), m[k]) {
			break
		}
	}
	return nil
}
