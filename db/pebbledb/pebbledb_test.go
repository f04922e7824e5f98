package pebbledb

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/db/internal/dbtest"
)

func newTestDB(t *testing.T) *PebbleDB {
	database, err := New(db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestWriteTx(t *testing.T) {
	dbtest.TestWriteTx(t, newTestDB(t))
}

func TestIterate(t *testing.T) {
	dbtest.TestIterate(t, newTestDB(t))
}

func TestWriteTxApply(t *testing.T) {
	dbtest.TestWriteTxApply(t, newTestDB(t))
}

func TestUpperBound(t *testing.T) {
	c := qt.New(t)
	c.Assert(upperBound([]byte{0x01, 0x02}), qt.DeepEquals, []byte{0x01, 0x03})
	c.Assert(upperBound([]byte{0x01, 0xff}), qt.DeepEquals, []byte{0x02})
	c.Assert(upperBound([]byte{0xff, 0xff}), qt.IsNil)
}

// NOTE: pebble batches do not detect conflicts, so there is no concurrent
// WriteTx test for this backend. The ledger serializes its own commits.
