package inmemory

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/db/internal/dbtest"
	"github.com/vocdoni/private-voting/db/prefixeddb"
)

func newTestDB(t *testing.T) *InMemoryDB {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
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

func TestConcurrentWriteTx(t *testing.T) {
	c := qt.New(t)
	database := newTestDB(t)

	key := []byte("head")
	first := database.WriteTx()
	second := database.WriteTx()

	_, err := first.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
	_, err = second.Get(key)
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	c.Assert(first.Set(key, []byte("1")), qt.IsNil)
	c.Assert(second.Set(key, []byte("2")), qt.IsNil)

	c.Assert(first.Commit(), qt.IsNil)
	c.Assert(errors.Is(second.Commit(), db.ErrConflict), qt.IsTrue)

	v, err := database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("1"))
}

func TestPrefixed(t *testing.T) {
	c := qt.New(t)
	database := newTestDB(t)

	one := prefixeddb.NewPrefixedDatabase(database, []byte("one/"))
	two := prefixeddb.NewPrefixedDatabase(database, []byte("two/"))

	tx := one.WriteTx()
	c.Assert(tx.Set([]byte("k"), []byte("v1")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	tx = two.WriteTx()
	c.Assert(tx.Set([]byte("k"), []byte("v2")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	v, err := one.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v1"))

	v, err = database.Get([]byte("two/k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v2"))

	var keys []string
	c.Assert(one.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"k"})
}

func TestPrefixConflict(t *testing.T) {
	c := qt.New(t)
	database := newTestDB(t)

	scan := database.WriteTx()
	c.Assert(scan.Iterate([]byte("p/"), func(_, _ []byte) bool { return true }), qt.IsNil)
	c.Assert(scan.Set([]byte("count"), []byte("0")), qt.IsNil)

	insert := database.WriteTx()
	c.Assert(insert.Set([]byte("p/new"), []byte("1")), qt.IsNil)
	c.Assert(insert.Commit(), qt.IsNil)

	// a key appeared under the scanned prefix
	c.Assert(scan.Commit(), qt.ErrorIs, db.ErrConflict)
	_, err := database.Get([]byte("count"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

func TestDeleteConflict(t *testing.T) {
	c := qt.New(t)
	database := newTestDB(t)
	tx := database.WriteTx()
	c.Assert(tx.Set([]byte("k"), []byte("v")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	reader := database.WriteTx()
	v, err := reader.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v"))

	del := database.WriteTx()
	c.Assert(del.Delete([]byte("k")), qt.IsNil)
	c.Assert(del.Commit(), qt.IsNil)

	// the reader keeps its snapshot but cannot commit over the deletion
	v, err = reader.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v"))
	c.Assert(reader.Set([]byte("other"), []byte("x")), qt.IsNil)
	c.Assert(reader.Commit(), qt.ErrorIs, db.ErrConflict)
}

func TestSnapshotIsolation(t *testing.T) {
	c := qt.New(t)
	database := newTestDB(t)
	tx := database.WriteTx()
	c.Assert(tx.Set([]byte("a"), []byte("1")), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	old := database.WriteTx()
	tx = database.WriteTx()
	c.Assert(tx.Set([]byte("b"), []byte("2")), qt.IsNil)
	c.Assert(tx.Set([]byte("a"), nil), qt.IsNil)
	c.Assert(tx.Commit(), qt.IsNil)

	var keys []string
	c.Assert(old.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"a"})
	old.Discard()

	// a nil value is stored as empty, not as a deletion
	v, err := database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.HasLen, 0)
	keys = nil
	c.Assert(database.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"a", "b"})
}
