// Package dbtest holds the test suite every db.Database backend must pass.
package dbtest

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/private-voting/db"
)

// TestWriteTx checks read-your-writes, commit visibility and deletion.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()

	_, err := wTx.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	c.Assert(wTx.Set([]byte("a"), []byte("b")), qt.IsNil)

	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// not visible outside the tx before commit
	_, err = database.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)

	c.Assert(wTx.Commit(), qt.IsNil)

	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// committed tx can not be reused
	c.Assert(wTx.Set([]byte("c"), []byte("d")), qt.IsNotNil)

	dTx := database.WriteTx()
	c.Assert(dTx.Delete([]byte("a")), qt.IsNil)
	c.Assert(dTx.Commit(), qt.IsNil)
	_, err = database.Get([]byte("a"))
	c.Assert(errors.Is(err, db.ErrKeyNotFound), qt.IsTrue)
}

// TestIterate checks that Iterate only visits the prefix, in order, with the
// prefix stripped.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	prefix0 := []byte("a")
	prefix1 := []byte("b")
	wTx := database.WriteTx()
	for _, k := range []string{"3", "1", "2"} {
		c.Assert(wTx.Set(append(prefix0, k...), []byte("v"+k)), qt.IsNil)
		c.Assert(wTx.Set(append(prefix1, k...), []byte("w"+k)), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)

	var keys, values []string
	err := database.Iterate(prefix0, func(k, v []byte) bool {
		keys = append(keys, string(k))
		values = append(values, string(v))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.DeepEquals, []string{"1", "2", "3"})
	c.Assert(values, qt.DeepEquals, []string{"v1", "v2", "v3"})

	// stop early
	count := 0
	err = database.Iterate(prefix1, func(_, _ []byte) bool {
		count++
		return false
	})
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}

// TestWriteTxApply checks that the writes of one tx can be merged into
// another.
func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	keyA := []byte("A")
	valueA1 := []byte("A1")
	keyB := []byte("B")
	valueB := []byte("B")

	wTx := database.WriteTx()
	c.Assert(wTx.Set(keyA, valueA1), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	wTx = database.WriteTx()
	c.Assert(wTx.Set(keyB, valueB), qt.IsNil)
	otherTx := database.WriteTx()
	c.Assert(otherTx.Set(keyA, []byte("A2")), qt.IsNil)
	c.Assert(wTx.Apply(otherTx), qt.IsNil)
	otherTx.Discard()
	c.Assert(wTx.Commit(), qt.IsNil)

	v, err := database.Get(keyA)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("A2"))
	v, err = database.Get(keyB)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, valueB)
}
