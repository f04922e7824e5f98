// Package metadb opens a db.Database by backend name.
package metadb

import (
	"fmt"
	"testing"

	"github.com/vocdoni/private-voting/db"
	"github.com/vocdoni/private-voting/db/inmemory"
	"github.com/vocdoni/private-voting/db/leveldb"
	"github.com/vocdoni/private-voting/db/mongodb"
	"github.com/vocdoni/private-voting/db/pebbledb"
)

const (
	TypePebble   = "pebble"
	TypeLevelDB  = "leveldb"
	TypeInMemory = "inmemory"
	TypeMongoDB  = "mongodb"
)

// New opens a database of the given type at dir. The in-memory backend ignores
// dir, the mongodb backend connects to $MONGODB_URL and derives the database
// name from dir.
func New(typ, dir string) (db.Database, error) {
	opts := db.Options{Path: dir}
	switch typ {
	case TypePebble:
		return pebbledb.New(opts)
	case TypeLevelDB:
		return leveldb.New(opts)
	case TypeInMemory:
		return inmemory.New(opts)
	case TypeMongoDB:
		return mongodb.New(opts)
	default:
		return nil, fmt.Errorf("invalid db type %q, available: %s, %s, %s, %s",
			typ, TypePebble, TypeLevelDB, TypeInMemory, TypeMongoDB)
	}
}

// NewTest returns a pebble database in a temporary directory that is closed
// when the test ends.
func NewTest(tb testing.TB) db.Database {
	database, err := New(TypePebble, tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := database.Close(); err != nil {
			tb.Error(err)
		}
	})
	return database
}
