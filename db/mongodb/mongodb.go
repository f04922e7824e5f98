// Package mongodb implements db.Database on a MongoDB collection, for
// deployments that keep the ledger on a shared server instead of a local
// datadir.
//
// Keys are stored hex encoded in the _id field, which keeps MongoDB string
// ordering equal to byte ordering so prefix iteration is a range query.
// Transactions are buffered in memory and written with one ordered bulk
// write: writes are applied in key order but not atomically, so callers write
// their commit marker last (the ledger head, the tree root).
package mongodb

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vocdoni/private-voting/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// URLEnv is the environment variable holding the server URL.
	URLEnv         = "MONGODB_URL"
	collectionName = "kv"
	maxDBNameLen   = 63
)

// Timeout bounds every request to the server.
var Timeout = 10 * time.Second

type document struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"v"`
}

// MongoDB implements db.Database.
type MongoDB struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ db.Database = (*MongoDB)(nil)

// New connects to the server at $MONGODB_URL and uses a database named after
// opts.Path.
func New(opts db.Options) (*MongoDB, error) {
	url := os.Getenv(URLEnv)
	if url == "" {
		return nil, fmt.Errorf("%s is not set", URLEnv)
	}
	return Connect(url, opts.Path)
}

// Connect connects to the server at url and uses the database name derived
// from path.
func Connect(url, path string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoDB{
		client: client,
		coll:   client.Database(databaseName(path)).Collection(collectionName),
	}, nil
}

// databaseName maps a path to a valid database name.
func databaseName(path string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.Trim(path, "/"))
	if name == "" {
		name = "voting"
	}
	if len(name) > maxDBNameLen {
		name = name[len(name)-maxDBNameLen:]
	}
	return name
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	return d.client.Disconnect(ctx)
}

// Compact is a no-op, the server manages its own storage.
func (d *MongoDB) Compact() error {
	return nil
}

// Drop deletes the whole database.
func (d *MongoDB) Drop() error {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	return d.coll.Database().Drop(ctx)
}

func (d *MongoDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	var doc document
	err := d.coll.FindOne(ctx, bson.M{"_id": hex.EncodeToString(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (d *MongoDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	idRange := bson.M{"$gte": hex.EncodeToString(prefix)}
	if end := upperBound(prefix); end != nil {
		idRange["$lt"] = hex.EncodeToString(end)
	}
	cursor, err := d.coll.Find(ctx, bson.M{"_id": idRange},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("find prefix %x: %w", prefix, err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		key, err := hex.DecodeString(doc.Key)
		if err != nil {
			return fmt.Errorf("malformed key %q: %w", doc.Key, err)
		}
		if !callback(key[len(prefix):], doc.Value) {
			break
		}
	}
	return cursor.Err()
}

// upperBound returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
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

// WriteTx returns a transaction that buffers writes until Commit.
func (d *MongoDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string][]byte),
	}
}

// WriteTx implements db.WriteTx. A nil value in writes marks a deletion.
type WriteTx struct {
	mu     sync.Mutex
	db     *MongoDB
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
		return fmt.Errorf("cannot apply %T into a mongodb transaction", other)
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
	if len(tx.writes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	models := make([]mongo.WriteModel, 0, len(keys))
	for _, k := range keys {
		id := hex.EncodeToString([]byte(k))
		v := tx.writes[k]
		if v == nil {
			models = append(models, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": id}))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(document{Key: id, Value: v}).
			SetUpsert(true))
	}

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	if _, err := tx.db.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("commit mongodb tx: %w", err)
	}
	return nil
}

func (tx *WriteTx) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.writes = map[string][]byte{}
}
