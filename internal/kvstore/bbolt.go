package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

// metaBucket holds the CollectionOptions of every collection, keyed by name.
var metaBucket = []byte("__collections")

// BoltKV stores each collection in its own bbolt bucket.
type BoltKV struct {
	db   *bbolt.DB
	path string
}

func New(path string) (*BoltKV, error) {
	return NewWithOptions(path, bbolt.DefaultOptions)
}

// NewWithOptions opens the database with custom bbolt options, e.g. a lock
// timeout.
func NewWithOptions(path string, opts *bbolt.Options) (*BoltKV, error) {
	db, err := initializeDB(path, opts)
	if err != nil {
		return nil, err
	}
	return &BoltKV{db: db, path: path}, nil
}

func initializeDB(path string, opts *bbolt.Options) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, err
	}

	// create the schema bucket if it doesn't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (kv *BoltKV) Path() string {
	return kv.path
}

func (kv *BoltKV) Close() error {
	return kv.db.Close()
}

func validCollectionName(name string) error {
	if name == "" || strings.HasPrefix(name, "__") {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

func (kv *BoltKV) CreateCollection(name string, opts CollectionOptions) error {
	if err := validCollectionName(name); err != nil {
		return err
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	return kv.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %q", ErrCollectionExists, name)
		}
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return meta.Put([]byte(name), raw)
	})
}

func (kv *BoltKV) DeleteCollection(name string) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
		}
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return fmt.Errorf("deleting bucket: %w", err)
		}
		return meta.Delete([]byte(name))
	})
}

func (kv *BoltKV) CollectionOptions(name string) (CollectionOptions, error) {
	var opts CollectionOptions
	err := kv.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
		}
		return json.Unmarshal(raw, &opts)
	})
	return opts, err
}

func (kv *BoltKV) KeyGenerator(name string) (uint64, error) {
	var n uint64
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b, err := collectionBucket(tx, name)
		if err != nil {
			return err
		}
		n = b.Sequence()
		return nil
	})
	return n, err
}

func (kv *BoltKV) SetKeyGenerator(name string, n uint64) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b, err := collectionBucket(tx, name)
		if err != nil {
			return err
		}
		return b.SetSequence(n)
	})
}

func collectionBucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	if tx.Bucket(metaBucket).Get([]byte(name)) == nil {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return tx.Bucket([]byte(name)), nil
}

func (kv *BoltKV) CollectionNames() ([]string, error) {
	var names []string
	err := kv.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (kv *BoltKV) Begin(ctx context.Context, names []string, mode Mode) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrEmptyScope
	}

	scope := make(map[string]CollectionOptions, len(names))
	for _, name := range names {
		opts, err := kv.CollectionOptions(name)
		if err != nil {
			return nil, err
		}
		scope[name] = opts
	}

	return newTx(mode, scope, nil, func() (backendTx, error) {
		btx, err := kv.db.Begin(mode == ReadWrite)
		if err != nil {
			return nil, err
		}
		return &boltTx{tx: btx}, nil
	})
}

// Backup writes a consistent copy of the whole database file to w.
func (kv *BoltKV) Backup(w io.Writer) error {
	return kv.db.View(func(tx *bbolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) collection(name string) (backendCollection, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return &boltCollection{b: b}, nil
}

func (t *boltTx) commit() error {
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *boltTx) rollback() error {
	return t.tx.Rollback()
}

type boltCollection struct {
	b *bbolt.Bucket
}

func (c *boltCollection) get(k []byte) ([]byte, error) {
	return c.b.Get(k), nil
}

func (c *boltCollection) seek(after []byte) ([]byte, []byte, error) {
	cur := c.b.Cursor()
	if after == nil {
		k, v := cur.First()
		return k, v, nil
	}
	k, v := cur.Seek(after)
	if k != nil && bytes.Equal(k, after) {
		k, v = cur.Next()
	}
	return k, v, nil
}

func (c *boltCollection) put(k, v []byte) error {
	return c.b.Put(k, v)
}

func (c *boltCollection) delete(k []byte) error {
	return c.b.Delete(k)
}

// clear removes every record but keeps the bucket, so the key generator
// survives.
func (c *boltCollection) clear() error {
	var keys [][]byte
	err := c.b.ForEach(func(k, _ []byte) error {
		keys = append(keys, slices.Clone(k))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (c *boltCollection) sequence() uint64 {
	return c.b.Sequence()
}

func (c *boltCollection) setSequence(n uint64) error {
	return c.b.SetSequence(n)
}
