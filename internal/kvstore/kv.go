package kvstore

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyExists          = errors.New("key already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrInvalidCollection  = errors.New("invalid collection name")
	ErrEmptyScope         = errors.New("transaction scope is empty")
	ErrMissingKey         = errors.New("no key provided and collection has no key generator")
	ErrInlineKey          = errors.New("explicit key provided for a collection with a key path")
	ErrInvalidValue       = errors.New("invalid value")
	ErrReadOnly           = errors.New("transaction is read-only")
	ErrTxAborted          = errors.New("transaction aborted")
	ErrTxDone             = errors.New("transaction has already finished")
	ErrClosed             = errors.New("store closed")
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// CollectionOptions describes how a collection assigns keys to records.
type CollectionOptions struct {
	// KeyPath names the attribute of the value that holds its key.
	KeyPath string `json:"keyPath,omitempty"`
	// AutoIncrement enables the numeric key generator.
	AutoIncrement bool `json:"autoIncrement,omitempty"`
}

// Record is one stored value with its key.
type Record struct {
	Key   Key
	Value []byte
}

// Store is the handle the snapshot engines borrow for one operation.
type Store interface {
	// CollectionNames returns the names of all collections, sorted.
	CollectionNames() ([]string, error)
	// Begin opens a transaction scoped to the given collections. The context
	// is only consulted before the transaction starts.
	Begin(ctx context.Context, names []string, mode Mode) (Tx, error)
}

// KV is a Store that also manages its own schema and lifecycle.
type KV interface {
	Store
	CreateCollection(name string, opts CollectionOptions) error
	DeleteCollection(name string) error
	CollectionOptions(name string) (CollectionOptions, error)
	// KeyGenerator returns the last key handed out by the collection's key
	// generator, zero if none was.
	KeyGenerator(name string) (uint64, error)
	// SetKeyGenerator sets the generator to n, so the next generated key is
	// n+1.
	SetKeyGenerator(name string, n uint64) error
	Close() error
}

// Tx is a unit of work over one or more collections. Requests issued through
// its collections are executed one at a time, in order, and their callbacks
// run on the goroutine that drives the transaction.
type Tx interface {
	Mode() Mode
	// Collection returns a handle for a collection within the scope.
	Collection(name string) (Collection, error)
	// Errors receives at most one error, when the transaction aborts
	// because a request or the commit failed.
	Errors() <-chan error
	// Done is closed once the transaction has committed or aborted.
	Done() <-chan struct{}
	// Commit waits for every queued request and commits. It returns the
	// abort cause if the transaction aborted instead.
	Commit() error
	// Abort rolls the transaction back, failing queued requests.
	Abort()
}

// Collection issues asynchronous requests against one collection of a
// transaction. Each callback is invoked exactly once.
type Collection interface {
	Name() string
	Options() CollectionOptions
	OpenCursor() Cursor
	Get(key Key, fn func(value []byte, found bool, err error))
	// Add inserts the value and fails with ErrKeyExists on conflict.
	Add(value []byte, key *Key, fn func(Key, error))
	// Put inserts the value, overwriting any record with the same key.
	Put(value []byte, key *Key, fn func(Key, error))
	Delete(key Key, fn func(error))
	Clear(fn func(error))
}

// Cursor walks a collection in key order. Each Next call advances by one
// record; ok is false once the cursor is exhausted.
type Cursor interface {
	Next(fn func(rec Record, ok bool, err error))
}
