package kvstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/tidwall/btree"
)

// Op names a backend operation for fault injection.
type Op string

const (
	OpGet    Op = "get"
	OpCursor Op = "cursor"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
	OpCommit Op = "commit"
)

// FaultFunc may return an error to make an operation fail.
type FaultFunc func(op Op, collection string) error

// MemKV is an in-memory store. Transactions see a copy-on-write view of
// their collections; writers are serialized and publish on commit.
type MemKV struct {
	writeMu sync.Mutex

	mu          sync.RWMutex
	collections map[string]*memCollection
	closed      bool

	pickMu sync.Mutex
	rnd    *rand.Rand
	fault  FaultFunc
}

type MemOption func(*MemKV)

// WithShuffle makes transactions execute queued requests in a random order
// instead of FIFO. Requests of one cursor are still served one at a time.
func WithShuffle(seed uint64) MemOption {
	return func(m *MemKV) {
		m.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithFaults installs a fault injection hook.
func WithFaults(f FaultFunc) MemOption {
	return func(m *MemKV) {
		m.fault = f
	}
}

func NewMem(opts ...MemOption) *MemKV {
	m := &MemKV{collections: make(map[string]*memCollection)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type memCollection struct {
	name string
	opts CollectionOptions
	data *btree.Map[string, []byte]
	seq  uint64
}

func (c *memCollection) clone() *memCollection {
	return &memCollection{name: c.name, opts: c.opts, data: c.data.Copy(), seq: c.seq}
}

func (m *MemKV) CreateCollection(name string, opts CollectionOptions) error {
	if err := validCollectionName(name); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.collections[name]; ok {
		return fmt.Errorf("%w: %q", ErrCollectionExists, name)
	}
	m.collections[name] = &memCollection{name: name, opts: opts, data: new(btree.Map[string, []byte])}
	return nil
}

func (m *MemKV) DeleteCollection(name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	delete(m.collections, name)
	return nil
}

func (m *MemKV) CollectionOptions(name string) (CollectionOptions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return CollectionOptions{}, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return c.opts, nil
}

func (m *MemKV) KeyGenerator(name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return c.seq, nil
}

func (m *MemKV) SetKeyGenerator(name string, n uint64) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	// readers may still hold c
	nc := c.clone()
	nc.seq = n
	m.collections[name] = nc
	return nil
}

func (m *MemKV) CollectionNames() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemKV) Begin(ctx context.Context, names []string, mode Mode) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrEmptyScope
	}
	scope := make(map[string]CollectionOptions, len(names))
	for _, name := range names {
		opts, err := m.CollectionOptions(name)
		if err != nil {
			return nil, err
		}
		scope[name] = opts
	}

	var pick func(int) int
	if m.rnd != nil {
		pick = func(n int) int {
			m.pickMu.Lock()
			defer m.pickMu.Unlock()
			return m.rnd.IntN(n)
		}
	}

	return newTx(mode, scope, pick, func() (backendTx, error) {
		if mode == ReadWrite {
			m.writeMu.Lock()
		}
		// Copy bumps the source tree's iso id, so cloning needs the write lock.
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			if mode == ReadWrite {
				m.writeMu.Unlock()
			}
			return nil, ErrClosed
		}
		view := make(map[string]*memCollection, len(scope))
		for name := range scope {
			if c, ok := m.collections[name]; ok {
				view[name] = c.clone()
			}
		}
		return &memTx{m: m, mode: mode, view: view}, nil
	})
}

func (m *MemKV) inject(op Op, collection string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, collection)
}

type memTx struct {
	m    *MemKV
	mode Mode
	view map[string]*memCollection
}

func (t *memTx) collection(name string) (backendCollection, error) {
	c, ok := t.view[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return &memBackend{m: t.m, c: c}, nil
}

func (t *memTx) commit() error {
	if t.mode != ReadWrite {
		return nil
	}
	defer t.m.writeMu.Unlock()
	if err := t.m.inject(OpCommit, ""); err != nil {
		return err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for name, c := range t.view {
		// collections deleted meanwhile stay deleted
		if _, ok := t.m.collections[name]; ok {
			t.m.collections[name] = c
		}
	}
	return nil
}

func (t *memTx) rollback() error {
	if t.mode == ReadWrite {
		t.m.writeMu.Unlock()
	}
	return nil
}

type memBackend struct {
	m *MemKV
	c *memCollection
}

func (b *memBackend) get(k []byte) ([]byte, error) {
	if err := b.m.inject(OpGet, b.c.name); err != nil {
		return nil, err
	}
	v, _ := b.c.data.Get(string(k))
	return v, nil
}

func (b *memBackend) seek(after []byte) ([]byte, []byte, error) {
	if err := b.m.inject(OpCursor, b.c.name); err != nil {
		return nil, nil, err
	}
	var k, v []byte
	pivot := string(after)
	b.c.data.Ascend(pivot, func(key string, val []byte) bool {
		if after != nil && key == pivot {
			return true
		}
		k, v = []byte(key), val
		return false
	})
	return k, v, nil
}

func (b *memBackend) put(k, v []byte) error {
	if err := b.m.inject(OpPut, b.c.name); err != nil {
		return err
	}
	b.c.data.Set(string(k), slices.Clone(v))
	return nil
}

func (b *memBackend) delete(k []byte) error {
	if err := b.m.inject(OpDelete, b.c.name); err != nil {
		return err
	}
	b.c.data.Delete(string(k))
	return nil
}

func (b *memBackend) clear() error {
	if err := b.m.inject(OpClear, b.c.name); err != nil {
		return err
	}
	b.c.data = new(btree.Map[string, []byte])
	return nil
}

func (b *memBackend) sequence() uint64 {
	return b.c.seq
}

func (b *memBackend) setSequence(n uint64) error {
	b.c.seq = n
	return nil
}
