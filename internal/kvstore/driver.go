package kvstore

import (
	"fmt"
	"iter"
	"slices"
	"sync"
)

// backendTx is the storage-specific half of a transaction. All of its
// methods, and those of the collections it returns, are only ever called
// from the driver goroutine.
type backendTx interface {
	collection(name string) (backendCollection, error)
	commit() error
	rollback() error
}

type backendCollection interface {
	get(k []byte) ([]byte, error)
	// seek returns the first record whose key is strictly greater than
	// after, or the first record when after is nil. k is nil at the end.
	seek(after []byte) (k, v []byte, err error)
	put(k, v []byte) error
	delete(k []byte) error
	clear() error
	sequence() uint64
	setSequence(n uint64) error
}

type txState int

const (
	txRunning txState = iota
	txCommitting
	txAborting
)

type request struct {
	run  func() error
	fail func(error)
}

// tx drives a backendTx from a single goroutine.
type tx struct {
	mode  Mode
	scope map[string]CollectionOptions
	pick  func(n int) int

	// owned by the driver goroutine
	backend backendTx
	colls   map[string]backendCollection

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []request
	state  txState
	closed bool
	cause  error

	errs   chan error
	notify sync.Once
	done   chan struct{}
	result error
}

func newTx(mode Mode, scope map[string]CollectionOptions, pick func(int) int, open func() (backendTx, error)) (*tx, error) {
	t := &tx{
		mode:  mode,
		scope: scope,
		pick:  pick,
		colls: make(map[string]backendCollection, len(scope)),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)

	ready := make(chan error, 1)
	go t.loop(open, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tx) loop(open func() (backendTx, error), ready chan<- error) {
	b, err := open()
	if err != nil {
		ready <- err
		return
	}
	t.backend = b
	ready <- nil

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && t.state == txRunning {
			t.cond.Wait()
		}
		if t.state == txAborting || len(t.queue) == 0 {
			pending := t.queue
			t.queue = nil
			t.closed = true
			state, cause := t.state, t.cause
			t.mu.Unlock()

			for _, r := range pending {
				r.fail(ErrTxAborted)
			}
			t.finish(state, cause)
			return
		}
		i := 0
		if t.pick != nil {
			i = t.pick(len(t.queue))
		}
		r := t.queue[i]
		t.queue = slices.Delete(t.queue, i, i+1)
		t.mu.Unlock()

		if err := r.run(); err != nil {
			r.fail(err)
			t.abort(err)
		}
	}
}

func (t *tx) finish(state txState, cause error) {
	defer close(t.done)
	if state == txCommitting {
		if err := t.backend.commit(); err != nil {
			t.result = fmt.Errorf("commit: %w", err)
			t.raise(t.result)
		}
		return
	}
	t.backend.rollback()
	t.result = cause
}

// abort is called by the driver when a request fails.
func (t *tx) abort(cause error) {
	t.mu.Lock()
	if t.state != txAborting {
		t.state = txAborting
		t.cause = fmt.Errorf("%w: %w", ErrTxAborted, cause)
	}
	t.mu.Unlock()
	t.raise(cause)
}

func (t *tx) raise(err error) {
	t.notify.Do(func() {
		t.errs <- err
	})
}

func (t *tx) enqueue(r request) {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		r.fail(ErrTxDone)
		return
	case t.state == txAborting:
		t.mu.Unlock()
		r.fail(ErrTxAborted)
		return
	}
	t.queue = append(t.queue, r)
	t.cond.Signal()
	t.mu.Unlock()
}

func (t *tx) resolve(name string) (backendCollection, error) {
	if c, ok := t.colls[name]; ok {
		return c, nil
	}
	c, err := t.backend.collection(name)
	if err != nil {
		return nil, err
	}
	t.colls[name] = c
	return c, nil
}

func (t *tx) Mode() Mode            { return t.mode }
func (t *tx) Errors() <-chan error  { return t.errs }
func (t *tx) Done() <-chan struct{} { return t.done }

func (t *tx) Collection(name string) (Collection, error) {
	opts, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not in the transaction scope", ErrCollectionNotFound, name)
	}
	return &txCollection{t: t, name: name, opts: opts}, nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	if t.state == txRunning {
		t.state = txCommitting
		t.cond.Signal()
	}
	t.mu.Unlock()
	<-t.done
	return t.result
}

func (t *tx) Abort() {
	t.mu.Lock()
	if t.state != txAborting && !t.closed {
		t.state = txAborting
		t.cause = ErrTxAborted
		t.cond.Signal()
	}
	t.mu.Unlock()
	<-t.done
}

type txCollection struct {
	t    *tx
	name string
	opts CollectionOptions
}

func (c *txCollection) Name() string                { return c.name }
func (c *txCollection) Options() CollectionOptions { return c.opts }

func (c *txCollection) writable() error {
	if c.t.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

func (c *txCollection) OpenCursor() Cursor {
	return &txCursor{c: c}
}

func (c *txCollection) Get(key Key, fn func([]byte, bool, error)) {
	c.t.enqueue(request{
		run: func() error {
			b, err := c.t.resolve(c.name)
			if err != nil {
				return err
			}
			v, err := b.get(key.Encode())
			if err != nil {
				return err
			}
			if v == nil {
				fn(nil, false, nil)
				return nil
			}
			fn(append([]byte(nil), v...), true, nil)
			return nil
		},
		fail: func(err error) { fn(nil, false, err) },
	})
}

func (c *txCollection) Add(value []byte, key *Key, fn func(Key, error)) {
	c.insert(value, key, false, fn)
}

func (c *txCollection) Put(value []byte, key *Key, fn func(Key, error)) {
	c.insert(value, key, true, fn)
}

func (c *txCollection) insert(value []byte, key *Key, overwrite bool, fn func(Key, error)) {
	value = append([]byte(nil), value...)
	if key != nil {
		k := *key
		key = &k
	}
	c.t.enqueue(request{
		run: func() error {
			if err := c.writable(); err != nil {
				return err
			}
			b, err := c.t.resolve(c.name)
			if err != nil {
				return err
			}
			k, err := insert(b, c.opts, value, key, overwrite)
			if err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			fn(k, nil)
			return nil
		},
		fail: func(err error) { fn(Key{}, err) },
	})
}

func (c *txCollection) Delete(key Key, fn func(error)) {
	c.t.enqueue(request{
		run: func() error {
			if err := c.writable(); err != nil {
				return err
			}
			b, err := c.t.resolve(c.name)
			if err != nil {
				return err
			}
			if err := b.delete(key.Encode()); err != nil {
				return err
			}
			fn(nil)
			return nil
		},
		fail: fn,
	})
}

func (c *txCollection) Clear(fn func(error)) {
	c.t.enqueue(request{
		run: func() error {
			if err := c.writable(); err != nil {
				return err
			}
			b, err := c.t.resolve(c.name)
			if err != nil {
				return err
			}
			if err := b.clear(); err != nil {
				return err
			}
			fn(nil)
			return nil
		},
		fail: fn,
	})
}

type txCursor struct {
	c *txCollection

	// owned by the driver goroutine
	last      []byte
	exhausted bool
}

func (cur *txCursor) Next(fn func(Record, bool, error)) {
	t := cur.c.t
	t.enqueue(request{
		run: func() error {
			if cur.exhausted {
				fn(Record{}, false, nil)
				return nil
			}
			b, err := t.resolve(cur.c.name)
			if err != nil {
				return err
			}
			k, v, err := b.seek(cur.last)
			if err != nil {
				return err
			}
			if k == nil {
				cur.exhausted = true
				fn(Record{}, false, nil)
				return nil
			}
			key, err := DecodeKey(k)
			if err != nil {
				return fmt.Errorf("%s: %w", cur.c.name, err)
			}
			cur.last = append(cur.last[:0:0], k...)
			fn(Record{Key: key, Value: append([]byte(nil), v...)}, true, nil)
			return nil
		},
		fail: func(err error) { fn(Record{}, false, err) },
	})
}

// Walk exposes a cursor as a lazy, finite sequence. Each step blocks until
// the transaction has served it, so Walk must not be ranged over from a
// request callback.
func Walk(c Cursor) iter.Seq2[Record, error] {
	type step struct {
		rec Record
		ok  bool
		err error
	}
	return func(yield func(Record, error) bool) {
		ch := make(chan step, 1)
		for {
			c.Next(func(rec Record, ok bool, err error) {
				ch <- step{rec: rec, ok: ok, err: err}
			})
			s := <-ch
			if s.err != nil {
				yield(Record{}, s.err)
				return
			}
			if !s.ok {
				return
			}
			if !yield(s.rec, nil) {
				return
			}
		}
	}
}
