package snapshot

import (
	"sync"

	"go.uber.org/zap"
)

// Unknown is the expected count of a unit that only learns its size by
// running, such as a cursor walk.
const Unknown = -1

// Tracker fans in the completion of many asynchronous sub-operations issued
// within one transaction. Each unit tracks its own observed count against its
// own expected total; the tracker resolves once every unit has completed and
// Seal has been called, or rejects on the first failure. It settles exactly
// once and ignores everything reported afterwards.
type Tracker[R any] struct {
	logger *zap.Logger

	mu      sync.Mutex
	agg     R
	pending int
	sealed  bool
	settled bool
	err     error
	done    chan struct{}
}

// Unit is one collection's share of the work.
type Unit[R any] struct {
	t          *Tracker[R]
	name       string
	expected   int
	observed   int
	complete   bool
	counted    bool
	contribute func(R)
}

func NewTracker[R any](agg R, logger *zap.Logger) *Tracker[R] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker[R]{agg: agg, logger: logger, done: make(chan struct{})}
}

// Add registers a unit expecting the given number of sub-operations, or
// Unknown. contribute, if not nil, is applied to the aggregate when the unit
// completes. A unit expecting zero sub-operations is complete right away.
func (t *Tracker[R]) Add(name string, expected int, contribute func(R)) *Unit[R] {
	u := &Unit[R]{t: t, name: name, expected: expected, contribute: contribute}

	t.mu.Lock()
	defer t.mu.Unlock()
	if expected == 0 {
		u.completeLocked()
		return u
	}
	u.counted = true
	t.pending++
	return u
}

// Seal declares that no more units will be added.
func (t *Tracker[R]) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	t.maybeResolveLocked()
}

// Watch rejects the tracker when the transaction reports an error. wrap, if
// not nil, decorates the error first.
func (t *Tracker[R]) Watch(errs <-chan error, wrap func(error) error) {
	go func() {
		select {
		case err := <-errs:
			if wrap != nil {
				err = wrap(err)
			}
			t.Fail(err)
		case <-t.done:
		}
	}()
}

// Fail rejects the tracker unless it has already settled. It reports
// whether this call settled it.
func (t *Tracker[R]) Fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		t.logger.Debug("ignoring failure after settlement", zap.Error(err))
		return false
	}
	var zero R
	t.agg = zero
	t.settle(err)
	return true
}

func (t *Tracker[R]) settle(err error) {
	t.settled = true
	t.err = err
	close(t.done)
}

func (t *Tracker[R]) maybeResolveLocked() {
	if !t.settled && t.sealed && t.pending == 0 {
		t.settle(nil)
	}
}

// Done is closed once the tracker has settled.
func (t *Tracker[R]) Done() <-chan struct{} {
	return t.done
}

// Settled reports whether the tracker has resolved or rejected.
func (t *Tracker[R]) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

// Wait blocks until the tracker settles and returns the aggregate, or the
// error that rejected it.
func (t *Tracker[R]) Wait() (R, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		var zero R
		return zero, t.err
	}
	return t.agg, nil
}

// Step records one sub-operation of a unit. Counted units complete when the
// expected number of steps has been observed.
func (u *Unit[R]) Step() {
	t := u.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled || u.complete {
		return
	}
	u.observed++
	if u.expected != Unknown && u.observed >= u.expected {
		u.completeLocked()
	}
}

// Exhaust completes a unit of Unknown size.
func (u *Unit[R]) Exhaust() {
	t := u.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled || u.complete {
		return
	}
	u.expected = u.observed
	u.completeLocked()
}

// Fail rejects the whole tracker.
func (u *Unit[R]) Fail(err error) {
	if !u.t.Fail(err) {
		return
	}
	u.t.logger.Debug("unit failed", zap.String("collection", u.name), zap.Error(err))
}

// Observed returns the number of sub-operations seen so far.
func (u *Unit[R]) Observed() int {
	u.t.mu.Lock()
	defer u.t.mu.Unlock()
	return u.observed
}

func (u *Unit[R]) completeLocked() {
	t := u.t
	u.complete = true
	if u.contribute != nil && !t.settled {
		u.contribute(t.agg)
	}
	if u.counted {
		t.pending--
	}
	t.maybeResolveLocked()
}
