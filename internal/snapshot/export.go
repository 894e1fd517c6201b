package snapshot

import (
	"context"

	"github.com/mauri870/kvsnap/internal/kvstore"
)

// Export reads every record of every collection in one read-only
// transaction. The cursors of all collections are interleaved within the
// transaction and each collection contributes its records, in key order,
// once its cursor is exhausted. A store without collections yields an empty
// snapshot and opens no transaction.
func (e *Engine) Export(ctx context.Context, store kvstore.Store) (snap *Snapshot, err error) {
	op := e.begin("export")
	defer func() {
		n := 0
		if snap != nil {
			n = snap.Len()
		}
		op.end(ctx, n, err)
	}()

	names, err := store.CollectionNames()
	if err != nil {
		return nil, &TransactionError{Op: op.name, Err: err}
	}
	if len(names) == 0 {
		return New(e.form), nil
	}

	tx, err := store.Begin(ctx, names, kvstore.ReadOnly)
	if err != nil {
		return nil, &TransactionError{Op: op.name, Err: err}
	}

	tr := NewTracker(New(e.form), op.logger)
	tr.Watch(tx.Errors(), func(err error) error { return &TransactionError{Op: op.name, Err: err} })
	for _, name := range names {
		c, err := tx.Collection(name)
		if err != nil {
			tr.Fail(&SubOperationError{Op: "cursor", Collection: name, Err: err})
			break
		}
		e.walk(tr, c)
	}
	tr.Seal()

	snap, err = tr.Wait()
	if err != nil {
		tx.Abort()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &TransactionError{Op: op.name, Err: err}
	}
	return snap, nil
}

// walk chains cursor steps from their own callbacks, so the collection is
// read without blocking the caller.
func (e *Engine) walk(tr *Tracker[*Snapshot], c kvstore.Collection) {
	name := c.Name()
	entries := make([]Entry, 0)
	u := tr.Add(name, Unknown, func(s *Snapshot) {
		s.Collections[name] = entries
	})

	cur := c.OpenCursor()
	var step func(kvstore.Record, bool, error)
	step = func(rec kvstore.Record, ok bool, err error) {
		if err != nil {
			u.Fail(&SubOperationError{Op: "cursor", Collection: name, Err: err})
			return
		}
		if !ok {
			u.Exhaust()
			return
		}
		entry := Entry{Value: rec.Value}
		if e.form == Keyed {
			entry.Key = rec.Key
		}
		entries = append(entries, entry)
		u.Step()
		cur.Next(step)
	}
	cur.Next(step)
}
