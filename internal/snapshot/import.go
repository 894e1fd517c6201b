package snapshot

import (
	"context"
	"fmt"
	"slices"

	"github.com/mauri870/kvsnap/internal/kvstore"
	"go.uber.org/zap"
)

// Import inserts every record of snap in one read-write transaction, using
// the engine's policy on key conflicts. Records already in the store and
// not in snap are left alone. Either every record is written or, on the
// first failure, none is.
//
// Collections of snap that the store does not have are an error when they
// carry records and are skipped otherwise.
func (e *Engine) Import(ctx context.Context, store kvstore.Store, snap *Snapshot) (err error) {
	op := e.begin("import")
	records := 0
	defer func() { op.end(ctx, records, err) }()

	if snap == nil || len(snap.Collections) == 0 {
		return nil
	}

	existing, err := store.CollectionNames()
	if err != nil {
		return &TransactionError{Op: op.name, Err: err}
	}
	var scope []string
	for _, name := range snap.Names() {
		if slices.Contains(existing, name) {
			scope = append(scope, name)
			continue
		}
		if len(snap.Collections[name]) > 0 {
			return &SubOperationError{
				Op:         "insert",
				Collection: name,
				Err:        fmt.Errorf("%w: %w", ErrMalformedSnapshot, kvstore.ErrCollectionNotFound),
			}
		}
		op.logger.Debug("skipping empty collection missing from the store", zap.String("collection", name))
	}
	if len(scope) == 0 {
		return nil
	}

	tx, err := store.Begin(ctx, scope, kvstore.ReadWrite)
	if err != nil {
		return &TransactionError{Op: op.name, Err: err}
	}

	tr := NewTracker[struct{}](struct{}{}, op.logger)
	tr.Watch(tx.Errors(), func(err error) error { return &TransactionError{Op: op.name, Err: err} })
	for _, name := range scope {
		c, err := tx.Collection(name)
		if err != nil {
			tr.Fail(&SubOperationError{Op: "insert", Collection: name, Err: err})
			break
		}
		e.insertAll(tr, c, snap.Collections[name])
	}
	tr.Seal()

	if _, err := tr.Wait(); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &TransactionError{Op: op.name, Err: err}
	}
	records = snap.Len()
	return nil
}

func (e *Engine) insertAll(tr *Tracker[struct{}], c kvstore.Collection, entries []Entry) {
	name := c.Name()
	u := tr.Add(name, len(entries), nil)
	insert := c.Add
	if e.policy == Upsert {
		insert = c.Put
	}

	for _, entry := range entries {
		key, err := deriveKey(c.Options(), entry)
		if err != nil {
			u.Fail(&SubOperationError{Op: "insert", Collection: name, Err: err})
			return
		}
		insert(entry.Value, key, func(_ kvstore.Key, err error) {
			if err != nil {
				u.Fail(&SubOperationError{Op: "insert", Collection: name, Err: err})
				return
			}
			u.Step()
		})
	}
}

// deriveKey picks the explicit key to insert an entry with. Values that
// carry their own identity attribute get none, so the collection reads it
// from the value or generates one.
func deriveKey(opts kvstore.CollectionOptions, entry Entry) (*kvstore.Key, error) {
	if entry.Key.IsZero() {
		return nil, nil
	}
	if opts.KeyPath != "" {
		_, ok, err := kvstore.InlineKey(entry.Value, opts.KeyPath)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
	}
	key := entry.Key
	return &key, nil
}
