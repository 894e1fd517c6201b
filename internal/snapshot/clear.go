package snapshot

import (
	"context"

	"github.com/mauri870/kvsnap/internal/kvstore"
)

// Clear removes every record of every collection in one read-write
// transaction. Collections and their key generators are kept.
func (e *Engine) Clear(ctx context.Context, store kvstore.Store) (err error) {
	op := e.begin("clear")
	defer func() { op.end(ctx, 0, err) }()

	names, err := store.CollectionNames()
	if err != nil {
		return &TransactionError{Op: op.name, Err: err}
	}
	if len(names) == 0 {
		return nil
	}

	tx, err := store.Begin(ctx, names, kvstore.ReadWrite)
	if err != nil {
		return &TransactionError{Op: op.name, Err: err}
	}

	tr := NewTracker[struct{}](struct{}{}, op.logger)
	tr.Watch(tx.Errors(), func(err error) error { return &TransactionError{Op: op.name, Err: err} })
	for _, name := range names {
		c, err := tx.Collection(name)
		if err != nil {
			tr.Fail(&SubOperationError{Op: "clear", Collection: name, Err: err})
			break
		}
		u := tr.Add(name, 1, nil)
		c.Clear(func(err error) {
			if err != nil {
				u.Fail(&SubOperationError{Op: "clear", Collection: name, Err: err})
				return
			}
			u.Step()
		})
	}
	tr.Seal()

	if _, err := tr.Wait(); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &TransactionError{Op: op.name, Err: err}
	}
	return nil
}
