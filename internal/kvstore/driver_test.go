package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitWaitsForChainedRequests(t *testing.T) {
	eachStore(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		require.NoError(t, kv.CreateCollection("notes", CollectionOptions{}))
		for i := range 50 {
			_, err := Put(ctx, kv, "notes", keyPtr(NumberKey(float64(i))), []byte(`{}`))
			require.NoError(t, err)
		}

		tx, err := kv.Begin(ctx, []string{"notes"}, ReadOnly)
		require.NoError(t, err)
		c, err := tx.Collection("notes")
		require.NoError(t, err)

		// cursor.continue style: every step is issued from the previous callback
		var seen int
		cur := c.OpenCursor()
		var step func(Record, bool, error)
		step = func(_ Record, ok bool, err error) {
			require.NoError(t, err)
			if !ok {
				return
			}
			seen++
			cur.Next(step)
		}
		cur.Next(step)

		require.NoError(t, tx.Commit())
		require.Equal(t, 50, seen)
	})
}

func TestFailedRequestAbortsTransaction(t *testing.T) {
	eachStore(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		require.NoError(t, kv.CreateCollection("things", thingsSchema))
		_, err := Add(ctx, kv, "things", nil, []byte(`{"id":1}`))
		require.NoError(t, err)

		tx, err := kv.Begin(ctx, []string{"things"}, ReadWrite)
		require.NoError(t, err)
		c, err := tx.Collection("things")
		require.NoError(t, err)

		var first, dup, after error
		c.Add([]byte(`{"id":2}`), nil, func(_ Key, err error) { first = err })
		c.Add([]byte(`{"id":1}`), nil, func(_ Key, err error) { dup = err })
		c.Add([]byte(`{"id":3}`), nil, func(_ Key, err error) { after = err })

		err = tx.Commit()
		require.ErrorIs(t, err, ErrTxAborted)
		require.ErrorIs(t, err, ErrKeyExists)
		require.NoError(t, first)
		require.ErrorIs(t, dup, ErrKeyExists)
		require.ErrorIs(t, after, ErrTxAborted)

		select {
		case txErr := <-tx.Errors():
			require.ErrorIs(t, txErr, ErrKeyExists)
		default:
			t.Fatal("transaction error channel did not fire")
		}

		// nothing from the aborted transaction is visible
		_, err = Get(ctx, kv, "things", NumberKey(2))
		require.ErrorIs(t, err, ErrKeyNotFound)

		var late error
		c.Add([]byte(`{"id":4}`), nil, func(_ Key, err error) { late = err })
		require.ErrorIs(t, late, ErrTxDone)
	})
}

func TestAbortRollsBack(t *testing.T) {
	eachStore(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		require.NoError(t, kv.CreateCollection("things", thingsSchema))

		tx, err := kv.Begin(ctx, []string{"things"}, ReadWrite)
		require.NoError(t, err)
		c, err := tx.Collection("things")
		require.NoError(t, err)
		added := make(chan error, 1)
		c.Add([]byte(`{"id":1}`), nil, func(_ Key, err error) { added <- err })
		require.NoError(t, <-added)
		tx.Abort()

		<-tx.Done()
		require.ErrorIs(t, tx.Commit(), ErrTxAborted)
		select {
		case <-tx.Errors():
			t.Fatal("an explicit abort is not a failure")
		default:
		}

		_, err = Get(ctx, kv, "things", NumberKey(1))
		require.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	eachStore(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		require.NoError(t, kv.CreateCollection("things", thingsSchema))

		tx, err := kv.Begin(ctx, []string{"things"}, ReadOnly)
		require.NoError(t, err)
		c, err := tx.Collection("things")
		require.NoError(t, err)

		var putErr, clearErr error
		c.Put([]byte(`{"id":1}`), nil, func(_ Key, err error) { putErr = err })
		c.Clear(func(err error) { clearErr = err })
		require.ErrorIs(t, tx.Commit(), ErrReadOnly)
		require.ErrorIs(t, putErr, ErrReadOnly)
		require.ErrorIs(t, clearErr, ErrTxAborted)
	})
}

func TestCommitFailureIsReported(t *testing.T) {
	boom := errors.New("disk full")
	kv := NewMem(WithFaults(func(op Op, _ string) error {
		if op == OpCommit {
			return boom
		}
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, kv.CreateCollection("notes", CollectionOptions{}))

	tx, err := kv.Begin(ctx, []string{"notes"}, ReadWrite)
	require.NoError(t, err)
	c, err := tx.Collection("notes")
	require.NoError(t, err)
	c.Put([]byte(`1`), keyPtr(NumberKey(1)), func(Key, error) {})
	require.ErrorIs(t, tx.Commit(), boom)
	require.ErrorIs(t, <-tx.Errors(), boom)

	// the writer lock was released
	tx, err = kv.Begin(ctx, []string{"notes"}, ReadWrite)
	require.NoError(t, err)
	tx.Abort()
}

func TestShuffleKeepsCursorOrder(t *testing.T) {
	kv := NewMem(WithShuffle(7))
	ctx := context.Background()
	names := []string{"a", "b", "c"}
	for _, name := range names {
		require.NoError(t, kv.CreateCollection(name, CollectionOptions{}))
	}

	tx, err := kv.Begin(ctx, names, ReadWrite)
	require.NoError(t, err)
	var inserted atomic.Int64
	for _, name := range names {
		c, err := tx.Collection(name)
		require.NoError(t, err)
		for i := range 100 {
			c.Put([]byte(fmt.Sprint(i)), keyPtr(NumberKey(float64(i))), func(_ Key, err error) {
				if err == nil {
					inserted.Add(1)
				}
			})
		}
	}
	require.NoError(t, tx.Commit())
	require.EqualValues(t, 300, inserted.Load())

	tx, err = kv.Begin(ctx, names, ReadOnly)
	require.NoError(t, err)
	for _, name := range names {
		c, err := tx.Collection(name)
		require.NoError(t, err)
		want := 0
		for rec, err := range Walk(c.OpenCursor()) {
			require.NoError(t, err)
			require.Equal(t, NumberKey(float64(want)), rec.Key)
			want++
		}
		require.Equal(t, 100, want)
	}
	require.NoError(t, tx.Commit())
}
