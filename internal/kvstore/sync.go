package kvstore

import "context"

// Get reads one record in its own read-only transaction.
func Get(ctx context.Context, s Store, collection string, key Key) ([]byte, error) {
	tx, err := s.Begin(ctx, []string{collection}, ReadOnly)
	if err != nil {
		return nil, err
	}
	c, err := tx.Collection(collection)
	if err != nil {
		tx.Abort()
		return nil, err
	}

	var (
		value []byte
		found bool
	)
	c.Get(key, func(v []byte, ok bool, err error) {
		value, found = v, ok
	})
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// Put stores a value, overwriting any record with the same key, and returns
// the key it was stored under.
func Put(ctx context.Context, s Store, collection string, key *Key, value []byte) (Key, error) {
	return write(ctx, s, collection, func(c Collection, fn func(Key, error)) {
		c.Put(value, key, fn)
	})
}

// Add stores a value and fails with ErrKeyExists if the key is taken.
func Add(ctx context.Context, s Store, collection string, key *Key, value []byte) (Key, error) {
	return write(ctx, s, collection, func(c Collection, fn func(Key, error)) {
		c.Add(value, key, fn)
	})
}

func write(ctx context.Context, s Store, collection string, do func(Collection, func(Key, error))) (Key, error) {
	tx, err := s.Begin(ctx, []string{collection}, ReadWrite)
	if err != nil {
		return Key{}, err
	}
	c, err := tx.Collection(collection)
	if err != nil {
		tx.Abort()
		return Key{}, err
	}

	var (
		stored Key
		opErr  error
	)
	do(c, func(k Key, err error) {
		stored, opErr = k, err
	})
	if err := tx.Commit(); err != nil {
		if opErr != nil {
			return Key{}, opErr
		}
		return Key{}, err
	}
	return stored, nil
}

// Delete removes one record. It returns ErrKeyNotFound if there is none.
func Delete(ctx context.Context, s Store, collection string, key Key) error {
	tx, err := s.Begin(ctx, []string{collection}, ReadWrite)
	if err != nil {
		return err
	}
	c, err := tx.Collection(collection)
	if err != nil {
		tx.Abort()
		return err
	}

	var missing bool
	c.Get(key, func(_ []byte, found bool, err error) {
		if err != nil {
			return
		}
		if !found {
			missing = true
			return
		}
		c.Delete(key, func(error) {})
	})
	if err := tx.Commit(); err != nil {
		return err
	}
	if missing {
		return ErrKeyNotFound
	}
	return nil
}
