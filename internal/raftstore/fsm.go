package raftstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/raft"
	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
)

// fsm is the finite state machine that the Raft subsystem will use to
// apply log entries to the key-value store.
type fsm Store

// Apply applies a Raft log entry to the key-value store. It returns the
// stored key for writes, or an error.
func (f *fsm) Apply(l *raft.Log) any {
	var cmd kvCmd
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command, bad data in log entry: %w", err)
	}

	return f.applyCmd(context.Background(), cmd)
}

func (f *fsm) applyCmd(ctx context.Context, cmd kvCmd) any {
	switch cmd.Op {
	case "create":
		var opts kvstore.CollectionOptions
		if cmd.Options != nil {
			opts = *cmd.Options
		}
		return f.kv.CreateCollection(cmd.Collection, opts)
	case "put":
		return keyOrErr(kvstore.Put(ctx, f.kv, cmd.Collection, cmd.Key, cmd.Value))
	case "add":
		return keyOrErr(kvstore.Add(ctx, f.kv, cmd.Collection, cmd.Key, cmd.Value))
	case "delete":
		if cmd.Key == nil {
			return kvstore.ErrInvalidKey
		}
		return kvstore.Delete(ctx, f.kv, cmd.Collection, *cmd.Key)
	case "import":
		policy, err := snapshot.ParsePolicy(cmd.Policy)
		if err != nil {
			return err
		}
		return f.engine.With(snapshot.WithPolicy(policy)).Import(ctx, f.kv, cmd.Snapshot)
	case "clear":
		return f.engine.Clear(ctx, f.kv)
	default:
		return fmt.Errorf("unrecognized command op: %s", cmd.Op)
	}
}

func keyOrErr(k kvstore.Key, err error) any {
	if err != nil {
		return err
	}
	return k
}

// fsmState is what raft snapshots of the store contain. Records keep their
// typed keys, so string keys that look like numbers restore unchanged.
type fsmState struct {
	Collections map[string]fsmCollection `json:"collections"`
}

type fsmCollection struct {
	Options kvstore.CollectionOptions `json:"options"`
	// Generator is the last key handed out by the key generator.
	Generator uint64      `json:"generator"`
	Records   []fsmRecord `json:"records"`
}

type fsmRecord struct {
	Key   kvstore.Key     `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Snapshot returns a snapshot of the key-value store.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	ctx := context.Background()
	data, err := f.engine.With(snapshot.WithForm(snapshot.Keyed)).Export(ctx, f.kv)
	if err != nil {
		return nil, err
	}
	state := fsmState{Collections: make(map[string]fsmCollection, len(data.Collections))}
	for name, entries := range data.Collections {
		opts, err := f.kv.CollectionOptions(name)
		if err != nil {
			return nil, err
		}
		gen, err := f.kv.KeyGenerator(name)
		if err != nil {
			return nil, err
		}
		records := make([]fsmRecord, len(entries))
		for i, e := range entries {
			records[i] = fsmRecord{Key: e.Key, Value: e.Value}
		}
		state.Collections[name] = fsmCollection{Options: opts, Generator: gen, Records: records}
	}
	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the key-value store with the content of a snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state fsmState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode raft snapshot: %w", err)
	}
	schemas := make(map[string]kvstore.CollectionOptions, len(state.Collections))
	data := snapshot.New(snapshot.Keyed)
	for name, c := range state.Collections {
		schemas[name] = c.Options
		entries := make([]snapshot.Entry, len(c.Records))
		for i, r := range c.Records {
			if r.Key.IsZero() {
				return fmt.Errorf("failed to decode raft snapshot: collection %q: record without key", name)
			}
			entries[i] = snapshot.Entry{Key: r.Key, Value: r.Value}
		}
		data.Collections[name] = entries
	}
	if err := f.restoreSchemas(schemas); err != nil {
		return err
	}

	ctx := context.Background()
	if err := f.engine.Clear(ctx, f.kv); err != nil {
		return err
	}
	if err := f.engine.With(snapshot.WithPolicy(snapshot.Upsert)).Import(ctx, f.kv, data); err != nil {
		return err
	}
	for name, c := range state.Collections {
		if err := f.kv.SetKeyGenerator(name, c.Generator); err != nil {
			return err
		}
	}
	return nil
}

// restoreSchemas makes the set of collections match schemas exactly.
func (f *fsm) restoreSchemas(schemas map[string]kvstore.CollectionOptions) error {
	names, err := f.kv.CollectionNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		want, ok := schemas[name]
		if ok {
			have, err := f.kv.CollectionOptions(name)
			if err != nil {
				return err
			}
			if have == want {
				continue
			}
		}
		slog.Debug("dropping collection during restore", "collection", name)
		if err := f.kv.DeleteCollection(name); err != nil {
			return err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(schemas)) {
		err := f.kv.CreateCollection(name, schemas[name])
		if err != nil && !errors.Is(err, kvstore.ErrCollectionExists) {
			return err
		}
	}
	return nil
}

type fsmSnapshot struct {
	state fsmState
}

// Persist writes the FSM snapshot to the given sink.
func (f *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(f.state); err != nil {
			return err
		}

		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

func (f *fsmSnapshot) Release() {}
