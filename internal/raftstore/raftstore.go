package raftstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
)

var (
	ErrNotALeader = errors.New("not a leader")
)

// Store replicates a kvstore.KV with raft. Writes, imports and clears go
// through the raft log; reads and exports are served from the local copy.
type Store struct {
	dir         string
	raftAddress string
	inmem       bool
	kv          kvstore.KV
	engine      *snapshot.Engine
	raft        *raft.Raft
	timeout     time.Duration
	logWriter   io.Writer

	// newTransport is replaced in tests.
	newTransport func() (raft.Transport, error)
}

func New(kv kvstore.KV, engine *snapshot.Engine, dir, address string, inmem bool, logWriter io.Writer) *Store {
	s := &Store{
		dir:         dir,
		raftAddress: address,
		inmem:       inmem,
		kv:          kv,
		engine:      engine,
		logWriter:   logWriter,
		timeout:     10 * time.Second,
	}
	s.newTransport = s.tcpTransport
	return s
}

func (s *Store) tcpTransport() (raft.Transport, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.raftAddress)
	if err != nil {
		return nil, err
	}
	return raft.NewTCPTransport(s.raftAddress, addr, 3, 5*time.Second, s.logWriter)
}

// Open starts the raft node with the given id. With bootstrap set, a new
// single node cluster is formed around it; otherwise the node waits to be
// joined by a leader.
func (s *Store) Open(bootstrap bool, id string) error {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(id)
	cfg.LogOutput = s.logWriter

	transport, err := s.newTransport()
	if err != nil {
		return fmt.Errorf("failed to create raft transport: %w", err)
	}

	// Raft snapshots are exports of the store; keeping a couple lets the
	// log be truncated without losing the previous one.
	snapshots, err := raft.NewFileSnapshotStore(s.dir, 2, s.logWriter)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, stableStore, err := s.createRaftStore()
	if err != nil {
		return fmt.Errorf("failed to create raft store: %w", err)
	}

	slog.Info("Starting raft node", "id", id, "addr", transport.LocalAddr(), "bootstrap", bootstrap)
	r, err := raft.NewRaft(cfg, (*fsm)(s), logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to start raft: %w", err)
	}
	s.raft = r

	if !bootstrap {
		return nil
	}
	self := raft.Server{ID: cfg.LocalID, Address: transport.LocalAddr()}
	err = r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{self}}).Error()
	if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// createRaftStore returns the raft log and stable stores, backed by one
// bolt file unless inmem is set.
func (s *Store) createRaftStore() (raft.LogStore, raft.StableStore, error) {
	if s.inmem {
		return raft.NewInmemStore(), raft.NewInmemStore(), nil
	}

	store, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(s.dir, "raft.db"),
	})
	return store, store, err
}

// Close shuts raft down. The underlying kvstore is left open.
func (s *Store) Close() error {
	if s.raft == nil {
		return nil
	}
	return s.raft.Shutdown().Error()
}

func (s *Store) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// WaitForLeader blocks until this node is the leader or ctx is done.
func (s *Store) WaitForLeader(ctx context.Context) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !s.IsLeader() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// kvCmd is one entry of the raft log, encoded as JSON.
type kvCmd struct {
	Op         string                     `json:"op"`
	Collection string                     `json:"collection,omitempty"`
	Key        *kvstore.Key               `json:"key,omitempty"`
	Value      json.RawMessage            `json:"value,omitempty"`
	Options    *kvstore.CollectionOptions `json:"options,omitempty"`
	Snapshot   *snapshot.Snapshot         `json:"snapshot,omitempty"`
	Policy     string                     `json:"policy,omitempty"`
}

// apply replicates cmd. Only the leader can process it; the raft subsystem
// calls the Apply method of the FSM on every node.
func (s *Store) apply(cmd kvCmd) (any, error) {
	if !s.IsLeader() {
		return nil, ErrNotALeader
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	f := s.raft.Apply(b, s.timeout)
	if err := f.Error(); err != nil {
		return nil, err
	}
	resp := f.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func (s *Store) CreateCollection(name string, opts kvstore.CollectionOptions) error {
	_, err := s.apply(kvCmd{Op: "create", Collection: name, Options: &opts})
	return err
}

// Put stores value under key, overwriting, and returns the key it was
// stored under.
func (s *Store) Put(collection string, key *kvstore.Key, value []byte) (kvstore.Key, error) {
	return s.write("put", collection, key, value)
}

// Add stores value and fails with kvstore.ErrKeyExists if the key is taken.
func (s *Store) Add(collection string, key *kvstore.Key, value []byte) (kvstore.Key, error) {
	return s.write("add", collection, key, value)
}

func (s *Store) write(op, collection string, key *kvstore.Key, value []byte) (kvstore.Key, error) {
	if !json.Valid(value) {
		return kvstore.Key{}, kvstore.ErrInvalidValue
	}
	resp, err := s.apply(kvCmd{Op: op, Collection: collection, Key: key, Value: value})
	if err != nil {
		return kvstore.Key{}, err
	}
	k, _ := resp.(kvstore.Key)
	return k, nil
}

// Delete removes one record. It returns kvstore.ErrKeyNotFound if there is none.
func (s *Store) Delete(collection string, key kvstore.Key) error {
	_, err := s.apply(kvCmd{Op: "delete", Collection: collection, Key: &key})
	return err
}

// Import replicates an import of snap with the given policy.
func (s *Store) Import(snap *snapshot.Snapshot, policy snapshot.Policy) error {
	_, err := s.apply(kvCmd{Op: "import", Snapshot: snap, Policy: policy.String()})
	return err
}

// Clear replicates the removal of every record.
func (s *Store) Clear() error {
	_, err := s.apply(kvCmd{Op: "clear"})
	return err
}

// Get reads the local copy; it may lag behind the leader.
func (s *Store) Get(ctx context.Context, collection string, key kvstore.Key) ([]byte, error) {
	return kvstore.Get(ctx, s.kv, collection, key)
}

// Export reads the local copy of the store in the given form.
func (s *Store) Export(ctx context.Context, form snapshot.Form) (*snapshot.Snapshot, error) {
	return s.engine.With(snapshot.WithForm(form)).Export(ctx, s.kv)
}

func (s *Store) Collections() ([]string, error) {
	return s.kv.CollectionNames()
}

func (s *Store) CollectionOptions(name string) (kvstore.CollectionOptions, error) {
	return s.kv.CollectionOptions(name)
}

func (s *Store) servers() ([]raft.Server, error) {
	f := s.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("failed to get raft configuration: %w", err)
	}
	return f.Configuration().Servers, nil
}

// Join adds a voter to the cluster. A member already known under the same
// id or address but not both is replaced.
func (s *Store) Join(nodeID, addr string) error {
	if !s.IsLeader() {
		return ErrNotALeader
	}

	servers, err := s.servers()
	if err != nil {
		return err
	}

	id, address := raft.ServerID(nodeID), raft.ServerAddress(addr)
	for _, srv := range servers {
		switch {
		case srv.ID == id && srv.Address == address:
			slog.Warn("Node is already a member, ignoring join", "nodeID", nodeID, "addr", addr)
			return nil
		case srv.ID == id || srv.Address == address:
			if err := s.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return fmt.Errorf("failed to replace node %s at %s: %w", srv.ID, srv.Address, err)
			}
		}
	}

	if err := s.raft.AddVoter(id, address, 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add node %s: %w", nodeID, err)
	}
	slog.Info("Node joined", "nodeID", nodeID, "addr", addr)
	return nil
}

// Leave removes a member from the cluster. Unknown ids are ignored.
func (s *Store) Leave(nodeID string) error {
	if !s.IsLeader() {
		return ErrNotALeader
	}

	servers, err := s.servers()
	if err != nil {
		return err
	}

	id := raft.ServerID(nodeID)
	if !slices.ContainsFunc(servers, func(srv raft.Server) bool { return srv.ID == id }) {
		return nil
	}
	if err := s.raft.RemoveServer(id, 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to remove node %s: %w", nodeID, err)
	}
	slog.Info("Node left", "nodeID", nodeID)
	return nil
}
