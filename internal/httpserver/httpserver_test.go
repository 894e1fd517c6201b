package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/raftstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

// localStore serves the API from a single, unreplicated store.
type localStore struct {
	kv       kvstore.KV
	engine   *snapshot.Engine
	members  map[string]string
	follower bool
}

func newLocalStore() *localStore {
	return &localStore{kv: kvstore.NewMem(), engine: snapshot.NewEngine(), members: map[string]string{}}
}

func (s *localStore) Collections() ([]string, error) { return s.kv.CollectionNames() }

func (s *localStore) CollectionOptions(name string) (kvstore.CollectionOptions, error) {
	return s.kv.CollectionOptions(name)
}

func (s *localStore) CreateCollection(name string, opts kvstore.CollectionOptions) error {
	return s.kv.CreateCollection(name, opts)
}

func (s *localStore) Get(ctx context.Context, collection string, key kvstore.Key) ([]byte, error) {
	return kvstore.Get(ctx, s.kv, collection, key)
}

func (s *localStore) Put(collection string, key *kvstore.Key, value []byte) (kvstore.Key, error) {
	return kvstore.Put(context.Background(), s.kv, collection, key, value)
}

func (s *localStore) Add(collection string, key *kvstore.Key, value []byte) (kvstore.Key, error) {
	return kvstore.Add(context.Background(), s.kv, collection, key, value)
}

func (s *localStore) Delete(collection string, key kvstore.Key) error {
	return kvstore.Delete(context.Background(), s.kv, collection, key)
}

func (s *localStore) Export(ctx context.Context, form snapshot.Form) (*snapshot.Snapshot, error) {
	return s.engine.With(snapshot.WithForm(form)).Export(ctx, s.kv)
}

func (s *localStore) Import(snap *snapshot.Snapshot, policy snapshot.Policy) error {
	return s.engine.With(snapshot.WithPolicy(policy)).Import(context.Background(), s.kv, snap)
}

func (s *localStore) Clear() error {
	if s.follower {
		return raftstore.ErrNotALeader
	}
	return s.engine.Clear(context.Background(), s.kv)
}

func (s *localStore) Join(nodeID, addr string) error {
	s.members[nodeID] = addr
	return nil
}

func (s *localStore) Leave(nodeID string) error {
	delete(s.members, nodeID)
	return nil
}

func newTestServer(t *testing.T, store Store, opts ...Option) http.Handler {
	t.Helper()
	s, err := New(store, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCollections(t *testing.T) {
	h := newTestServer(t, newLocalStore())

	rec := do(t, h, "PUT", "/collections/things", `{"keyPath":"id","autoIncrement":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, "PUT", "/collections/notes", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, "PUT", "/collections/notes", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, "PUT", "/collections/bad", `{"keyPath":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/collections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"name":"notes"},{"name":"things","keyPath":"id","autoIncrement":true}]`, rec.Body.String())
}

func TestRecords(t *testing.T) {
	store := newLocalStore()
	require.NoError(t, store.CreateCollection("things", kvstore.CollectionOptions{KeyPath: "id", AutoIncrement: true}))
	require.NoError(t, store.CreateCollection("notes", kvstore.CollectionOptions{}))
	h := newTestServer(t, store)

	rec := do(t, h, "POST", "/collections/things/records", `{"thing_name":"First thing"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"key":1}`, rec.Body.String())

	rec = do(t, h, "GET", "/collections/things/records/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"thing_name":"First thing","id":1}`, rec.Body.String())

	rec = do(t, h, "POST", "/collections/things/records", `{"id":1}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, "POST", "/collections/things/records?overwrite=true", `{"id":1,"v":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, "POST", "/collections/notes/records?key=greeting", `"hello"`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"key":"greeting"}`, rec.Body.String())
	rec = do(t, h, "POST", "/collections/notes/records", `"no key"`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, "POST", "/collections/notes/records?key=x", `{broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "DELETE", "/collections/notes/records/greeting", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "GET", "/collections/notes/records/greeting", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, "GET", "/collections/missing/records/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body.Error, "collection not found")
}

func TestSnapshotEndpoints(t *testing.T) {
	store := newLocalStore()
	require.NoError(t, store.CreateCollection("things", kvstore.CollectionOptions{KeyPath: "id", AutoIncrement: true}))
	require.NoError(t, store.CreateCollection("notes", kvstore.CollectionOptions{}))
	h := newTestServer(t, store, WithSnapshotRateLimit(0, 0))

	rec := do(t, h, "POST", "/snapshot", `{"things":[{"thing_name":"First thing","id":1}],"notes":{"1":"one"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, "GET", "/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"notes":["one"],"things":[{"thing_name":"First thing","id":1}]}`, rec.Body.String())

	rec = do(t, h, "GET", "/snapshot?form=keyed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"notes":{"1":"one"},"things":{"1":{"thing_name":"First thing","id":1}}}`, rec.Body.String())

	rec = do(t, h, "GET", "/snapshot?form=tree", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// strict add refuses the duplicate, upsert takes it
	rec = do(t, h, "POST", "/snapshot", `{"notes":{"1":"uno"}}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, "POST", "/snapshot?policy=put", `{"notes":{"1":"uno"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "GET", "/collections/notes/records/1", "")
	require.Equal(t, `"uno"`, rec.Body.String())

	rec = do(t, h, "POST", "/snapshot", `{"ghost":[1]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, "POST", "/snapshot", `[]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "DELETE", "/snapshot", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "GET", "/snapshot", "")
	require.Equal(t, `{"notes":[],"things":[]}`, rec.Body.String())
}

func TestSnapshotRateLimit(t *testing.T) {
	h := newTestServer(t, newLocalStore(), WithSnapshotRateLimit(rate.Every(time.Hour), 1))

	rec := do(t, h, "GET", "/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{}`, rec.Body.String())

	rec = do(t, h, "GET", "/snapshot", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// other routes are not limited
	rec = do(t, h, "GET", "/collections", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNotALeader(t *testing.T) {
	store := newLocalStore()
	store.follower = true
	h := newTestServer(t, store)

	rec := do(t, h, "DELETE", "/snapshot", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMembership(t *testing.T) {
	store := newLocalStore()
	h := newTestServer(t, store)

	rec := do(t, h, "POST", "/join", `{"nodeID":"node1","addr":"localhost:19001"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "localhost:19001", store.members["node1"])

	rec = do(t, h, "POST", "/join", `{"nodeID":"node2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/leave/node1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, store.members)
}
