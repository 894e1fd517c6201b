package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/raftstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store is what the HTTP API needs from the replicated store.
type Store interface {
	Collections() ([]string, error)
	CollectionOptions(name string) (kvstore.CollectionOptions, error)
	CreateCollection(name string, opts kvstore.CollectionOptions) error
	Get(ctx context.Context, collection string, key kvstore.Key) ([]byte, error)
	Put(collection string, key *kvstore.Key, value []byte) (kvstore.Key, error)
	Add(collection string, key *kvstore.Key, value []byte) (kvstore.Key, error)
	Delete(collection string, key kvstore.Key) error
	Export(ctx context.Context, form snapshot.Form) (*snapshot.Snapshot, error)
	Import(snap *snapshot.Snapshot, policy snapshot.Policy) error
	Clear() error
	Join(nodeID, addr string) error
	Leave(nodeID string) error
}

type Server struct {
	store   Store
	mux     *mux.Router
	logger  *zap.Logger
	limiter *rate.Limiter
}

type Option func(*Server)

// WithSnapshotRateLimit bounds how often the snapshot endpoints may be hit.
// A zero limit disables the bound.
func WithSnapshotRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		if limit <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// New creates a new http server.
func New(store Store, logger *zap.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		store:   store,
		mux:     mux.NewRouter(),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(s)
	}

	h := func(f func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
		return s.handleErr(f)
	}

	s.mux.HandleFunc("/collections", h(s.handleCollections)).Methods("GET")
	s.mux.HandleFunc("/collections/{name}", h(s.handleCreateCollection)).Methods("PUT")
	s.mux.HandleFunc("/collections/{name}/records", h(s.handleRecordInsert)).Methods("POST")
	s.mux.HandleFunc("/collections/{name}/records/{key}", h(s.handleRecordGet)).Methods("GET")
	s.mux.HandleFunc("/collections/{name}/records/{key}", h(s.handleRecordDelete)).Methods("DELETE")

	s.mux.Handle("/snapshot", s.rateLimit(h(s.handleExport))).Methods("GET")
	s.mux.Handle("/snapshot", s.rateLimit(h(s.handleImport))).Methods("POST")
	s.mux.Handle("/snapshot", s.rateLimit(h(s.handleClear))).Methods("DELETE")

	s.mux.HandleFunc("/join", h(s.handleJoin)).Methods("POST")
	s.mux.HandleFunc("/leave/{nodeID}", h(s.handleLeave)).Methods("POST")

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the http server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:    address,
		Handler: s.mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start http server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	s.logger.Warn("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", zap.Error(err))
	}
	return nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many snapshot requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type httpError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(httpError{Error: msg})
}

func (s *Server) handleErr(f func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}

		s.logger.Debug("http request failed", zap.String("path", r.URL.Path), zap.Error(err))

		var status int
		switch {
		case errors.Is(err, kvstore.ErrKeyNotFound),
			errors.Is(err, kvstore.ErrCollectionNotFound) && !errors.Is(err, snapshot.ErrMalformedSnapshot):
			status = http.StatusNotFound
		case errors.Is(err, kvstore.ErrKeyExists),
			errors.Is(err, kvstore.ErrCollectionExists):
			status = http.StatusConflict
		case errors.Is(err, kvstore.ErrInvalidKey),
			errors.Is(err, kvstore.ErrInvalidValue),
			errors.Is(err, kvstore.ErrInvalidCollection),
			errors.Is(err, kvstore.ErrMissingKey),
			errors.Is(err, kvstore.ErrInlineKey),
			errors.Is(err, snapshot.ErrMalformedSnapshot),
			errors.Is(err, errBadRequest):
			status = http.StatusBadRequest
		case errors.Is(err, raftstore.ErrNotALeader):
			status = http.StatusServiceUnavailable
		default:
			s.logger.Warn("unhandled error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "something went wrong")
			return
		}

		writeError(w, status, err.Error())
	}
}

var errBadRequest = errors.New("bad request")

type collectionInfo struct {
	Name string `json:"name"`
	kvstore.CollectionOptions
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) error {
	names, err := s.store.Collections()
	if err != nil {
		return err
	}

	out := make([]collectionInfo, 0, len(names))
	for _, name := range names {
		opts, err := s.store.CollectionOptions(name)
		if err != nil {
			return err
		}
		out = append(out, collectionInfo{Name: name, CollectionOptions: opts})
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) error {
	name := mux.Vars(r)["name"]

	var opts kvstore.CollectionOptions
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &opts); err != nil {
			return errors.Join(errBadRequest, err)
		}
	}

	if err := s.store.CreateCollection(name, opts); err != nil {
		return err
	}

	w.WriteHeader(http.StatusCreated)
	return nil
}

type insertResponse struct {
	Key kvstore.Key `json:"key"`
}

// handleRecordInsert adds the request body as a record. The key comes from
// the value, the key generator or the key query parameter; overwrite=true
// replaces an existing record instead of failing.
func (s *Server) handleRecordInsert(w http.ResponseWriter, r *http.Request) error {
	name := mux.Vars(r)["name"]

	value, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	var key *kvstore.Key
	if q := r.URL.Query(); q.Has("key") {
		k := kvstore.ParseKey(q.Get("key"))
		key = &k
	}

	insert := s.store.Add
	if r.URL.Query().Get("overwrite") == "true" {
		insert = s.store.Put
	}
	k, err := insert(name, key, value)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(insertResponse{Key: k})
}

func (s *Server) handleRecordGet(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)

	value, err := s.store.Get(r.Context(), vars["name"], kvstore.ParseKey(vars["key"]))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(value)
	return err
}

func (s *Server) handleRecordDelete(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)

	err := s.store.Delete(vars["name"], kvstore.ParseKey(vars["key"]))
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) error {
	form, err := snapshot.ParseForm(r.URL.Query().Get("form"))
	if err != nil {
		return errors.Join(errBadRequest, err)
	}

	snap, err := s.store.Export(r.Context(), form)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return snapshot.Encode(w, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) error {
	policy, err := snapshot.ParsePolicy(r.URL.Query().Get("policy"))
	if err != nil {
		return errors.Join(errBadRequest, err)
	}

	snap, err := snapshot.Decode(r.Body)
	if err != nil {
		return err
	}

	if err := s.store.Import(snap, policy); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.Clear(); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

type joinRequest struct {
	NodeID string `json:"nodeID"`
	Addr   string `json:"addr"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) error {
	var payload joinRequest
	err := json.NewDecoder(r.Body).Decode(&payload)
	if err != nil {
		return errors.Join(errBadRequest, err)
	}
	if payload.NodeID == "" || payload.Addr == "" {
		return errors.Join(errBadRequest, errors.New("nodeID and addr are required"))
	}

	err = s.store.Join(payload.NodeID, payload.Addr)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) error {
	nodeID := mux.Vars(r)["nodeID"]

	err := s.store.Leave(nodeID)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
