package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mauri870/kvsnap/internal/config"
	"github.com/mauri870/kvsnap/internal/httpserver"
	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/raftstore"
	"github.com/mauri870/kvsnap/internal/respserver"
	"github.com/mauri870/kvsnap/internal/snapshot"
	"github.com/sourcegraph/conc/pool"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const usage = `usage: kvsnap [-config file] [-log-level level] <command> [flags]

commands:
  serve              run a node serving RESP and HTTP [data dir]
  export             write a snapshot of a database file
  import             load a snapshot into a database file
  clear              remove every record of a database file
  backup             copy a database file while it is consistent
  create-collection  create a collection in a database file
`

// Run parses the global flags, loads the config and dispatches to the
// subcommand named by the first remaining argument.
func Run(ctx context.Context, rawArgs []string) error {
	return run(ctx, rawArgs, os.Stdin, os.Stdout)
}

type env struct {
	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
}

func run(ctx context.Context, rawArgs []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("kvsnap", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "", "path to a TOML or YAML config file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(rawArgs); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		return errors.New("missing command")
	}

	e := &env{cfg: cfg, stdin: stdin, stdout: stdout}
	switch args[0] {
	case "serve":
		return e.serve(ctx, args[1:])
	case "export":
		return e.export(ctx, args[1:])
	case "import":
		return e.importSnapshot(ctx, args[1:])
	case "clear":
		return e.clear(ctx, args[1:])
	case "backup":
		return e.backup(ctx, args[1:])
	case "create-collection":
		return e.createCollection(ctx, args[1:])
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (e *env) validate() error {
	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	lvl, _ := e.cfg.Level()
	slog.SetLogLoggerLevel(lvl)
	return nil
}

func (e *env) serve(ctx context.Context, rawArgs []string) error {
	srv := &e.cfg.Server
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&srv.NodeID, "node-id", srv.NodeID, "raft node id")
	fs.StringVar(&srv.DataDir, "data-dir", srv.DataDir, "directory for the database, raft logs and snapshots")
	fs.StringVar(&srv.RESPAddr, "resp-addr", srv.RESPAddr, "RESP server address")
	fs.StringVar(&srv.HTTPAddr, "http-addr", srv.HTTPAddr, "HTTP server address, empty to disable")
	fs.StringVar(&srv.RaftAddr, "raft-addr", srv.RaftAddr, "Raft server address")
	fs.BoolVar(&srv.Bootstrap, "bootstrap", srv.Bootstrap, "bootstrap a single node cluster")
	fs.BoolVar(&srv.InMem, "inmem", srv.InMem, "use in-memory storage for Raft")
	if err := fs.Parse(rawArgs); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return errors.New("expected at most one data directory")
	}
	if fs.NArg() == 1 {
		srv.DataDir = fs.Arg(0)
	}
	if err := e.validate(); err != nil {
		return err
	}

	logger, err := newLogger(e.cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	err = os.MkdirAll(srv.DataDir, 0o700)
	if err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	kv, err := openKV(ctx, filepath.Join(srv.DataDir, "kv.db"), e.cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create kv store: %w", err)
	}
	defer kv.Close()

	engine := snapshot.NewEngine(append(e.cfg.Engine(), snapshot.WithLogger(logger.Named("snapshot")))...)

	slog.Info("Initializing Raft store", "dir", srv.DataDir, "addr", srv.RaftAddr, "inmem", srv.InMem)
	store := raftstore.New(kv, engine, srv.DataDir, srv.RaftAddr, srv.InMem, os.Stderr)
	if err := store.Open(srv.Bootstrap, srv.NodeID); err != nil {
		return fmt.Errorf("failed to open raft store: %w", err)
	}
	defer store.Close()

	if srv.Bootstrap {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.WaitForLeader(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to elect a leader: %w", err)
		}
		if err := ensureCollections(store, e.cfg); err != nil {
			return err
		}
	}

	resp, err := respserver.New(store)
	if err != nil {
		return fmt.Errorf("failed to create RESP server: %w", err)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		slog.Info("Starting RESP server", "addr", srv.RESPAddr)
		return resp.Run(ctx, srv.RESPAddr, srv.IdleTimeout.Duration)
	})
	if srv.HTTPAddr != "" {
		api, err := httpserver.New(store, logger.Named("http"),
			httpserver.WithSnapshotRateLimit(rate.Limit(e.cfg.Snapshot.RateLimit), e.cfg.Snapshot.Burst))
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		p.Go(func(ctx context.Context) error {
			slog.Info("Starting HTTP server", "addr", srv.HTTPAddr)
			return api.Run(ctx, srv.HTTPAddr)
		})
	}
	return p.Wait()
}

// ensureCollections creates the collections declared in the config that do
// not exist yet.
func ensureCollections(store *raftstore.Store, cfg *config.Config) error {
	existing, err := store.Collections()
	if err != nil {
		return err
	}
	for name, opts := range cfg.CollectionOptions() {
		if slices.Contains(existing, name) {
			continue
		}
		slog.Info("Creating collection", "name", name, "keyPath", opts.KeyPath, "autoIncrement", opts.AutoIncrement)
		err := store.CreateCollection(name, opts)
		if err != nil && !errors.Is(err, kvstore.ErrCollectionExists) {
			return fmt.Errorf("failed to create collection %q: %w", name, err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapLevel(lvl))
	return zc.Build()
}

func zapLevel(lvl slog.Level) zapcore.Level {
	switch {
	case lvl < slog.LevelInfo:
		return zapcore.DebugLevel
	case lvl < slog.LevelWarn:
		return zapcore.InfoLevel
	case lvl < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// openKV opens the database file, retrying with exponential backoff while
// another process holds its lock.
func openKV(ctx context.Context, path string, sc config.StoreConfig) (*kvstore.BoltKV, error) {
	opts := *bbolt.DefaultOptions
	opts.Timeout = sc.OpenTimeout.Duration

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second

	for attempt := 0; ; attempt++ {
		kv, err := kvstore.NewWithOptions(path, &opts)
		if err == nil {
			return kv, nil
		}
		if !errors.Is(err, bbolt.ErrTimeout) || attempt >= sc.OpenRetries {
			return nil, err
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			return nil, err
		}
		slog.Warn("Database is locked, retrying", "path", path, "attempt", attempt+1, "sleep", sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// offline parses the flags shared by the commands that work on a database
// file directly and opens it.
func (e *env) offline(ctx context.Context, name string, rawArgs []string, register func(fs *flag.FlagSet)) (*kvstore.BoltKV, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	db := fs.String("db", filepath.Join(e.cfg.Server.DataDir, "kv.db"), "path to the database file")
	if register != nil {
		register(fs)
	}
	if err := fs.Parse(rawArgs); err != nil {
		return nil, nil, err
	}
	if err := e.validate(); err != nil {
		return nil, nil, err
	}

	kv, err := openKV(ctx, *db, e.cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", *db, err)
	}
	return kv, fs, nil
}

func (e *env) engine() *snapshot.Engine {
	return snapshot.NewEngine(e.cfg.Engine()...)
}

// create returns stdout for "" and "-", otherwise the named file.
func (e *env) create(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{e.stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (e *env) export(ctx context.Context, rawArgs []string) (err error) {
	var form, out string
	kv, _, err := e.offline(ctx, "export", rawArgs, func(fs *flag.FlagSet) {
		fs.StringVar(&form, "form", e.cfg.Snapshot.Form, "snapshot form (sequence, keyed)")
		fs.StringVar(&out, "o", "-", "output file")
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	f, err := snapshot.ParseForm(form)
	if err != nil {
		return err
	}

	w, err := e.create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	return e.engine().With(snapshot.WithForm(f)).ExportTo(ctx, kv, w)
}

func (e *env) importSnapshot(ctx context.Context, rawArgs []string) error {
	var policy, in string
	kv, _, err := e.offline(ctx, "import", rawArgs, func(fs *flag.FlagSet) {
		fs.StringVar(&policy, "policy", e.cfg.Snapshot.Policy, "insertion policy (add, put)")
		fs.StringVar(&in, "i", "-", "input file")
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	p, err := snapshot.ParsePolicy(policy)
	if err != nil {
		return err
	}

	r := e.stdin
	if in != "" && in != "-" {
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	return e.engine().With(snapshot.WithPolicy(p)).ImportFrom(ctx, kv, r)
}

func (e *env) clear(ctx context.Context, rawArgs []string) error {
	kv, _, err := e.offline(ctx, "clear", rawArgs, nil)
	if err != nil {
		return err
	}
	defer kv.Close()

	return e.engine().Clear(ctx, kv)
}

func (e *env) backup(ctx context.Context, rawArgs []string) (err error) {
	var out string
	kv, _, err := e.offline(ctx, "backup", rawArgs, func(fs *flag.FlagSet) {
		fs.StringVar(&out, "o", "", "output file")
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	if out == "" {
		return errors.New("missing output file")
	}
	w, err := e.create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	return kv.Backup(w)
}

func (e *env) createCollection(ctx context.Context, rawArgs []string) error {
	var opts kvstore.CollectionOptions
	kv, fs, err := e.offline(ctx, "create-collection", rawArgs, func(fs *flag.FlagSet) {
		fs.StringVar(&opts.KeyPath, "key-path", "", "top-level attribute of each value that holds its key")
		fs.BoolVar(&opts.AutoIncrement, "auto-increment", false, "generate numeric keys")
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	if fs.NArg() != 1 {
		return errors.New("expected exactly one collection name")
	}
	return kv.CreateCollection(fs.Arg(0), opts)
}
