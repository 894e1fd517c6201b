package respserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
	"github.com/tidwall/redcon"
)

// Store is what the RESP API needs from the replicated store.
type Store interface {
	Collections() ([]string, error)
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
	store Store

	conns  sync.WaitGroup
	closed atomic.Bool
}

func New(store Store) (*Server, error) {
	return &Server{store: store}, nil
}

// Run listens on addr and serves until the context is canceled.
func (s *Server) Run(ctx context.Context, addr string, idleTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, idleTimeout)
}

// Serve serves connections accepted by ln until the context is canceled.
// redcon knows nothing about contexts, so cancelation stops accepting new
// connections and shuts the server down once the open ones have gone away.
func (s *Server) Serve(ctx context.Context, ln net.Listener, idleTimeout time.Duration) error {
	srv := redcon.NewServer(ln.Addr().String(),
		func(conn redcon.Conn, cmd redcon.Command) { s.serveCommand(ctx, conn, cmd) },
		s.accept,
		func(redcon.Conn, error) { s.conns.Done() },
	)
	srv.SetIdleClose(idleTimeout)

	stop := context.AfterFunc(ctx, func() {
		s.closed.Store(true)
		slog.Warn("Draining RESP connections")
		s.conns.Wait()
		slog.Warn("Closing RESP server")
		srv.Close()
	})
	defer stop()

	err := srv.Serve(ln)
	if s.closed.Load() {
		return nil
	}
	return err
}

func (s *Server) accept(redcon.Conn) bool {
	if s.closed.Load() {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) serveCommand(ctx context.Context, conn redcon.Conn, cmd redcon.Command) {
	if s.closed.Load() {
		conn.Close()
		return
	}

	err := s.handler(ctx, conn, cmd)
	switch {
	case err == nil:
	case errors.Is(err, kvstore.ErrKeyNotFound):
		conn.WriteNull()
	case errors.Is(err, errUsage):
		slog.Debug("Rejected command", "err", err)
		conn.WriteError("ERR " + err.Error())
	default:
		slog.Warn("Command failed", "command", string(cmd.Args[0]), "err", err)
		conn.WriteError("ERR " + err.Error())
	}
}

var errUsage = errors.New("invalid command")

// configParams is what CONFIG GET reports, enough for redis-cli to connect.
var configParams = map[string]string{
	"save":       "",
	"appendonly": "no",
}

func wrongArgs(name string) error {
	return fmt.Errorf("%w: wrong number of arguments for '%s' command", errUsage, strings.ToLower(name))
}

func (s *Server) handler(ctx context.Context, conn redcon.Conn, cmd redcon.Command) error {
	args := cmd.Args
	cmdname := strings.ToUpper(string(args[0]))
	slog.Debug("RESP command", "name", cmdname, "args", len(args)-1)

	switch cmdname {
	case "PING":
		conn.WriteString("PONG")
	case "QUIT":
		conn.WriteString("OK")
		conn.Close()
	case "SET":
		// SET collection key value
		if len(args) != 4 {
			return wrongArgs(cmdname)
		}
		key := kvstore.ParseKey(string(args[2]))
		if _, err := s.store.Put(string(args[1]), &key, args[3]); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		conn.WriteString("OK")
	case "ADD":
		// ADD collection value [key]
		if len(args) != 3 && len(args) != 4 {
			return wrongArgs(cmdname)
		}
		var key *kvstore.Key
		if len(args) == 4 {
			k := kvstore.ParseKey(string(args[3]))
			key = &k
		}
		k, err := s.store.Add(string(args[1]), key, args[2])
		if err != nil {
			return fmt.Errorf("failed to add value: %w", err)
		}
		conn.WriteBulkString(k.String())
	case "GET":
		if len(args) != 3 {
			return wrongArgs(cmdname)
		}
		val, err := s.store.Get(ctx, string(args[1]), kvstore.ParseKey(string(args[2])))
		if err != nil {
			return fmt.Errorf("failed to get key: %w", err)
		}
		conn.WriteBulk(val)
	case "DEL":
		if len(args) != 3 {
			return wrongArgs(cmdname)
		}
		err := s.store.Delete(string(args[1]), kvstore.ParseKey(string(args[2])))
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				conn.WriteInt(0)
				return nil
			}
			return fmt.Errorf("failed to delete key: %w", err)
		}
		conn.WriteInt(1)
	case "CREATE":
		// CREATE collection [KEYPATH path] [AUTOINCREMENT]
		if len(args) < 2 {
			return wrongArgs(cmdname)
		}
		var opts kvstore.CollectionOptions
		for i := 2; i < len(args); i++ {
			switch strings.ToUpper(string(args[i])) {
			case "KEYPATH":
				if i+1 >= len(args) {
					return wrongArgs(cmdname)
				}
				i++
				opts.KeyPath = string(args[i])
			case "AUTOINCREMENT":
				opts.AutoIncrement = true
			default:
				return fmt.Errorf("%w: unknown option '%s' for 'create'", errUsage, args[i])
			}
		}
		if err := s.store.CreateCollection(string(args[1]), opts); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		conn.WriteString("OK")
	case "COLLECTIONS":
		names, err := s.store.Collections()
		if err != nil {
			return err
		}
		conn.WriteArray(len(names))
		for _, name := range names {
			conn.WriteBulkString(name)
		}
	case "DUMP":
		// DUMP [KEYED]
		form := snapshot.Sequence
		if len(args) > 2 {
			return wrongArgs(cmdname)
		}
		if len(args) == 2 {
			f, err := snapshot.ParseForm(string(args[1]))
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			form = f
		}
		snap, err := s.store.Export(ctx, form)
		if err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}
		var buf bytes.Buffer
		if err := snapshot.Encode(&buf, snap); err != nil {
			return err
		}
		conn.WriteBulk(buf.Bytes())
	case "RESTORE":
		// RESTORE json [ADD|PUT]
		if len(args) != 2 && len(args) != 3 {
			return wrongArgs(cmdname)
		}
		policy := snapshot.StrictAdd
		if len(args) == 3 {
			p, err := snapshot.ParsePolicy(string(args[2]))
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			policy = p
		}
		snap, err := snapshot.Decode(bytes.NewReader(args[1]))
		if err != nil {
			return err
		}
		if err := s.store.Import(snap, policy); err != nil {
			return fmt.Errorf("failed to import: %w", err)
		}
		conn.WriteString("OK")
	case "FLUSHALL":
		if err := s.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear: %w", err)
		}
		conn.WriteString("OK")
	case "JOIN":
		if len(args) != 3 {
			return wrongArgs(cmdname)
		}
		slog.Info("Joining node", "nodeid", args[1], "address", args[2])
		if err := s.store.Join(string(args[1]), string(args[2])); err != nil {
			return fmt.Errorf("failed to join node: %w", err)
		}
		conn.WriteString("OK")
		conn.Close()
	case "LEAVE":
		if len(args) != 2 {
			return wrongArgs(cmdname)
		}
		slog.Info("Removing node", "nodeid", args[1])
		if err := s.store.Leave(string(args[1])); err != nil {
			return fmt.Errorf("failed to remove node: %w", err)
		}
		conn.WriteString("OK")
		conn.Close()
	case "CONFIG":
		if len(args) < 3 {
			return wrongArgs(cmdname)
		}

		if strings.ToUpper(string(args[1])) != "GET" {
			return fmt.Errorf("%w: unknown subcommand '%s' for 'config'", errUsage, args[1])
		}

		value, ok := configParams[strings.ToLower(string(args[2]))]
		if !ok {
			return fmt.Errorf("%w: unknown parameter '%s' for 'config'", errUsage, args[2])
		}
		conn.WriteArray(2)
		conn.WriteBulk(args[2])
		conn.WriteBulkString(value)

	default:
		return fmt.Errorf("%w: unknown command '%s'", errUsage, args[0])
	}

	return nil
}
