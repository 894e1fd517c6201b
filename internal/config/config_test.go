package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "localhost:6379", cfg.Server.RESPAddr)
	require.Equal(t, 5*time.Second, cfg.Server.IdleTimeout.Duration)
	require.Equal(t, "sequence", cfg.Snapshot.Form)
	require.Equal(t, "add", cfg.Snapshot.Policy)
	require.NotEmpty(t, cfg.Server.NodeID)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "kvsnap.toml", `
[log]
level = "debug"

[server]
node_id = "node1"
resp_addr = "localhost:7000"
idle_timeout = "1m30s"

[snapshot]
form = "keyed"
policy = "put"

[collections.things]
key_path = "id"
auto_increment = true

[collections.notes]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "node1", cfg.Server.NodeID)
	require.Equal(t, "localhost:7000", cfg.Server.RESPAddr)
	require.Equal(t, 90*time.Second, cfg.Server.IdleTimeout.Duration)
	// untouched keys keep their defaults
	require.Equal(t, "localhost:19000", cfg.Server.RaftAddr)
	require.Equal(t, time.Second, cfg.Store.OpenTimeout.Duration)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)

	require.Equal(t, map[string]kvstore.CollectionOptions{
		"things": {KeyPath: "id", AutoIncrement: true},
		"notes":  {},
	}, cfg.CollectionOptions())

	e := snapshot.NewEngine(cfg.Engine()...)
	require.Equal(t, snapshot.Keyed, e.Form())
	require.Equal(t, snapshot.Upsert, e.Policy())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "kvsnap.yml", `
server:
  node_id: node2
  bootstrap: false
store:
  open_timeout: 250ms
  open_retries: 2
snapshot:
  rate_limit: 0.5
  burst: 2
collections:
  things:
    key_path: id
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "node2", cfg.Server.NodeID)
	require.False(t, cfg.Server.Bootstrap)
	require.Equal(t, 250*time.Millisecond, cfg.Store.OpenTimeout.Duration)
	require.Equal(t, 2, cfg.Store.OpenRetries)
	require.Equal(t, 0.5, cfg.Snapshot.RateLimit)
	require.Equal(t, 2, cfg.Snapshot.Burst)
	require.Equal(t, kvstore.CollectionOptions{KeyPath: "id"}, cfg.CollectionOptions()["things"])
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "reading config")

	_, err = Load(writeFile(t, "bad.toml", "[server\n"))
	require.ErrorContains(t, err, "parsing config")

	_, err = Load(writeFile(t, "bad.yaml", "server: [\n"))
	require.ErrorContains(t, err, "parsing config")

	_, err = Load(writeFile(t, "bad.toml", "[server]\nidle_timeout = \"soon\"\n"))
	require.ErrorContains(t, err, "parsing config")

	_, err = Load(writeFile(t, "kvsnap.json", "{}"))
	require.ErrorContains(t, err, "unsupported config format")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"node id", func(c *Config) { c.Server.NodeID = "" }, "server.node_id"},
		{"resp addr", func(c *Config) { c.Server.RESPAddr = "" }, "server.resp_addr"},
		{"raft addr", func(c *Config) { c.Server.RaftAddr = "" }, "server.raft_addr"},
		{"open timeout", func(c *Config) { c.Store.OpenTimeout = Duration{} }, "store.open_timeout"},
		{"open retries", func(c *Config) { c.Store.OpenRetries = -1 }, "store.open_retries"},
		{"form", func(c *Config) { c.Snapshot.Form = "tree" }, "snapshot.form"},
		{"policy", func(c *Config) { c.Snapshot.Policy = "merge" }, "snapshot.policy"},
		{"burst", func(c *Config) { c.Snapshot.Burst = -1 }, "snapshot.burst"},
		{"reserved collection", func(c *Config) {
			c.Collections = map[string]CollectionConfig{"__collections": {}}
		}, "invalid collection name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Defaults()
	cfg.Server.NodeID = ""
	cfg.Snapshot.Form = "tree"

	err := cfg.Validate()
	require.ErrorContains(t, err, "server.node_id")
	require.ErrorContains(t, err, "snapshot.form")
}
