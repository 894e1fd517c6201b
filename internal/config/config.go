package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mauri870/kvsnap/internal/kvstore"
	"github.com/mauri870/kvsnap/internal/snapshot"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig                   `toml:"log" yaml:"log"`
	Server      ServerConfig                `toml:"server" yaml:"server"`
	Store       StoreConfig                 `toml:"store" yaml:"store"`
	Snapshot    SnapshotConfig              `toml:"snapshot" yaml:"snapshot"`
	Collections map[string]CollectionConfig `toml:"collections" yaml:"collections"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

type ServerConfig struct {
	NodeID      string   `toml:"node_id" yaml:"node_id"`
	DataDir     string   `toml:"data_dir" yaml:"data_dir"`
	RESPAddr    string   `toml:"resp_addr" yaml:"resp_addr"`
	HTTPAddr    string   `toml:"http_addr" yaml:"http_addr"`
	RaftAddr    string   `toml:"raft_addr" yaml:"raft_addr"`
	Bootstrap   bool     `toml:"bootstrap" yaml:"bootstrap"`
	InMem       bool     `toml:"inmem" yaml:"inmem"`
	IdleTimeout Duration `toml:"idle_timeout" yaml:"idle_timeout"`
}

type StoreConfig struct {
	// OpenTimeout bounds each attempt to acquire the database file lock.
	OpenTimeout Duration `toml:"open_timeout" yaml:"open_timeout"`
	// OpenRetries is how many more attempts are made while the file is
	// locked by another process.
	OpenRetries int `toml:"open_retries" yaml:"open_retries"`
}

type SnapshotConfig struct {
	Form      string  `toml:"form" yaml:"form"`
	Policy    string  `toml:"policy" yaml:"policy"`
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	Burst     int     `toml:"burst" yaml:"burst"`
}

// CollectionConfig declares a collection created at startup.
type CollectionConfig struct {
	KeyPath       string `toml:"key_path" yaml:"key_path"`
	AutoIncrement bool   `toml:"auto_increment" yaml:"auto_increment"`
}

// Duration is a time.Duration written as "5s" or "1m30s" in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "kvsnap"
	}
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			NodeID:      hostname,
			DataDir:     "data",
			RESPAddr:    "localhost:6379",
			HTTPAddr:    "localhost:8080",
			RaftAddr:    "localhost:19000",
			Bootstrap:   true,
			IdleTimeout: Duration{5 * time.Second},
		},
		Store: StoreConfig{
			OpenTimeout: Duration{time.Second},
			OpenRetries: 5,
		},
		Snapshot: SnapshotConfig{
			Form:      snapshot.Sequence.String(),
			Policy:    snapshot.StrictAdd.String(),
			RateLimit: 1,
			Burst:     5,
		},
	}
}

// Load reads a TOML or YAML config file, chosen by extension, over the
// defaults. If path is empty, only defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.NodeID == "" {
		errs = append(errs, errors.New("server.node_id is required"))
	}
	if c.Server.RESPAddr == "" {
		errs = append(errs, errors.New("server.resp_addr is required"))
	}
	if c.Server.RaftAddr == "" {
		errs = append(errs, errors.New("server.raft_addr is required"))
	}
	if c.Server.IdleTimeout.Duration < 0 {
		errs = append(errs, errors.New("server.idle_timeout must not be negative"))
	}
	if c.Store.OpenTimeout.Duration <= 0 {
		errs = append(errs, errors.New("store.open_timeout must be positive"))
	}
	if c.Store.OpenRetries < 0 {
		errs = append(errs, errors.New("store.open_retries must not be negative"))
	}
	if _, err := snapshot.ParseForm(c.Snapshot.Form); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.form: %w", err))
	}
	if _, err := snapshot.ParsePolicy(c.Snapshot.Policy); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.policy: %w", err))
	}
	if c.Snapshot.RateLimit < 0 || c.Snapshot.Burst < 0 {
		errs = append(errs, errors.New("snapshot.rate_limit and snapshot.burst must not be negative"))
	}
	for name := range c.Collections {
		if name == "" || strings.HasPrefix(name, "__") {
			errs = append(errs, fmt.Errorf("collections: %w: %q", kvstore.ErrInvalidCollection, name))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Engine returns the snapshot engine options the config selects. It assumes
// the config is valid.
func (c *Config) Engine() []snapshot.Option {
	form, _ := snapshot.ParseForm(c.Snapshot.Form)
	policy, _ := snapshot.ParsePolicy(c.Snapshot.Policy)
	return []snapshot.Option{snapshot.WithForm(form), snapshot.WithPolicy(policy)}
}

func (c *Config) CollectionOptions() map[string]kvstore.CollectionOptions {
	out := make(map[string]kvstore.CollectionOptions, len(c.Collections))
	for name, cc := range c.Collections {
		out[name] = kvstore.CollectionOptions{KeyPath: cc.KeyPath, AutoIncrement: cc.AutoIncrement}
	}
	return out
}
