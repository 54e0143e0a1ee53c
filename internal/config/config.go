// Package config loads the node configuration from a TOML file layered over
// built-in defaults. Only keys present in the file override a default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/circle-free/graffiti/internal/dag"
	"github.com/circle-free/graffiti/internal/wall"
)

var ErrInvalid = errors.New("config: invalid")

type Transport struct {
	Kind      string // "ws" or "mem"
	Listen    string
	Advertise string
	Peers     []string
}

type KV struct {
	Backend     string // "badger", "redis" or "files"
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

type Blob struct {
	Backend        string // "local", "kubo" or "gcs"
	KuboAPI        string
	KuboPin        bool
	GCSBucket      string
	GCSPrefix      string
	GCSCredentials string
}

type Merge struct {
	Policy  dag.MergePolicy
	Unknown wall.UnknownPolicy
}

type Sync struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Config struct {
	DataDir      string
	DisplayName  string
	IdentityFile string

	Transport     Transport
	KV            KV
	Blob          Blob
	Merge         Merge
	SaveDelay     time.Duration
	Sync          Sync
	StatsInterval time.Duration // zero disables STATS broadcasts
	APIListen     string        // empty disables the control API
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".graffiti")
	}
	return ".graffiti"
}

func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Transport: Transport{
			Kind:   "ws",
			Listen: "0.0.0.0:7400",
		},
		KV:   KV{Backend: "badger", RedisPrefix: "graffiti:"},
		Blob: Blob{Backend: "local", KuboAPI: "http://127.0.0.1:5001"},
		Merge: Merge{
			Policy:  dag.MergeClaimed,
			Unknown: wall.UnknownLog,
		},
		SaveDelay: wall.DefaultSaveDelay,
		Sync: Sync{
			Timeout:           30 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		APIListen: "127.0.0.1:7401",
	}
}

// IdentityPath is where the node key lives.
func (c Config) IdentityPath() string {
	if c.IdentityFile != "" {
		return c.IdentityFile
	}
	return filepath.Join(c.DataDir, "identity.json")
}

type fileConfig struct {
	DataDir      string `toml:"data_dir"`
	DisplayName  string `toml:"display_name"`
	IdentityFile string `toml:"identity_file"`

	Transport struct {
		Kind      string   `toml:"kind"`
		Listen    string   `toml:"listen"`
		Advertise string   `toml:"advertise"`
		Peers     []string `toml:"peers"`
	} `toml:"transport"`

	KV struct {
		Backend     string `toml:"backend"`
		RedisAddr   string `toml:"redis_addr"`
		RedisDB     int    `toml:"redis_db"`
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"kv"`

	Blob struct {
		Backend        string `toml:"backend"`
		KuboAPI        string `toml:"kubo_api"`
		KuboPin        bool   `toml:"kubo_pin"`
		GCSBucket      string `toml:"gcs_bucket"`
		GCSPrefix      string `toml:"gcs_prefix"`
		GCSCredentials string `toml:"gcs_credentials"`
	} `toml:"blob"`

	Merge struct {
		Policy  string `toml:"policy"`
		Unknown string `toml:"unknown"`
	} `toml:"merge"`

	Persist struct {
		SaveDelay string `toml:"save_delay"`
	} `toml:"persist"`

	Sync struct {
		Timeout           string  `toml:"timeout"`
		RequestsPerSecond float64 `toml:"requests_per_second"`
		Burst             int     `toml:"burst"`
	} `toml:"sync"`

	Gossip struct {
		StatsInterval string `toml:"stats_interval"`
	} `toml:"gossip"`

	API struct {
		Listen string `toml:"listen"`
	} `toml:"api"`
}

// Load reads path over Default and validates the result. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	str := func(key string, dst *string, v string) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration, v string) error {
		if !meta.IsDefined(strings.Split(key, ".")...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("data_dir", &cfg.DataDir, raw.DataDir)
	str("display_name", &cfg.DisplayName, raw.DisplayName)
	str("identity_file", &cfg.IdentityFile, raw.IdentityFile)

	str("transport.kind", &cfg.Transport.Kind, raw.Transport.Kind)
	str("transport.listen", &cfg.Transport.Listen, raw.Transport.Listen)
	str("transport.advertise", &cfg.Transport.Advertise, raw.Transport.Advertise)
	if meta.IsDefined("transport", "peers") {
		cfg.Transport.Peers = normalizeList(raw.Transport.Peers)
	}

	str("kv.backend", &cfg.KV.Backend, raw.KV.Backend)
	str("kv.redis_addr", &cfg.KV.RedisAddr, raw.KV.RedisAddr)
	str("kv.redis_prefix", &cfg.KV.RedisPrefix, raw.KV.RedisPrefix)
	if meta.IsDefined("kv", "redis_db") {
		cfg.KV.RedisDB = raw.KV.RedisDB
	}

	str("blob.backend", &cfg.Blob.Backend, raw.Blob.Backend)
	str("blob.kubo_api", &cfg.Blob.KuboAPI, raw.Blob.KuboAPI)
	str("blob.gcs_bucket", &cfg.Blob.GCSBucket, raw.Blob.GCSBucket)
	str("blob.gcs_prefix", &cfg.Blob.GCSPrefix, raw.Blob.GCSPrefix)
	str("blob.gcs_credentials", &cfg.Blob.GCSCredentials, raw.Blob.GCSCredentials)
	if meta.IsDefined("blob", "kubo_pin") {
		cfg.Blob.KuboPin = raw.Blob.KuboPin
	}

	if meta.IsDefined("merge", "policy") {
		if cfg.Merge.Policy, err = dag.ParseMergePolicy(strings.TrimSpace(raw.Merge.Policy)); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if meta.IsDefined("merge", "unknown") {
		if cfg.Merge.Unknown, err = wall.ParseUnknownPolicy(strings.TrimSpace(raw.Merge.Unknown)); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if err := dur("persist.save_delay", &cfg.SaveDelay, raw.Persist.SaveDelay); err != nil {
		return Config{}, err
	}
	if err := dur("sync.timeout", &cfg.Sync.Timeout, raw.Sync.Timeout); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("sync", "requests_per_second") {
		cfg.Sync.RequestsPerSecond = raw.Sync.RequestsPerSecond
	}
	if meta.IsDefined("sync", "burst") {
		cfg.Sync.Burst = raw.Sync.Burst
	}
	if err := dur("gossip.stats_interval", &cfg.StatsInterval, raw.Gossip.StatsInterval); err != nil {
		return Config{}, err
	}
	str("api.listen", &cfg.APIListen, raw.API.Listen)

	return cfg, cfg.Validate()
}

// Validate rejects unknown backends and non-positive limits.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.DataDir == "" {
		bad("data_dir is empty")
	}
	switch c.Transport.Kind {
	case "ws":
		if c.Transport.Listen == "" && len(c.Transport.Peers) == 0 {
			bad("transport needs listen or peers")
		}
	case "mem":
	default:
		bad("transport.kind %q", c.Transport.Kind)
	}
	switch c.KV.Backend {
	case "badger", "files":
	case "redis":
		if c.KV.RedisAddr == "" {
			bad("kv.redis_addr is required for redis")
		}
	default:
		bad("kv.backend %q", c.KV.Backend)
	}
	switch c.Blob.Backend {
	case "local":
	case "kubo":
		if c.Blob.KuboAPI == "" {
			bad("blob.kubo_api is required for kubo")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			bad("blob.gcs_bucket is required for gcs")
		}
	default:
		bad("blob.backend %q", c.Blob.Backend)
	}
	if c.SaveDelay <= 0 {
		bad("persist.save_delay must be positive")
	}
	if c.Sync.Timeout <= 0 {
		bad("sync.timeout must be positive")
	}
	if c.Sync.RequestsPerSecond <= 0 || c.Sync.Burst <= 0 {
		bad("sync rate limit must be positive")
	}
	if c.StatsInterval < 0 {
		bad("gossip.stats_interval is negative")
	}
	return errors.Join(errs...)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
