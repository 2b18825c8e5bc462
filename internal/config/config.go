package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"gopkg.in/yaml.v3"

	"github.com/leonardcser/web-query/internal/query"
)

const (
	envConfig   = "WEB_QUERY_CONFIG"
	envSocket   = "WEB_QUERY_KV_SOCK"
	envDB       = "WEB_QUERY_KV_DB"
	envLog      = "WEB_QUERY_LOG"
	envLogLevel = "WEB_QUERY_LOG_LEVEL"

	fileName = "web-query.yaml"
)

// Duration is a time.Duration that also accepts "infinite" or "never".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "infinite", "never", "inf":
		*d = Duration(query.Infinite)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	if time.Duration(d) == query.Infinite {
		return "infinite", nil
	}
	return time.Duration(d).String(), nil
}

// Policy is the cache policy for one kind of query.
type Policy struct {
	StaleTime        Duration `yaml:"stale_time"`
	Retention        Duration `yaml:"retention"`
	RefetchOnRefocus *bool    `yaml:"refetch_on_refocus,omitempty"`
}

// Options converts p to query options.
func (p Policy) Options() []query.Option {
	opts := []query.Option{
		query.WithStaleTime(time.Duration(p.StaleTime)),
		query.WithRetention(time.Duration(p.Retention)),
	}
	if p.RefetchOnRefocus != nil {
		opts = append(opts, query.WithRefetchOnRefocus(*p.RefetchOnRefocus))
	}
	return opts
}

type Queries struct {
	Page    Policy `yaml:"page"`
	Search  Policy `yaml:"search"`
	File    Policy `yaml:"file"`
	Offline Policy `yaml:"offline"`
}

type Cache struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

type KV struct {
	Socket string `yaml:"socket"`
	DB     string `yaml:"db"`
	// OfflineTTL is how long page copies stay in the offline store.
	OfflineTTL Duration `yaml:"offline_ttl"`
}

type Log struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

type Config struct {
	// Source is the file the config was read from, empty for defaults.
	Source  string  `yaml:"-"`
	Cache   Cache   `yaml:"cache"`
	Queries Queries `yaml:"queries"`
	KV      KV      `yaml:"kv"`
	Log     Log     `yaml:"log"`
}

func no() *bool { b := false; return &b }

// Default returns the built-in configuration.
func Default() Config {
	dir := cacheDir()
	return Config{
		Cache: Cache{SweepInterval: Duration(query.DefaultSweepInterval)},
		Queries: Queries{
			Page:    Policy{StaleTime: Duration(15 * time.Minute), Retention: Duration(30 * time.Minute)},
			Search:  Policy{StaleTime: Duration(5 * time.Minute), Retention: Duration(10 * time.Minute)},
			File:    Policy{StaleTime: Duration(query.Infinite), Retention: Duration(query.DefaultRetention)},
			Offline: Policy{StaleTime: Duration(query.Infinite), Retention: Duration(query.Infinite), RefetchOnRefocus: no()},
		},
		KV: KV{
			Socket:     filepath.Join(dir, "kv.sock"),
			DB:         filepath.Join(dir, "kv.bbolt"),
			OfflineTTL: Duration(7 * 24 * time.Hour),
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the config file and applies env overrides. An explicit path
// wins over WEB_QUERY_CONFIG, which wins over the standard locations. A
// missing file is not an error unless it was named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(envConfig)
		explicit = path != ""
	}
	if !explicit {
		path = findConfig()
	}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
			cfg.Source = path
			log.Debugf("using config file: %s", path)
		case explicit || !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envSocket); v != "" {
		cfg.KV.Socket = v
	}
	if v := os.Getenv(envDB); v != "" {
		cfg.KV.DB = v
	}
	if v := os.Getenv(envLog); v != "" {
		cfg.Log.Path = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

func findConfig() string {
	candidates := []string{os.Getenv("XDG_CONFIG_HOME"), os.Getenv("HOME")}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		file := filepath.Join(c, fileName)
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			return file
		}
	}
	return ""
}

func cacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "web-query")
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "web-query")
}
