package config

import (
	"flag"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ChunkSize       int
	SessionIDLength int

	// chunk store
	StorePath       string
	EvictMaxAge     time.Duration
	EvictMaxEntries int

	// session store; empty addr means the in-memory store
	RedisAddr string

	ConfigFile string
}

// FromFlags builds the runtime config from the command line, layering an
// optional viper config file underneath the flag defaults.
func FromFlags() (Config, error) {
	var cfg Config
	flag.StringVar(&cfg.ConfigFile, "config", "", "path to optional config file")
	flag.IntVar(&cfg.ChunkSize, "chunk", 0, "chunk size in bytes (0 = from config)")
	flag.StringVar(&cfg.StorePath, "db", "", "path to sqlite chunk store (empty = from config)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for session snapshots (empty = from config)")

	flag.Parse()

	base, err := load(cfg.ConfigFile)
	if err != nil {
		return Config{}, err
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = base.ChunkSize
	}
	if cfg.StorePath == "" {
		cfg.StorePath = base.StorePath
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = base.RedisAddr
	}
	cfg.SessionIDLength = base.SessionIDLength
	cfg.EvictMaxAge = base.EvictMaxAge
	cfg.EvictMaxEntries = base.EvictMaxEntries

	return cfg, nil
}

func load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("chunk_size", 64)
	v.SetDefault("session_id_length", 5)
	v.SetDefault("store.path", "./beam.db")
	v.SetDefault("store.evict_max_age", "168h")
	v.SetDefault("store.evict_max_entries", 1)
	v.SetDefault("redis.addr", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	return Config{
		ChunkSize:       v.GetInt("chunk_size"),
		SessionIDLength: v.GetInt("session_id_length"),
		StorePath:       v.GetString("store.path"),
		EvictMaxAge:     v.GetDuration("store.evict_max_age"),
		EvictMaxEntries: v.GetInt("store.evict_max_entries"),
		RedisAddr:       v.GetString("redis.addr"),
	}, nil
}
