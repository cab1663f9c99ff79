package pwa

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
		MaxBody       string `yaml:"maxBody"`

		maxBodyBytes int64
	} `yaml:"server"`

	Cache struct {
		Version     string   `yaml:"version"`
		APIPrefix   string   `yaml:"apiPrefix"`
		Precache    []string `yaml:"precache"`
		VaryHeaders []string `yaml:"varyHeaders"`

		Warm struct {
			Paths []string `yaml:"paths"`
			Every string   `yaml:"every"`

			everyDur time.Duration
		} `yaml:"warm"`
	} `yaml:"cache"`

	Storage struct {
		Path  string `yaml:"path"`
		Codec string `yaml:"codec"`
		RAM   struct {
			Provider string `yaml:"provider"`
			Max      string `yaml:"max"`

			maxBytes int64
		} `yaml:"ram"`
	} `yaml:"storage"`

	Queue struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Key      string `yaml:"key"`
		} `yaml:"redis"`
	} `yaml:"queue"`

	Sync struct {
		Tag        string `yaml:"tag"`
		Endpoint   string `yaml:"endpoint"`
		ProbePath  string `yaml:"probePath"`
		ProbeEvery string `yaml:"probeEvery"`

		probeEveryDur time.Duration
	} `yaml:"sync"`

	Push struct {
		Title       string `yaml:"title"`
		DefaultBody string `yaml:"defaultBody"`
		Icon        string `yaml:"icon"`
		Badge       string `yaml:"badge"`
	} `yaml:"push"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// DefaultPrecache is the install manifest used when the config names none.
var DefaultPrecache = []string{
	"/",
	"/manifest.json",
	"/favicon.ico",
	"/_next/static/css/app/globals.css",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__pwa/"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	if !strings.HasSuffix(cfg.Server.ControlPrefix, "/") {
		cfg.Server.ControlPrefix += "/"
	}
	if cfg.Server.MaxBody == "" {
		cfg.Server.MaxBody = "1mb"
	}
	n, err := parseBytes(cfg.Server.MaxBody)
	if err != nil {
		return fmt.Errorf("server.maxBody: %w", err)
	}
	cfg.Server.maxBodyBytes = n

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "pollutionx-v1"
	}
	if cfg.Cache.APIPrefix == "" {
		cfg.Cache.APIPrefix = "/api/"
	}
	if len(cfg.Cache.Precache) == 0 {
		cfg.Cache.Precache = append([]string(nil), DefaultPrecache...)
	}
	for i, p := range cfg.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.precache[%d]: %q must start with /", i, p)
		}
	}
	for i, p := range cfg.Cache.Warm.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.warm.paths[%d]: %q must start with /", i, p)
		}
	}
	if cfg.Cache.Warm.Every != "" {
		d, err := time.ParseDuration(cfg.Cache.Warm.Every)
		if err != nil {
			return fmt.Errorf("cache.warm.every: %w", err)
		}
		cfg.Cache.Warm.everyDur = d
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.Storage.RAM.maxBytes = n
	}

	switch cfg.Queue.Backend {
	case "":
		cfg.Queue.Backend = "leveldb"
	case "leveldb":
	case "redis":
		if cfg.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", cfg.Queue.Backend)
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "pollution-report"
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = "/api/reports"
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/manifest.json"
	}
	if cfg.Sync.ProbeEvery != "" {
		d, err := time.ParseDuration(cfg.Sync.ProbeEvery)
		if err != nil {
			return fmt.Errorf("sync.probeEvery: %w", err)
		}
		cfg.Sync.probeEveryDur = d
	}

	if cfg.Push.Title == "" {
		cfg.Push.Title = "PollutionX Update"
	}
	if cfg.Push.DefaultBody == "" {
		cfg.Push.DefaultBody = "New pollution data available"
	}
	if cfg.Push.Icon == "" {
		cfg.Push.Icon = "/icons/icon-192x192.png"
	}
	if cfg.Push.Badge == "" {
		cfg.Push.Badge = "/icons/icon-72x72.png"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func (cfg *Config) isAPI(path string) bool {
	return strings.HasPrefix(path, cfg.Cache.APIPrefix)
}
