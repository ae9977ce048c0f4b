package cmn

import (
	"os"
	"time"

	"go.uber.org/atomic"
)

// Config mirrors the keys in spec §6.4. It is loaded once at startup and
// held behind an atomically-swapped pointer (GCO), the same pattern the
// teacher uses for its own cluster-wide Config: readers never lock, a
// config reload builds a new Config and swaps the pointer.
type Config struct {
	ListenAddr      string        `json:"listen_addr"`
	ExecutorAddr    string        `json:"executor_listen_addr"`
	ProxyBaseURL    string        `json:"proxy_base_url"`
	ExecTimeout     time.Duration `json:"executor_request_timeout"`
	CacheRoot       string        `json:"cache_root"`
	CacheQuotaBytes int64         `json:"cache_quota_bytes"`
	SweepInterval   time.Duration `json:"cache_sweep_interval"`
	SessionTimeout  time.Duration `json:"session_timeout"`
	SessionSweep    time.Duration `json:"session_sweep_interval"`
	CORSOrigins     []string      `json:"cors_origins"`
	CORSCredentials bool          `json:"cors_credentials"`
	LogLevel        string        `json:"log_level"`
	TokenSecret     string        `json:"-"` // process-lifetime only, never persisted
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ExecutorAddr:    ":8081",
		ProxyBaseURL:    "http://localhost:8080",
		ExecTimeout:     60 * time.Second,
		CacheRoot:       "/var/lib/execbroker/cache",
		CacheQuotaBytes: 10 << 30, // 10GiB
		SweepInterval:   time.Minute,
		SessionTimeout:  15 * time.Minute,
		SessionSweep:    time.Minute,
		LogLevel:        "INFO",
	}
}

// Validate fills gaps with defaults. It rejects nothing: every value that
// is empty or non-positive is replaced by its default, and it always
// returns nil.
func (c *Config) Validate() error {
	d := defaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ExecutorAddr == "" {
		c.ExecutorAddr = d.ExecutorAddr
	}
	if c.ProxyBaseURL == "" {
		c.ProxyBaseURL = d.ProxyBaseURL
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.CacheRoot == "" {
		c.CacheRoot = d.CacheRoot
	}
	if c.CacheQuotaBytes <= 0 {
		c.CacheQuotaBytes = d.CacheQuotaBytes
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.SessionSweep <= 0 {
		c.SessionSweep = d.SessionSweep
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return nil
}

// globalConfigOwner is the GCO analogue: a mutex-free, atomically-swapped
// holder for the current Config snapshot.
type globalConfigOwner struct {
	c atomic.Pointer[Config]
}

var GCO = &globalConfigOwner{}

func (o *globalConfigOwner) Get() *Config {
	c := o.c.Load()
	if c == nil {
		c := defaultConfig()
		return c
	}
	return c
}

func (o *globalConfigOwner) Put(c *Config) { o.c.Store(c) }

// LoadConfig reads a JSON config file (if path is non-empty and exists),
// applies defaults, validates, and installs it as the global config.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GCO.Put(cfg)
	return cfg, nil
}
