// Package config loads sead settings from a TOML file and the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Zereker/sea"
	"github.com/Zereker/sea/logging"
	"github.com/Zereker/sea/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SEA_"

// Config holds everything a node needs to join the network and serve.
type Config struct {
	Name      string
	Server    string
	TLS       bool
	Password  string
	Channel   string
	Directory string

	TransportLimit      int
	TransferIDLength    int
	TransferIdleTimeout time.Duration
	SweepInterval       time.Duration
	CacheEntries        int
	Thank               bool

	Log     logging.Config
	Metrics MetricsConfig
}

// MetricsConfig controls the metrics HTTP listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server:              "127.0.0.1:6667",
		Directory:           ".",
		TransportLimit:      sea.DefaultTransportLimit,
		TransferIDLength:    sea.DefaultIDLength,
		TransferIdleTimeout: sea.DefaultIdleTimeout,
		SweepInterval:       sea.DefaultSweepInterval,
		CacheEntries:        128,
		Thank:               true,
		Log:                 logging.DefaultConfig(),
	}
}

type fileConfig struct {
	Name                string  `toml:"name"`
	Server              string  `toml:"server"`
	TLS                 bool    `toml:"tls"`
	Password            string  `toml:"password"`
	Channel             string  `toml:"channel"`
	Directory           string  `toml:"directory"`
	TransportLimit      int     `toml:"transport_limit"`
	TransferIDLength    int     `toml:"transfer_id_length"`
	TransferIdleTimeout string  `toml:"transfer_idle_timeout"`
	SweepInterval       string  `toml:"sweep_interval"`
	CacheEntries        int     `toml:"cache_entries"`
	Thank               bool    `toml:"thank"`
	Log                 logFile `toml:"log"`
	Metrics             struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

type logFile struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Load returns Default overlaid with the keys defined in the file at path
// and then with SEA_* environment variables. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		c.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("server") {
		c.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("tls") {
		c.TLS = raw.TLS
	}
	if meta.IsDefined("password") {
		c.Password = raw.Password
	}
	if meta.IsDefined("channel") {
		c.Channel = strings.TrimSpace(raw.Channel)
	}
	if meta.IsDefined("directory") {
		c.Directory = strings.TrimSpace(raw.Directory)
	}
	if meta.IsDefined("transport_limit") {
		c.TransportLimit = raw.TransportLimit
	}
	if meta.IsDefined("transfer_id_length") {
		c.TransferIDLength = raw.TransferIDLength
	}
	if meta.IsDefined("transfer_idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TransferIdleTimeout))
		if err != nil {
			return errors.Wrap(err, "parse transfer_idle_timeout")
		}
		c.TransferIdleTimeout = d
	}
	if meta.IsDefined("sweep_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SweepInterval))
		if err != nil {
			return errors.Wrap(err, "parse sweep_interval")
		}
		c.SweepInterval = d
	}
	if meta.IsDefined("cache_entries") {
		c.CacheEntries = raw.CacheEntries
	}
	if meta.IsDefined("thank") {
		c.Thank = raw.Thank
	}

	if meta.IsDefined("log", "level") {
		c.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		c.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "file") {
		c.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		c.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		c.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		c.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}

	if meta.IsDefined("metrics", "addr") {
		c.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	return nil
}

// ApplyEnv overrides fields from SEA_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parse %s%s", EnvPrefix, key)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parse %s%s", EnvPrefix, key)
		}
		*dst = b
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "parse %s%s", EnvPrefix, key)
		}
		*dst = d
		return nil
	}

	str("NAME", &c.Name)
	str("SERVER", &c.Server)
	str("PASSWORD", &c.Password)
	str("CHANNEL", &c.Channel)
	str("DIRECTORY", &c.Directory)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	str("METRICS_ADDR", &c.Metrics.Addr)

	for _, err := range []error{
		boolean("TLS", &c.TLS),
		boolean("THANK", &c.Thank),
		integer("TRANSPORT_LIMIT", &c.TransportLimit),
		integer("TRANSFER_ID_LENGTH", &c.TransferIDLength),
		integer("CACHE_ENTRIES", &c.CacheEntries),
		duration("TRANSFER_IDLE_TIMEOUT", &c.TransferIdleTimeout),
		duration("SWEEP_INTERVAL", &c.SweepInterval),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// maxTransferIDLength keeps announcements far below any sane limit.
const maxTransferIDLength = 64

// MaxTransportLimit is the largest transport_limit whose frames still fit in
// one delivered IRC line. Frames go to channel when it is set, otherwise to
// a peer nickname of up to transport.MaxNickLength bytes. Frames encode
// strictly shorter than the limit.
func MaxTransportLimit(channel string) int {
	target := channel
	if target == "" {
		target = strings.Repeat("n", transport.MaxNickLength)
	}
	return transport.MaxTextLength(target) + 1
}

// Validate reports the first setting a node cannot run with.
func (c Config) Validate() error {
	if !sea.ValidToken(c.Name) {
		return errors.Errorf("name %q must be a non-empty token without spaces or %%", c.Name)
	}
	if len(c.Name) > transport.MaxNickLength {
		return errors.Errorf("name %q longer than %d", c.Name, transport.MaxNickLength)
	}
	if c.Server == "" {
		return errors.New("server address is required")
	}
	if c.Channel != "" && !strings.HasPrefix(c.Channel, "#") && !strings.HasPrefix(c.Channel, "&") {
		return errors.Errorf("channel %q must start with # or &", c.Channel)
	}
	if max := MaxTransportLimit(c.Channel); c.TransportLimit <= 0 || c.TransportLimit > max {
		return errors.Errorf("transport_limit %d out of range 1..%d", c.TransportLimit, max)
	}
	if c.TransferIDLength <= 0 || c.TransferIDLength > maxTransferIDLength {
		return errors.Errorf("transfer_id_length %d out of range 1..%d", c.TransferIDLength, maxTransferIDLength)
	}
	if c.TransferIdleTimeout <= 0 {
		return errors.Errorf("transfer_idle_timeout %s must be positive", c.TransferIdleTimeout)
	}
	if c.SweepInterval <= 0 {
		return errors.Errorf("sweep_interval %s must be positive", c.SweepInterval)
	}
	if c.CacheEntries < 0 {
		return errors.Errorf("cache_entries %d must not be negative", c.CacheEntries)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON, logging.FormatZap:
	default:
		return errors.Errorf("log format %q must be text, json or zap", c.Log.Format)
	}
	return nil
}
