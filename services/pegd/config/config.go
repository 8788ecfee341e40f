// Package config loads the pegd runtime configuration. The format is TOML
// with unknown-key rejection; a missing file is populated with a development
// default next to the requested path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use human-readable strings
// such as "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration back into config files.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the pegd runtime settings.
type Config struct {
	ListenAddress string `toml:"Listen"`
	Environment   string `toml:"Environment"`
	ChainConfig   string `toml:"ChainConfig"`
	DatabasePath  string `toml:"Database"`
	NonceStore    string `toml:"NonceStore"`
	LogFile       string `toml:"LogFile"`

	Pair    Pair         `toml:"Pair"`
	Oracle  OracleConfig `toml:"Oracle"`
	Sources []Source     `toml:"Sources"`
	API     APIConfig    `toml:"API"`
}

// Pair identifies the base/quote pair the feeds quote.
type Pair struct {
	Base  string `toml:"Base"`
	Quote string `toml:"Quote"`
}

// OracleConfig tunes the aggregation and evaluation loops.
type OracleConfig struct {
	PollInterval     Duration `toml:"PollInterval"`
	EvaluateInterval Duration `toml:"EvaluateInterval"`
	MaxQuoteAge      Duration `toml:"MaxQuoteAge"`
	MinFeeds         int      `toml:"MinFeeds"`
}

// Source describes one upstream HTTP price feed.
type Source struct {
	Name          string  `toml:"Name"`
	URL           string  `toml:"URL"`
	RatePerMinute float64 `toml:"RatePerMinute"`
	Burst         int     `toml:"Burst"`
}

// APIConfig holds the HMAC credentials accepted on admin endpoints. The map
// key is the API key identifier, the value the shared secret.
type APIConfig struct {
	Secrets       map[string]string `toml:"Secrets"`
	TimestampSkew Duration          `toml:"TimestampSkew"`
	NonceTTL      Duration          `toml:"NonceTTL"`
}

// Load reads pegd configuration from the supplied path, writing a default
// file when none exists.
func Load(path string) (Config, error) {
	cfg := Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return cfg, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7180"
	}
	if strings.TrimSpace(cfg.ChainConfig) == "" {
		cfg.ChainConfig = "config.toml"
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = "pegd.sqlite"
	}
	if strings.TrimSpace(cfg.NonceStore) == "" {
		cfg.NonceStore = "pegd-nonces.db"
	}
	if strings.TrimSpace(cfg.Pair.Base) == "" {
		cfg.Pair.Base = "JOULE"
	}
	if strings.TrimSpace(cfg.Pair.Quote) == "" {
		cfg.Pair.Quote = "USD"
	}
	if cfg.Oracle.PollInterval.Duration == 0 {
		cfg.Oracle.PollInterval.Duration = 30 * time.Second
	}
	if cfg.Oracle.EvaluateInterval.Duration == 0 {
		cfg.Oracle.EvaluateInterval.Duration = time.Minute
	}
	if cfg.Oracle.MaxQuoteAge.Duration == 0 {
		cfg.Oracle.MaxQuoteAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.API.TimestampSkew.Duration == 0 {
		cfg.API.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.API.NonceTTL.Duration == 0 {
		cfg.API.NonceTTL.Duration = 10 * time.Minute
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].RatePerMinute <= 0 {
			cfg.Sources[i].RatePerMinute = 30
		}
		if cfg.Sources[i].Burst <= 0 {
			cfg.Sources[i].Burst = 1
		}
	}
}

func validate(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one price source must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for _, src := range cfg.Sources {
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if name == "" {
			return fmt.Errorf("source name required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate source %q", src.Name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("source %q: URL required", src.Name)
		}
	}
	for key, secret := range cfg.API.Secrets {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(secret) == "" {
			return fmt.Errorf("API secrets must not be empty")
		}
	}
	return nil
}

func createDefault(path string) (Config, error) {
	cfg := Config{
		Sources: []Source{
			{Name: "coingecko", URL: "https://api.coingecko.com/api/v3/simple/price?ids=joule&vs_currencies=usd"},
		},
	}
	applyDefaults(&cfg)
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cfg, err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
