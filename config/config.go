package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"joulechain/crypto"

	"github.com/BurntSushi/toml"
)

// Config captures the node-level settings shared by every daemon that embeds
// the chain state: where the key/value store lives, how the feeder identity is
// resolved, and the genesis parameters applied on first boot.
type Config struct {
	DataDir            string  `toml:"DataDir"`
	InMemory           bool    `toml:"InMemory"`
	NetworkName        string  `toml:"NetworkName"`
	FeederKeystorePath string  `toml:"FeederKeystorePath"`
	FeederKMSEnv       string  `toml:"FeederKMSEnv"`
	Genesis            Genesis `toml:"Genesis"`
}

// Load loads the configuration from the given path. A missing file is
// populated with a development default, including a freshly generated feeder
// keystore whose address doubles as the genesis owner.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "joule-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./joule-data"
	}

	if cfg.FeederKMSEnv == "" {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := ValidateGenesis(cfg.Genesis); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.FeederKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.FeederKeystorePath != keystorePath {
		cfg.FeederKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	owner := key.PubKey().Address().String()
	cfg := &Config{
		DataDir:     "./joule-data",
		InMemory:    false,
		NetworkName: "joule-local",
		Genesis:     DefaultGenesis(owner),
	}
	cfg.FeederKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "feeder.keystore")
}
