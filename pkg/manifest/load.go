// pkg/manifest/load.go
package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// AppConfigFile is looked up in the app directory.
const AppConfigFile = "config.toml"

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAppConfig reads <appDir>/config.toml and expands it. A missing file yields
// an empty configuration named after the app directory.
func LoadAppConfig(appDir string) (NodeConfig, error) {
	cfg, err := LoadConfig(filepath.Join(appDir, AppConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		abs, aerr := filepath.Abs(appDir)
		if aerr != nil {
			return NodeConfig{}, aerr
		}
		return NewNodeConfig(filepath.Base(abs)), nil
	}
	if err != nil {
		return NodeConfig{}, err
	}
	return cfg.NodeConfig(appDir)
}

// BrokerConfig is the host-wide file that tells nodes where the broker listens.
type BrokerConfig struct {
	UnixStreamPath string `toml:"unix_stream_path"`
}

func LoadBrokerConfig(path string) (BrokerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return BrokerConfig{}, err
	}
	var cfg BrokerConfig
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.UnixStreamPath == "" {
		return BrokerConfig{}, errors.New("unix_stream_path is required")
	}
	return cfg, nil
}
