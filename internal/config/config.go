package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MasterKeyEnv overrides the configured master key when set.
const MasterKeyEnv = "SECRETVAULT_MASTER_KEY"

// Config models secretvault.yml.
type Config struct {
	// MasterKey is the process-wide encryption master key as 64 hex
	// characters. It is handed to the cipher engine at startup and is
	// never persisted or logged.
	MasterKey string `yaml:"master_key"`
	Server    struct {
		Addr                  string `yaml:"addr"`
		JWTSecret             string `yaml:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
	} `yaml:"server"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "secretvault.yml")
}

// Load reads config from the workspace, applying the env override for the
// master key. A missing file is fine as long as the env var is set.
func Load(workspace string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if key := os.Getenv(MasterKeyEnv); key != "" {
		cfg.MasterKey = key
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure. The master key's
// exact shape is checked again by the cipher engine at construction.
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("master key is required; set %s or config master_key", MasterKeyEnv)
	}
	if len(c.MasterKey) != 64 {
		return fmt.Errorf("master key must be 64 hex characters (32 bytes)")
	}
	return nil
}

// GenerateDefault returns default config YAML with a placeholder key.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# secretvault workspace configuration
#
# master_key must be 64 hex characters (32 random bytes). Generate one with:
#   openssl rand -hex 32
# The SECRETVAULT_MASTER_KEY environment variable takes precedence.
master_key: ""

server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
  allow_legacy_user_header: false
`
