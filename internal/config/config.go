package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowledger.yml.
type Config struct {
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	States map[string]StateEntry `yaml:"states"`
}

// StateEntry declares a run-state catalog row. The catalog is reconciled into
// the database at startup and never mutated by run activity.
type StateEntry struct {
	Description string `yaml:"description"`
	Code        int    `yaml:"code"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.States) > 0 {
		if _, ok := c.States["NOT_STARTED"]; !ok {
			return fmt.Errorf("config.states must include NOT_STARTED")
		}
		seen := map[int]string{}
		for name, st := range c.States {
			if name == "" {
				return fmt.Errorf("config.states contains empty state name")
			}
			if other, dup := seen[st.Code]; dup {
				return fmt.Errorf("states %s and %s share code %d", other, name, st.Code)
			}
			seen[st.Code] = name
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowledger.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: 127.0.0.1:8080

auth:
  jwt_secret: ""

states:
  NOT_STARTED:
    description: "Run created, not yet picked up by a worker"
    code: 10
  QUEUED:
    description: "Run accepted by a worker and waiting for capacity"
    code: 20
  RUNNING:
    description: "Run is executing"
    code: 30
  SUCCEEDED:
    description: "Run finished successfully"
    code: 40
  FAILED:
    description: "Run finished with an error"
    code: 50
  CANCELED:
    description: "Run was canceled before completion"
    code: 60
`
