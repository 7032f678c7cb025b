// Package config resolves the data directory layout and the default
// model binding, from the environment and an optional config.toml.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults is the model binding applied when a guardian or step does
// not pin its own.
type Defaults struct {
	Model    string `toml:"model"`
	Provider string `toml:"provider"`
	APIURL   string `toml:"api_url"`
	APIKey   string `toml:"api_key"`
}

type Config struct {
	DataDir        string
	DBPath         string
	ProjectTeamDir string

	Defaults Defaults
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("GUARDIAN_DATA_DIR", filepath.Join(homeDir, ".guardian"))

	c := &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "guardian.db"),
		ProjectTeamDir: "guardian_team",
		Defaults: Defaults{
			Model:    "llama3.2",
			Provider: "ollama",
		},
	}

	if err := c.loadTOML(filepath.Join(dataDir, "config.toml")); err != nil {
		return nil, err
	}
	c.applyEnv()

	return c, nil
}

// loadTOML layers config.toml over the built-in defaults. A missing
// file is fine.
func (c *Config) loadTOML(path string) error {
	var file struct {
		Defaults Defaults `toml:"defaults"`
	}
	_, err := toml.DecodeFile(path, &file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if file.Defaults.Model != "" {
		c.Defaults.Model = file.Defaults.Model
	}
	if file.Defaults.Provider != "" {
		c.Defaults.Provider = file.Defaults.Provider
	}
	if file.Defaults.APIURL != "" {
		c.Defaults.APIURL = file.Defaults.APIURL
	}
	if file.Defaults.APIKey != "" {
		c.Defaults.APIKey = file.Defaults.APIKey
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Defaults.Model = getEnv("GUARDIAN_MODEL", c.Defaults.Model)
	c.Defaults.Provider = getEnv("GUARDIAN_PROVIDER", c.Defaults.Provider)
	c.Defaults.APIURL = getEnv("GUARDIAN_API_URL", c.Defaults.APIURL)
	c.Defaults.APIKey = getEnv("GUARDIAN_API_KEY", c.Defaults.APIKey)
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
