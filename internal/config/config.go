package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	DataDir    string
	DBPath     string
	ConfigPath string
	DebugDir   string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("FEEDER_DATA_DIR", filepath.Join(homeDir, ".feeder"))

	c := &Config{
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "feeder.db"),
		ConfigPath: getEnv("FEEDER_CONFIG", filepath.Join(dataDir, "feeder.yaml")),
		DebugDir:   filepath.Join(dataDir, "debug"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
