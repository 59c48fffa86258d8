package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DataDir       string `yaml:"dataDir"`
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metricsListen"`
	LogLevel      string `yaml:"logLevel"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	SyncWrites    bool   `yaml:"syncWrites"`
}

const (
	DefaultDataDir = "./forkdb-data"
	DefaultListen  = "localhost:4242"
	DefaultFile    = "forkdb.yaml"
)

// Load reads the YAML file at path. With an empty path DefaultFile is read
// if it exists, otherwise the defaults are returned.
func Load(path string) (Config, error) {
	optional := path == ""
	if optional {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if optional && errors.Is(err, os.ErrNotExist) {
		var config Config
		config.applyDefaults()
		return config, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (Config, error) {
	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := config.Level(); err != nil {
		return Config{}, err
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = logrus.InfoLevel.String()
	}
}

// Level parses LogLevel, an empty level meaning info.
func (c Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("config logLevel: %w", err)
	}
	return level, nil
}
