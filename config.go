package cacheproxy

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type FileConfig struct {
	Listen  string        `yaml:"listen"`
	Param   string        `yaml:"param"`
	Storage StorageConfig `yaml:"storage"`
	Origin  OriginConfig  `yaml:"origin"`
	Log     LogConfig     `yaml:"log"`
}

type StorageConfig struct {
	// "sqlite" or "memory"
	Provider string `yaml:"provider"`
	// SQLite file name, "memory" for an in-memory database
	DB string `yaml:"db"`
	// Body blob directory, empty to store bodies inline
	Blobs string `yaml:"blobs"`
}

type OriginConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Trace bool   `yaml:"trace"`
}

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() FileConfig {
	return FileConfig{
		Listen: ":3000",
		Param:  "url",
		Storage: StorageConfig{
			Provider: "sqlite",
			DB:       "cache/index.db",
			Blobs:    "cache/files",
		},
		Origin: OriginConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
// Keys missing from the file keep their default value.
func LoadConfig(filename string) (FileConfig, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.Wrapf(err, "parse config %s", filename)
	}
	if config.Storage.Provider != "sqlite" && config.Storage.Provider != "memory" {
		return config, errors.Errorf("unsupported storage provider: %s", config.Storage.Provider)
	}
	return config, nil
}
