package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Worker struct {
		Generation string   `yaml:"generation"`
		Policy     string   `yaml:"policy"`
		Assets     []string `yaml:"assets"`
	} `yaml:"worker"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
		Table  string `yaml:"table"`
		Region string `yaml:"region"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

const (
	driverMemory   = "memory"
	driverLevelDB  = "leveldb"
	driverPostgres = "postgres"
	driverDynamoDB = "dynamodb"
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Worker.Generation == "" {
		cfg.Worker.Generation = offlinecache.DefaultConfig().GenerationTag
	}
	if _, err := offlinecache.ParsePolicy(cfg.Worker.Policy); err != nil {
		return Config{}, fmt.Errorf("worker.policy: %w", err)
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = driverMemory
	case driverMemory:
	case driverLevelDB:
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = "./data/leveldb"
		}
	case driverPostgres:
		if cfg.Storage.DSN == "" {
			return Config{}, fmt.Errorf("storage.dsn is required for postgres")
		}
	case driverDynamoDB:
	default:
		return Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}

	return cfg, nil
}

// workerConfig turns the worker section into the library configuration. Assets
// are resolved against the origin.
func (c Config) workerConfig() (offlinecache.Config, error) {
	policy, err := offlinecache.ParsePolicy(c.Worker.Policy)
	if err != nil {
		return offlinecache.Config{}, err
	}

	wc := offlinecache.Config{
		GenerationTag: c.Worker.Generation,
		Policy:        policy,
		StaticAssets:  c.Worker.Assets,
		BaseURL:       c.Server.Origin,
	}

	return wc, wc.Validate()
}
