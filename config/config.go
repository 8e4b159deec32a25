package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string
	StorageRoot string
	DatabaseURL string
	AdminSecret string
	LogPath     string
	Upstream    UpstreamConfig
	Session     SessionConfig
	Pipeline    PipelineConfig
	Scheduler   SchedulerConfig
	Archive     ArchiveConfig
	Platforms   map[string]*PlatformConfig
}

type UpstreamConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SessionConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

type PipelineConfig struct {
	CheckpointEvery int
}

type SchedulerConfig struct {
	DefaultFrequencyMinutes int
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// PlatformConfig is one config/platforms/*.yaml file. Terminal mappings
// and trucking companies declared here override the built-in defaults.
type PlatformConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Terminals         map[string]string `yaml:"terminals"`
	TruckingCompanies []string          `yaml:"trucking_companies"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":5000"),
		StorageRoot: getEnv("STORAGE_ROOT", "./storage"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://emodal.db"),
		AdminSecret: os.Getenv("ADMIN_SECRET_KEY"),
		LogPath:     getEnv("LOG_PATH", "daemon.log"),
		Upstream: UpstreamConfig{
			BaseURL: getEnv("EMODAL_API_URL", "http://localhost:5010"),
			Timeout: time.Duration(getEnvInt("EMODAL_TIMEOUT_SECONDS", 2400)) * time.Second,
		},
		Session: SessionConfig{
			MaxRetries: getEnvInt("SESSION_MAX_RETRIES", 3),
			RetryDelay: time.Duration(getEnvInt("SESSION_RETRY_MINUTES", 10)) * time.Minute,
		},
		Pipeline: PipelineConfig{
			CheckpointEvery: getEnvInt("CHECKPOINT_EVERY", 5),
		},
		Scheduler: SchedulerConfig{
			DefaultFrequencyMinutes: getEnvInt("DEFAULT_FREQUENCY_MINUTES", 60),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_BUCKET"),
			Region:          getEnv("ARCHIVE_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("ARCHIVE_SECRET_KEY"),
		},
		Platforms: make(map[string]*PlatformConfig),
	}

	if err := cfg.loadPlatformConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadPlatformConfigs() error {
	configDir := "config/platforms"
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var platform PlatformConfig
		if err := yaml.Unmarshal(data, &platform); err != nil {
			return err
		}

		c.Platforms[platform.ID] = &platform
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
