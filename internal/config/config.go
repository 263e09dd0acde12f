package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	Root      string `mapstructure:"root"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type HarvestConfig struct {
	PreviewMaxItems  int           `mapstructure:"preview_max_items"`
	DefaultSchedule  string        `mapstructure:"default_schedule"`
	JobsRetentionDays int          `mapstructure:"jobs_retention_days"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	Workers          int           `mapstructure:"workers"`
}

type UploadConfig struct {
	ChunkPrefix    string        `mapstructure:"chunk_prefix"`
	ChunkRetention time.Duration `mapstructure:"chunk_retention"`
	MaxFileSize    int64         `mapstructure:"max_file_size"`
	AllowedImages  []string      `mapstructure:"allowed_images"`
}

type SchedulerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ChunkSweepCron string `mapstructure:"chunk_sweep_cron"`
	PurgeJobsCron  string `mapstructure:"purge_jobs_cron"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/harvester.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.driver", "fs")
	v.SetDefault("storage.root", "./data/storage")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "resources")
	v.SetDefault("storage.public_url", "/s")
	v.SetDefault("harvest.preview_max_items", 20)
	v.SetDefault("harvest.default_schedule", "0 0 * * *")
	v.SetDefault("harvest.jobs_retention_days", 365)
	v.SetDefault("harvest.http_timeout", 30*time.Second)
	v.SetDefault("harvest.workers", 3)
	v.SetDefault("upload.chunk_prefix", "chunks")
	v.SetDefault("upload.chunk_retention", 24*time.Hour)
	v.SetDefault("upload.max_file_size", int64(1<<30))
	v.SetDefault("upload.allowed_images", []string{"png", "jpeg", "jpg", "gif", "webp"})
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.chunk_sweep_cron", "@hourly")
	v.SetDefault("scheduler.purge_jobs_cron", "@daily")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
