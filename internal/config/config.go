// Package config loads the YAML application configuration, layers
// environment overrides for credentials on top, and validates it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/JacX808/TimathyTrainTime/internal/openrail"
	"github.com/JacX808/TimathyTrainTime/internal/publish"
	"github.com/JacX808/TimathyTrainTime/internal/railref"
	"github.com/JacX808/TimathyTrainTime/internal/storage"
)

// OpenRailConfig configures the live feed subscription.
type OpenRailConfig struct {
	BrokerAddr           string   `yaml:"broker_addr" validate:"required,hostname_port"`
	Username             string   `yaml:"username"`
	Password             string   `yaml:"password"`
	Topics               []string `yaml:"topics" validate:"required,min=1,max=2,dive,required"`
	Durable              bool     `yaml:"durable"`
	ClientID             string   `yaml:"client_id"`
	ConnectWindowSeconds int      `yaml:"connect_window_seconds" validate:"gte=0"`
	QueueSize            int      `yaml:"queue_size" validate:"gte=0"`
}

// PostgresConfig configures the PostgreSQL store backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	Backend    string         `yaml:"backend" validate:"omitempty,oneof=postgres sqlite"`
	SQLitePath string         `yaml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// ClickHouseConfig configures the optional raw feed archive.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// NATSConfig configures the optional downstream movement publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// ReferenceConfig locates the reference data extracts.
type ReferenceConfig struct {
	CorpusPath     string `yaml:"corpus_path"`
	BPlanPath      string `yaml:"bplan_path"`
	CorpusURL      string `yaml:"corpus_url" validate:"omitempty,url"`
	CorpusUsername string `yaml:"corpus_username"`
	CorpusPassword string `yaml:"corpus_password"`
	DataDir        string `yaml:"data_dir"`
}

// IngestConfig bounds the drain cycle and retention.
type IngestConfig struct {
	MaxMessages     int  `yaml:"max_messages" validate:"gte=0"`
	MaxSeconds      int  `yaml:"max_seconds" validate:"gte=0"`
	MergeAfterCycle bool `yaml:"merge_after_cycle"`
	RetentionDays   int  `yaml:"retention_days" validate:"gte=0"`
}

// HTTPConfig configures the query API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the logger mode.
type LogConfig struct {
	Mode string `yaml:"mode" validate:"omitempty,oneof=dev prod"`
}

// AppConfig is the whole application configuration.
type AppConfig struct {
	OpenRail   OpenRailConfig   `yaml:"openrail" validate:"required"`
	Database   DatabaseConfig   `yaml:"database"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	NATS       NATSConfig       `yaml:"nats"`
	Reference  ReferenceConfig  `yaml:"reference"`
	Ingest     IngestConfig     `yaml:"ingest"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// Credential overrides. The YAML file can stay secret-free; deployments
// inject these through the environment.
const (
	envFeedUsername       = "TRAINTIME_FEED_USERNAME"
	envFeedPassword       = "TRAINTIME_FEED_PASSWORD"
	envPostgresPassword   = "TRAINTIME_POSTGRES_PASSWORD"
	envClickHousePassword = "TRAINTIME_CLICKHOUSE_PASSWORD"
	envCorpusUsername     = "TRAINTIME_CORPUS_USERNAME"
	envCorpusPassword     = "TRAINTIME_CORPUS_PASSWORD"
)

// Load reads, overrides, defaults and validates the configuration at
// the given path.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds an AppConfig from raw YAML.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv(envFeedUsername); v != "" {
		cfg.OpenRail.Username = v
	}
	if v := os.Getenv(envFeedPassword); v != "" {
		cfg.OpenRail.Password = v
	}
	if v := os.Getenv(envPostgresPassword); v != "" {
		cfg.Database.Postgres.Password = v
	}
	if v := os.Getenv(envClickHousePassword); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv(envCorpusUsername); v != "" {
		cfg.Reference.CorpusUsername = v
	}
	if v := os.Getenv(envCorpusPassword); v != "" {
		cfg.Reference.CorpusPassword = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "sqlite"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "traintime.db"
	}
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.ClickHouse.Port == 0 {
		cfg.ClickHouse.Port = 9000
	}
	if cfg.Ingest.MaxMessages == 0 {
		cfg.Ingest.MaxMessages = 1000
	}
	if cfg.Ingest.MaxSeconds == 0 {
		cfg.Ingest.MaxSeconds = 20
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Log.Mode == "" {
		cfg.Log.Mode = "prod"
	}
	if cfg.Reference.DataDir == "" {
		cfg.Reference.DataDir = "data"
	}
}

// Receiver maps the feed section to the receiver's own config type.
func (c *AppConfig) Receiver() openrail.Config {
	return openrail.Config{
		BrokerAddr:    c.OpenRail.BrokerAddr,
		Username:      c.OpenRail.Username,
		Password:      c.OpenRail.Password,
		Topics:        c.OpenRail.Topics,
		Durable:       c.OpenRail.Durable,
		ClientID:      c.OpenRail.ClientID,
		ConnectWindow: time.Duration(c.OpenRail.ConnectWindowSeconds) * time.Second,
		QueueSize:     c.OpenRail.QueueSize,
	}
}

// Storage maps the database and clickhouse sections to the storage
// config.
func (c *AppConfig) Storage() storage.Config {
	return storage.Config{
		Backend:    c.Database.Backend,
		SQLitePath: c.Database.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:     c.Database.Postgres.Host,
			Port:     c.Database.Postgres.Port,
			Database: c.Database.Postgres.Database,
			User:     c.Database.Postgres.User,
			Password: c.Database.Postgres.Password,
		},
		ArchiveEnabled: c.ClickHouse.Enabled,
		ClickHouse: storage.ClickHouseConfig{
			Host:     c.ClickHouse.Host,
			Port:     c.ClickHouse.Port,
			Database: c.ClickHouse.Database,
			User:     c.ClickHouse.User,
			Password: c.ClickHouse.Password,
		},
	}
}

// Publisher maps the nats section to the publisher config.
func (c *AppConfig) Publisher() publish.Config {
	return publish.Config{
		URL:     c.NATS.URL,
		Subject: c.NATS.Subject,
		Name:    c.NATS.Name,
	}
}

// CorpusDownload maps the reference section to the archive download
// config.
func (c *AppConfig) CorpusDownload() railref.DownloadConfig {
	return railref.DownloadConfig{
		URL:      c.Reference.CorpusURL,
		Username: c.Reference.CorpusUsername,
		Password: c.Reference.CorpusPassword,
	}
}
