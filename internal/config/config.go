package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/veridoc/veridoc-ops/internal/paths"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPostgresPort   = 5432
	DefaultQdrantPort     = 6333
	DefaultRetentionCount = 10
	DefaultStoreTimeout   = 5 * time.Minute
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"` // http or https
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type FilesConfig struct {
	UploadsDir   string `yaml:"uploads_dir"`
	GeneratedDir string `yaml:"generated_dir"`
}

type SettingsConfig struct {
	// Path to the application's runtime settings file. Secrets in it are
	// never captured; see store/settings.
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	// Optional S3-compatible offsite target for finished archives.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AppConfig struct {
	// Base URL of the running application's admin surface, used to quiesce
	// traffic around destructive operations. Empty disables quiescing.
	AdminURL string `yaml:"admin_url"`
}

type Config struct {
	Postgres  PostgresConfig `yaml:"postgres"`
	Qdrant    QdrantConfig   `yaml:"qdrant"`
	Files     FilesConfig    `yaml:"files"`
	Settings  SettingsConfig `yaml:"settings"`
	Remote    RemoteConfig   `yaml:"remote"`
	App       AppConfig      `yaml:"app"`
	ArchiveDir string        `yaml:"archive_dir"`
	Retention  int           `yaml:"retention"`
	// StoreTimeout bounds every individual store call.
	StoreTimeout Duration `yaml:"store_timeout"`
	// AssumeYes bypasses interactive confirmation; meant for automation and
	// logged loudly whenever it takes effect.
	AssumeYes bool `yaml:"assume_yes"`
}

func defaults() Config {
	return Config{
		Postgres:     PostgresConfig{Host: "127.0.0.1", Port: DefaultPostgresPort, DBName: "veridoc", SSLMode: "disable"},
		Qdrant:       QdrantConfig{Host: "127.0.0.1", Scheme: "http", Port: DefaultQdrantPort},
		ArchiveDir:   paths.Archives(),
		Retention:    DefaultRetentionCount,
		StoreTimeout: Duration(DefaultStoreTimeout),
	}
}

// Path returns the expected path to the config.yaml file.
func Path() string {
	return filepath.Join(paths.Home(), "config.yaml")
}

// Load reads configuration from config.yaml if it exists, then applies
// VERIDOC_OPS_* environment overrides. Missing file is not an error;
// defaults are returned.
func Load() (Config, error) {
	cfg := defaults()
	p := Path()
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return applyEnv(cfg), nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(b, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg = merge(cfg, fileCfg)
	return applyEnv(cfg), nil
}

// merge overrides defaults with provided values if non-zero.
func merge(cfg, in Config) Config {
	if in.Postgres.Host != "" {
		cfg.Postgres.Host = in.Postgres.Host
	}
	if in.Postgres.Port != 0 {
		cfg.Postgres.Port = in.Postgres.Port
	}
	if in.Postgres.User != "" {
		cfg.Postgres.User = in.Postgres.User
	}
	if in.Postgres.Password != "" {
		cfg.Postgres.Password = in.Postgres.Password
	}
	if in.Postgres.DBName != "" {
		cfg.Postgres.DBName = in.Postgres.DBName
	}
	if in.Postgres.SSLMode != "" {
		cfg.Postgres.SSLMode = in.Postgres.SSLMode
	}
	if in.Qdrant.Host != "" {
		cfg.Qdrant.Host = in.Qdrant.Host
	}
	if in.Qdrant.Scheme != "" {
		cfg.Qdrant.Scheme = in.Qdrant.Scheme
	}
	if in.Qdrant.Port != 0 {
		cfg.Qdrant.Port = in.Qdrant.Port
	}
	if in.Qdrant.APIKey != "" {
		cfg.Qdrant.APIKey = in.Qdrant.APIKey
	}
	if in.Files.UploadsDir != "" {
		cfg.Files.UploadsDir = in.Files.UploadsDir
	}
	if in.Files.GeneratedDir != "" {
		cfg.Files.GeneratedDir = in.Files.GeneratedDir
	}
	if in.Settings.Path != "" {
		cfg.Settings.Path = in.Settings.Path
	}
	if in.Remote.Endpoint != "" {
		cfg.Remote = in.Remote
	}
	if in.App.AdminURL != "" {
		cfg.App.AdminURL = in.App.AdminURL
	}
	if in.ArchiveDir != "" {
		cfg.ArchiveDir = in.ArchiveDir
	}
	if in.Retention != 0 {
		cfg.Retention = in.Retention
	}
	if in.StoreTimeout != 0 {
		cfg.StoreTimeout = in.StoreTimeout
	}
	if in.AssumeYes {
		cfg.AssumeYes = true
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("VERIDOC_OPS_PG_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("VERIDOC_OPS_PG_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = n
		}
	}
	if v := os.Getenv("VERIDOC_OPS_PG_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("VERIDOC_OPS_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("VERIDOC_OPS_PG_DBNAME"); v != "" {
		cfg.Postgres.DBName = v
	}
	if v := os.Getenv("VERIDOC_OPS_QDRANT_HOST"); v != "" {
		cfg.Qdrant.Host = v
	}
	if v := os.Getenv("VERIDOC_OPS_QDRANT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Qdrant.Port = n
		}
	}
	if v := os.Getenv("VERIDOC_OPS_QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
	if v := os.Getenv("VERIDOC_OPS_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	if v := os.Getenv("VERIDOC_OPS_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retention = n
		}
	}
	if v := os.Getenv("VERIDOC_OPS_ASSUME_YES"); v == "1" || v == "true" {
		cfg.AssumeYes = true
	}
	return cfg
}

// Validate reports configuration problems that would make the stores
// unreachable or destructive operations unsafe.
func (c Config) Validate() []string {
	var problems []string
	if c.Postgres.Host == "" {
		problems = append(problems, "postgres.host is empty")
	}
	if c.Postgres.DBName == "" {
		problems = append(problems, "postgres.dbname is empty")
	}
	if c.Qdrant.Host == "" {
		problems = append(problems, "qdrant.host is empty")
	}
	if c.Files.UploadsDir == "" {
		problems = append(problems, "files.uploads_dir is empty")
	}
	if c.Retention < 1 {
		problems = append(problems, "retention must be >= 1")
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, "store_timeout must be positive")
	}
	if c.Remote.Endpoint != "" && c.Remote.Bucket == "" {
		problems = append(problems, "remote.bucket required when remote.endpoint is set")
	}
	return problems
}

// QdrantBaseURL assembles the vector store base URL.
func (c Config) QdrantBaseURL() string {
	scheme := c.Qdrant.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Qdrant.Host, c.Qdrant.Port)
}

// PostgresDSN assembles the relational store connection string.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host, c.Postgres.Port, c.Postgres.User, c.Postgres.Password, c.Postgres.DBName, c.Postgres.SSLMode)
}
