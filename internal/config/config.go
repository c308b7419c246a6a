package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the runtime settings for the fetch pipeline and its server.
type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	LogLevel   string `mapstructure:"log_level"`

	// Download pipeline
	DownloadDir     string        `mapstructure:"download_dir"`
	FileTemplate    string        `mapstructure:"file_template"`
	Transliterate   bool          `mapstructure:"transliterate_paths"`
	WriteTags       bool          `mapstructure:"write_tags"`
	WorkerCount     int           `mapstructure:"worker_count"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RatePermits     int           `mapstructure:"rate_permits"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
	StallTimeout    time.Duration `mapstructure:"stall_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	SkipExisting    string        `mapstructure:"skip_existing"`
	DownloadCovers  bool          `mapstructure:"download_covers"`
	CoverDimension  int           `mapstructure:"cover_dimension"`
	VideoQuality    int           `mapstructure:"video_quality"`
	ItemDelayMin    time.Duration `mapstructure:"item_delay_min"`
	ItemDelayMax    time.Duration `mapstructure:"item_delay_max"`
	CatalogURL      string        `mapstructure:"catalog_url"`
	CatalogToken    string        `mapstructure:"catalog_token"`
	CatalogCountry  string        `mapstructure:"catalog_country"`
	CatalogCacheTTL time.Duration `mapstructure:"catalog_cache_ttl"`
	StatePath       string        `mapstructure:"state_path"`
	PersistJobState bool          `mapstructure:"persist_job_state"`

	// Redis job state + progress fan-out (optional)
	RedisURL string `mapstructure:"redis_url"`

	// Postgres download history (optional)
	DBHost     string `mapstructure:"db_host"`
	DBPort     string `mapstructure:"db_port"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBName     string `mapstructure:"db_name"`

	// MinIO/S3 mirror of completed assets (optional)
	MinioEndpoint  string `mapstructure:"minio_endpoint"`
	MinioAccessKey string `mapstructure:"minio_access_key"`
	MinioSecretKey string `mapstructure:"minio_secret_key"`
	MinioBucket    string `mapstructure:"minio_bucket"`
	MinioUseSSL    bool   `mapstructure:"minio_use_ssl"`
	S3Region       string `mapstructure:"s3_region"`

	// Control API bearer tokens
	APITokenSecret string `mapstructure:"api_token_secret"`
}

// defaults mirrors the keys of Config; every key must be listed so that
// viper.AutomaticEnv can resolve it during Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"server_addr":         ":8080",
		"log_level":           "info",
		"download_dir":        defaultDownloadDir(),
		"file_template":       "{artist_name}/{album_title}/{album_track_num}. {track_title}",
		"transliterate_paths": false,
		"write_tags":          true,
		"worker_count":        3,
		"max_retries":         5,
		"rate_permits":        5,
		"rate_window":         time.Second,
		"stall_timeout":       30 * time.Second,
		"request_timeout":     45 * time.Second,
		"skip_existing":       "exact",
		"download_covers":     true,
		"cover_dimension":     1280,
		"video_quality":       1080,
		"item_delay_min":      time.Duration(0),
		"item_delay_max":      time.Duration(0),
		"catalog_url":         "",
		"catalog_token":       "",
		"catalog_country":     "US",
		"catalog_cache_ttl":   time.Hour,
		"state_path":          defaultStatePath(),
		"persist_job_state":   true,
		"redis_url":           "",
		"db_host":             "",
		"db_port":             "5432",
		"db_user":             "mediafetch",
		"db_password":         "",
		"db_name":             "mediafetch",
		"minio_endpoint":      "",
		"minio_access_key":    "",
		"minio_secret_key":    "",
		"minio_bucket":        "media-assets",
		"minio_use_ssl":       false,
		"s3_region":           "us-east-1",
		"api_token_secret":    "",
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment (upper-cased keys, e.g. WORKER_COUNT, REDIS_URL).
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("MEDIAFETCH_CONFIG"))
}

// LoadFrom is Load with an explicit config file path. An empty path searches
// ./mediafetch.yaml and the user config directory.
func LoadFrom(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is LoadFrom with command-line overrides. A flag named after a
// config key, with dashes for underscores (--worker-count), wins over the
// file and the environment once it is set.
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mediafetch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "mediafetch"))
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	keys := defaults()
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := keys[key]; ok && err == nil {
			err = v.BindPFlag(key, f)
		}
	})
	return err
}

func (c *Config) normalize() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ItemDelayMax < c.ItemDelayMin {
		c.ItemDelayMax = c.ItemDelayMin
	}
	if c.APITokenSecret == "" {
		c.APITokenSecret = os.Getenv("API_TOKEN_SECRET")
	}
	c.SkipExisting = strings.ToLower(strings.TrimSpace(c.SkipExisting))
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.SkipExisting {
	case "", "false", "disabled", "exact", "extension_ignore", "append":
	default:
		return fmt.Errorf("invalid skip_existing %q", c.SkipExisting)
	}
	if c.RatePermits > 0 && c.RateWindow <= 0 {
		return fmt.Errorf("rate_window must be positive when rate_permits is set")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download_dir is required")
	}
	return nil
}

// HistoryEnabled reports whether a Postgres history database is configured.
func (c *Config) HistoryEnabled() bool {
	return c.DBHost != ""
}

// MirrorEnabled reports whether completed assets are mirrored to object storage.
func (c *Config) MirrorEnabled() bool {
	return c.MinioEndpoint != ""
}

// GenerateSecret returns a random hex secret for signing API tokens.
func GenerateSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Music", "mediafetch")
}

func defaultStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", "mediafetch.db")
	}
	return filepath.Join(dir, "mediafetch", "jobs.db")
}
