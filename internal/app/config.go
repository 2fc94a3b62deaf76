package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	TorrentDataDir         string `mapstructure:"TORRENT_DATA_DIR"`
	TorrentMaxConns        int    `mapstructure:"TORRENT_MAX_CONNS"`
	TorrentMetadataTimeout int    `mapstructure:"TORRENT_METADATA_TIMEOUT_SECONDS"`

	Repository      string `mapstructure:"REPOSITORY"`
	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDatabase   string `mapstructure:"MONGO_DB"`
	MongoCollection string `mapstructure:"MONGO_COLLECTION"`
	BoltPath        string `mapstructure:"BOLT_PATH"`

	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisTTLSeconds int    `mapstructure:"REDIS_TTL_SECONDS"`

	SearchServiceURL    string  `mapstructure:"SEARCH_SERVICE_URL"`
	SourceRatePerSec    float64 `mapstructure:"SOURCE_RATE_PER_SEC"`
	SourceMaxConcurrent int     `mapstructure:"SOURCE_MAX_CONCURRENT"`
	FetchRetryAttempts  int     `mapstructure:"FETCH_RETRY_ATTEMPTS"`
	FetchRetryDelayMS   int     `mapstructure:"FETCH_RETRY_DELAY_MS"`

	HistoryPageSize    int    `mapstructure:"HISTORY_PAGE_SIZE"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

const (
	RepositoryMongo = "mongo"
	RepositoryBolt  = "bolt"
)

var defaults = map[string]any{
	"HTTP_ADDR":                        ":8080",
	"LOG_LEVEL":                        "info",
	"LOG_FORMAT":                       "text",
	"TORRENT_DATA_DIR":                 "data",
	"TORRENT_MAX_CONNS":                35,
	"TORRENT_METADATA_TIMEOUT_SECONDS": 60,
	"REPOSITORY":                       RepositoryBolt,
	"MONGO_URI":                        "mongodb://localhost:27017",
	"MONGO_DB":                         "mediaengine",
	"MONGO_COLLECTION":                 "media_caches",
	"BOLT_PATH":                        "data/mediaengine.db",
	"REDIS_ADDR":                       "",
	"REDIS_TTL_SECONDS":                1800,
	"SEARCH_SERVICE_URL":               "http://localhost:8090",
	"SOURCE_RATE_PER_SEC":              2.0,
	"SOURCE_MAX_CONCURRENT":            4,
	"FETCH_RETRY_ATTEMPTS":             3,
	"FETCH_RETRY_DELAY_MS":             300,
	"HISTORY_PAGE_SIZE":                50,
	"CORS_ALLOWED_ORIGINS":             "",
}

// LoadConfig reads configuration from the environment, optionally layered
// over a file named by MEDIAENGINE_CONFIG. The environment always wins.
func LoadConfig() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("MEDIAENGINE_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Repository = strings.ToLower(strings.TrimSpace(c.Repository))
	if c.Repository != RepositoryMongo {
		c.Repository = RepositoryBolt
	}
	if c.TorrentMaxConns < 0 {
		c.TorrentMaxConns = 0
	}
	if c.SourceMaxConcurrent <= 0 {
		c.SourceMaxConcurrent = 1
	}
	if c.FetchRetryAttempts <= 0 {
		c.FetchRetryAttempts = 1
	}
	if c.FetchRetryDelayMS < 0 {
		c.FetchRetryDelayMS = 0
	}
}

func (c Config) MetadataTimeout() time.Duration {
	return time.Duration(c.TorrentMetadataTimeout) * time.Second
}

func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.RedisTTLSeconds) * time.Second
}

func (c Config) FetchRetryDelay() time.Duration {
	return time.Duration(c.FetchRetryDelayMS) * time.Millisecond
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
