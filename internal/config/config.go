// Package config holds all engram configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engram configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Ranking   RankingConfig   `mapstructure:"ranking"`
	Session   SessionConfig   `mapstructure:"session"`
	Compactor CompactorConfig `mapstructure:"compactor"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"` // "openai", "hash"
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
}

type RankingConfig struct {
	Similarity float64 `mapstructure:"similarity"`
	Confidence float64 `mapstructure:"confidence"`
	Salience   float64 `mapstructure:"salience"`
	Recency    float64 `mapstructure:"recency"`
}

type SessionConfig struct {
	ActivatedCap int           `mapstructure:"activated_cap"`
	MentionCap   int           `mapstructure:"mention_cap"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type CompactorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	DropIndexEntries bool          `mapstructure:"drop_index_entries"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38800,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Embedding: EmbeddingConfig{
			Provider: "hash",
		},
		Ranking: RankingConfig{
			Similarity: 0.5,
			Confidence: 0.2,
			Salience:   0.2,
			Recency:    0.1,
		},
		Session: SessionConfig{
			ActivatedCap: 32,
			MentionCap:   5,
			TTL:          12 * time.Hour,
		},
		Compactor: CompactorConfig{
			Interval:         time.Minute,
			BatchSize:        100,
			DropIndexEntries: true,
		},
	}
}

// Load reads configuration from ~/.engram/config.yaml (or the file at
// ENGRAM_CONFIG) layered over defaults, with ENGRAM_* environment
// variables overriding both. A missing config file is not an error.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("engram")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("ENGRAM_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".engram"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("ranking.similarity", d.Ranking.Similarity)
	v.SetDefault("ranking.confidence", d.Ranking.Confidence)
	v.SetDefault("ranking.salience", d.Ranking.Salience)
	v.SetDefault("ranking.recency", d.Ranking.Recency)
	v.SetDefault("session.activated_cap", d.Session.ActivatedCap)
	v.SetDefault("session.mention_cap", d.Session.MentionCap)
	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("compactor.interval", d.Compactor.Interval)
	v.SetDefault("compactor.batch_size", d.Compactor.BatchSize)
	v.SetDefault("compactor.drop_index_entries", d.Compactor.DropIndexEntries)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
