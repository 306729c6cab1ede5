// Package config loads runtime configuration from environment variables
// and an optional config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ChatConfig is the full runtime configuration surface shared by the
// chat loop and the memory pipelines.
type ChatConfig struct {
	// Storage
	MemoryPath string `mapstructure:"memory_path"`

	// Completion backend
	ModelURL    string   `mapstructure:"model_url"`
	ModelAPIKey string   `mapstructure:"model_api_key"`
	ModelName   string   `mapstructure:"model_name"`
	Temperature float64  `mapstructure:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	StopWords   []string `mapstructure:"stop_words"`

	// Embedding backend
	EmbeddingProvider string `mapstructure:"embedding_provider"`
	EmbeddingURL      string `mapstructure:"embedding_url"`
	EmbeddingAPIKey   string `mapstructure:"embedding_api_key"`
	EmbeddingModel    string `mapstructure:"embedding_model"`
	EmbeddingDims     int    `mapstructure:"embedding_dims"`

	// Identity
	PersonaPath string `mapstructure:"persona_path"`
	PersonaID   string `mapstructure:"persona_id"`
	UserID      string `mapstructure:"user_id"`

	// Retrieval tuning
	TopN              int     `mapstructure:"top_n"`
	RecallSize        int     `mapstructure:"recall_size"`
	MemoryWindow      int     `mapstructure:"memory_window"`
	DecayRate         float64 `mapstructure:"decay_rate"`
	LengthBoostFactor float64 `mapstructure:"length_boost_factor"`

	// Generation behavior
	Guidance string `mapstructure:"guidance"`
	NoRetry  bool   `mapstructure:"no_retry"`
}

// Load reads configuration from MNEMO_* environment variables and, when
// present, a mnemo.yaml config file in the working directory or
// $HOME/.config/mnemo/.
func Load() (*ChatConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mnemo")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mnemo")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg ChatConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("memory_path", "memory")
	v.SetDefault("model_url", "https://api.openai.com/v1")
	v.SetDefault("model_name", "gpt-4o")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 1024)
	v.SetDefault("embedding_provider", "openai")
	v.SetDefault("embedding_model", "text-embedding-3-small")
	v.SetDefault("embedding_dims", 1536)
	v.SetDefault("persona_path", "personas")
	v.SetDefault("persona_id", "assistant")
	v.SetDefault("user_id", "user")
	v.SetDefault("top_n", 10)
	v.SetDefault("recall_size", 3)
	v.SetDefault("memory_window", 16)
	v.SetDefault("decay_rate", 1.0)
	v.SetDefault("length_boost_factor", 0.35)
}
