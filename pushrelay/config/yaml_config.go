// --- File: pushrelay/config/yaml_config.go ---
package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlCollectionsConfig struct {
	Requests string `yaml:"requests"`
	Content  string `yaml:"content"`
	Tokens   string `yaml:"tokens"`
}

type YamlBroadcastConfig struct {
	Topic     string `yaml:"topic"`
	ChannelID string `yaml:"channel_id"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID               string                `yaml:"project_id"`
	ListenAddr              string                `yaml:"listen_addr"`
	TopicID                 string                `yaml:"topic_id"`
	SubscriptionID          string                `yaml:"subscription_id"`
	SubscriptionDLQTopicID  string                `yaml:"subscription_dlq_topic_id"`
	FirebaseCredentialsFile string                `yaml:"firebase_credentials_file"`
	WatchEnabled            bool                  `yaml:"watch_enabled"`
	Collections             YamlCollectionsConfig `yaml:"collections"`
	Broadcast               YamlBroadcastConfig   `yaml:"broadcast"`
	CorsConfig              YamlCorsConfig        `yaml:"cors"`
	RedisConfig             YamlRedisConfig       `yaml:"redis"`
	NumPipelineWorkers      int                   `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	if baseCfg == nil {
		return nil, errors.New("yaml config is nil")
	}
	logger.Debug("Mapping YAML config to base config struct")

	role := middleware.CorsRole(baseCfg.CorsConfig.Role)
	switch role {
	case "", middleware.CorsRoleDefault, middleware.CorsRoleEditor, middleware.CorsRoleAdmin:
	default:
		return nil, fmt.Errorf("unknown cors role %q", baseCfg.CorsConfig.Role)
	}

	cfg := &Config{
		ProjectID:               baseCfg.ProjectID,
		ListenAddr:              baseCfg.ListenAddr,
		TopicID:                 baseCfg.TopicID,
		SubscriptionID:          baseCfg.SubscriptionID,
		FirebaseCredentialsFile: baseCfg.FirebaseCredentialsFile,
		WatchEnabled:            baseCfg.WatchEnabled,
		BroadcastTopic:          baseCfg.Broadcast.Topic,
		BroadcastChannelID:      baseCfg.Broadcast.ChannelID,
		Collections: CollectionsConfig{
			Requests: baseCfg.Collections.Requests,
			Content:  baseCfg.Collections.Content,
			Tokens:   baseCfg.Collections.Tokens,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           role,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"watch_enabled", cfg.WatchEnabled,
	)

	return cfg, nil
}
