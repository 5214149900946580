package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the settlement gateway service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	RequestsPerSecond    float64
	RequestBurst         int
	WebhookQueueCapacity int
	WebhookHistorySize   int
	WebhookQueueTTL      time.Duration
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("SETTLEMENT_GATEWAY_LISTEN", ":8081"),
		NodeURL:              os.Getenv("SETTLEMENT_GATEWAY_NODE_URL"),
		NodeAuthToken:        os.Getenv("SETTLEMENT_GATEWAY_NODE_TOKEN"),
		DatabasePath:         getenvDefault("SETTLEMENT_GATEWAY_DB_PATH", "settlement-gateway.db"),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		RequestsPerSecond:    10,
		RequestBurst:         20,
		WebhookQueueCapacity: defaultTaskCapacity,
		WebhookHistorySize:   defaultHistoryCapacity,
		WebhookQueueTTL:      defaultQueueTTL,
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_RATE_LIMIT")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_RATE_LIMIT: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_RATE_LIMIT must be positive")
		}
		cfg.RequestsPerSecond = val
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_RATE_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_RATE_BURST: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_RATE_BURST must be positive")
		}
		cfg.RequestBurst = val
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_QUEUE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_QUEUE_CAP must be positive")
		}
		cfg.WebhookQueueCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_QUEUE_HISTORY")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_QUEUE_HISTORY: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_QUEUE_HISTORY must be positive")
		}
		cfg.WebhookHistorySize = val
	}

	if raw := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SETTLEMENT_GATEWAY_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SETTLEMENT_GATEWAY_QUEUE_TTL must be positive")
		}
		cfg.WebhookQueueTTL = dur
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("SETTLEMENT_GATEWAY_NODE_URL is required")
	}

	// Parse API keys from JSON array: [{"key":"...","secret":"..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("SETTLEMENT_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("SETTLEMENT_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, err
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
