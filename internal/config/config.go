// Package config handles Advisor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/advisor/config.yaml, /etc/advisor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "advisor", "config.yaml"))
	}

	paths = append(paths, "/etc/advisor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Advisor configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Redis        RedisConfig        `yaml:"redis"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Backend      BackendConfig      `yaml:"backend"`
	Conversation ConversationConfig `yaml:"conversation"`
	Gate         GateConfig         `yaml:"gate"`
	AuditDB      string             `yaml:"audit_db"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// RedisConfig defines the conversation store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpenAIConfig defines the chat completion provider settings.
// APIKey is required for any model call; without it the service starts
// but every chat request fails with a configuration error.
type OpenAIConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"` // Defaults to the public OpenAI endpoint
	Model           string `yaml:"model"`
	ClassifierModel string `yaml:"classifier_model"` // Defaults to Model when empty
}

// BackendConfig defines the wealth platform data services.
type BackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ConversationConfig bounds persisted conversation state.
type ConversationConfig struct {
	// MaxTurns caps stored turns per conversation; oldest are evicted first.
	MaxTurns int `yaml:"max_turns"`
	// HistoryTTL is refreshed on every write to the turn history.
	HistoryTTL time.Duration `yaml:"history_ttl"`
	// IntentTTL is refreshed on every write to the intent state.
	IntentTTL time.Duration `yaml:"intent_ttl"`
	// MaxEntities caps the recent-entity memory per conversation.
	MaxEntities int `yaml:"max_entities"`
	// HistoryLimit is how many turns a full response loads.
	HistoryLimit int `yaml:"history_limit"`
	// IntentHistoryLimit is the smaller window the intent gate sees.
	IntentHistoryLimit int `yaml:"intent_history_limit"`
}

// GateConfig tunes the intent gate thresholds. Rejection requires a
// materially higher confidence bar than mere doubt: a false off-topic
// costs more than an extra clarifying turn.
type GateConfig struct {
	// HardBlockConfidence is the minimum classifier confidence required
	// to refuse a message as off-topic.
	HardBlockConfidence float64 `yaml:"hard_block_confidence"`
	// ClarifyConfidence is the floor below which a low-confidence
	// off-topic verdict is ignored and the message proceeds.
	ClarifyConfidence float64 `yaml:"clarify_confidence"`
	// SecondPassBand is the distance from HardBlockConfidence within
	// which an off-topic verdict earns a second, more lenient pass.
	SecondPassBand float64 `yaml:"second_pass_band"`
	// ShortFollowUpMaxWords is the word-count ceiling for the
	// short-follow-up heuristic.
	ShortFollowUpMaxWords int `yaml:"short_follow_up_max_words"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Conversation: ConversationConfig{
			MaxTurns:           40,
			HistoryTTL:         7 * 24 * time.Hour,
			IntentTTL:          7 * 24 * time.Hour,
			MaxEntities:        10,
			HistoryLimit:       20,
			IntentHistoryLimit: 6,
		},
		Gate: GateConfig{
			HardBlockConfidence:   0.85,
			ClarifyConfidence:     0.55,
			SecondPassBand:        0.1,
			ShortFollowUpMaxWords: 5,
		},
	}
}
