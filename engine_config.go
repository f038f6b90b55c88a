package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// EngineConfig represents the JSON configuration for the engine: relay
// lists, wallet connection, and signing mode.
type EngineConfig struct {
	DefaultRelays []string `json:"defaultRelays"`
	ProfileRelays []string `json:"profileRelays"`
	PublishRelays []string `json:"publishRelays"`

	// NWCURI is a nostr+walletconnect:// URI; empty means zaps hand off
	// to an external wallet app.
	NWCURI string `json:"nwcUri"`

	// SigningMode selects the gateway backend: "local" or "external".
	SigningMode string `json:"signingMode"`
	// PrivateKey is the hex key for local signing. Generated if empty.
	PrivateKey string `json:"privateKey"`

	// RedisURL enables the persistent metadata cache backend when set.
	RedisURL string `json:"redisUrl"`
}

var (
	engineConfig     *EngineConfig
	engineConfigMu   sync.RWMutex
	engineConfigOnce sync.Once
)

// GetEngineConfig returns the current engine configuration (thread-safe)
func GetEngineConfig() *EngineConfig {
	engineConfigOnce.Do(func() {
		engineConfigMu.Lock()
		defer engineConfigMu.Unlock()
		if engineConfig == nil {
			engineConfig = loadEngineConfigFromFile()
		}
	})

	engineConfigMu.RLock()
	defer engineConfigMu.RUnlock()
	return engineConfig
}

// ReloadEngineConfig reloads the configuration from file
func ReloadEngineConfig() error {
	newConfig := loadEngineConfigFromFile()
	engineConfigMu.Lock()
	defer engineConfigMu.Unlock()
	engineConfig = newConfig
	slog.Info("engine configuration reloaded")
	return nil
}

func loadEngineConfigFromFile() *EngineConfig {
	configPath := os.Getenv("ENGINE_CONFIG")
	if configPath == "" {
		configPath = "config/engine.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", configPath)
		} else {
			slog.Warn("could not read config, using defaults", "path", configPath, "error", err)
		}
		return getDefaultEngineConfig()
	}

	var config EngineConfig
	if err := json.Unmarshal(data, &config); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", configPath, "error", err)
		return getDefaultEngineConfig()
	}

	// Env vars override the secrets so they stay out of the file.
	if uri := os.Getenv("NWC_URI"); uri != "" {
		config.NWCURI = uri
	}
	if key := os.Getenv("NOSTR_PRIVATE_KEY"); key != "" {
		config.PrivateKey = key
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}
	if len(config.DefaultRelays) == 0 {
		config.DefaultRelays = getDefaultEngineConfig().DefaultRelays
	}

	slog.Info("loaded engine configuration",
		"path", configPath,
		"default_relays", len(config.DefaultRelays),
		"profile_relays", len(config.ProfileRelays),
		"publish_relays", len(config.PublishRelays),
		"has_wallet", config.NWCURI != "",
		"signing_mode", config.SigningMode)
	return &config
}

// getDefaultEngineConfig returns the embedded default configuration
func getDefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
		SigningMode: "local",
	}
}

// GetReadRelays returns the relays used for subscriptions.
func (c *EngineConfig) GetReadRelays() []string {
	return c.DefaultRelays
}

// GetProfileRelays returns the relays used for metadata lookups, falling
// back to the default set.
func (c *EngineConfig) GetProfileRelays() []string {
	if len(c.ProfileRelays) > 0 {
		return c.ProfileRelays
	}
	return c.DefaultRelays
}

// GetPublishRelays returns the relays events are broadcast to, falling back
// to the default set.
func (c *EngineConfig) GetPublishRelays() []string {
	if len(c.PublishRelays) > 0 {
		return c.PublishRelays
	}
	return c.DefaultRelays
}
