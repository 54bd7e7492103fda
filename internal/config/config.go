package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	// DefaultPort is the port the relay binds when nothing else is configured.
	DefaultPort = 19999
	// DefaultHost is the loopback-only default bind address.
	DefaultHost = "127.0.0.1"
)

// Config holds the runtime configuration of the relay.
type Config struct {
	// Channel options (channels.pwa-chat.* in the config file).
	Enabled bool
	Host    string
	Port    int

	// GatewayToken is required from non-loopback, non-proxied callers
	// (gateway.auth.token in the config file).
	GatewayToken string

	// StateDir is the root directory for history and push subscription files.
	StateDir string

	// Logging
	LogLevel  string
	LogFormat string

	// Server
	ShutdownTimeoutSeconds int
}

// fileConfig mirrors the nested layout of the on-disk config file.
type fileConfig struct {
	Channels struct {
		PwaChat struct {
			Enabled *bool   `yaml:"enabled"`
			Host    *string `yaml:"host"`
			Port    *int    `yaml:"port"`
		} `yaml:"pwa-chat"`
	} `yaml:"channels"`
	Gateway struct {
		Auth struct {
			Token *string `yaml:"token"`
		} `yaml:"auth"`
	} `yaml:"gateway"`
}

var AppConfig *Config

// LoadConfig builds AppConfig from environment variables and, when present,
// the YAML config file. The config file owns the nested channel options;
// environment variables cover the flat ones.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Enabled: getEnvAsBool("PWA_CHAT_ENABLED", true),
		Host:    getEnvOrDefault("PWA_CHAT_HOST", DefaultHost),
		Port:    getEnvAsInt("PWA_CHAT_PORT", DefaultPort),

		GatewayToken: getEnvOrDefault("GATEWAY_AUTH_TOKEN", ""),

		StateDir: getEnvOrDefault("OPENCLAW_STATE_DIR", defaultStateDir()),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		ShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath == "" {
		return
	}

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
}

// LoadConfigFile applies the nested YAML options on top of config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	var fc fileConfig
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(&fc); err != nil {
		// An empty file decodes to EOF; treat it as "no overrides".
		if err == io.EOF {
			return nil
		}
		return err
	}

	if fc.Channels.PwaChat.Enabled != nil {
		config.Enabled = *fc.Channels.PwaChat.Enabled
	}
	if fc.Channels.PwaChat.Host != nil && *fc.Channels.PwaChat.Host != "" {
		config.Host = *fc.Channels.PwaChat.Host
	}
	if fc.Channels.PwaChat.Port != nil && *fc.Channels.PwaChat.Port != 0 {
		config.Port = *fc.Channels.PwaChat.Port
	}
	if fc.Gateway.Auth.Token != nil {
		config.GatewayToken = *fc.Gateway.Auth.Token
	}

	return nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return filepath.Join(home, ".openclaw")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as bool, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
