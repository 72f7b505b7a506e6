package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile        string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	AuthSecret    string
	AdminPassword string
	TokenExpiry   time.Duration

	// HeartbeatInterval throttles persisted last-active updates coming
	// from the realtime channel.
	HeartbeatInterval time.Duration

	// Web push is disabled when the VAPID keys are empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
	}

	cfg := &Config{
		DBFile:            getEnv("GOVORILKA_DB", "govorilka.db"),
		AdminAddr:         getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:       getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:        os.Getenv("AUTH_SECRET"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", "1337chat"),
		TokenExpiry:       tokenExpiry,
		HeartbeatInterval: heartbeat,
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:    getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
