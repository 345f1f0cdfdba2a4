package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"pushrelay/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	QueueKey         string
	PopTimeout       time.Duration
	VAPIDPublicFile  string
	VAPIDPrivateFile string
	PushContact      string
	JWTSecret        string
	ListenAddr       string
}

func Load() (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Log but continue, as .env is optional if variables are set elsewhere
		logger := log.NewLogger()
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	logger := log.NewLogger()
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		QueueKey:         os.Getenv("QUEUE_KEY"),
		PopTimeout:       3 * time.Second,
		VAPIDPublicFile:  os.Getenv("VAPID_PUBLIC_FILE"),
		VAPIDPrivateFile: os.Getenv("VAPID_PRIVATE_FILE"),
		PushContact:      os.Getenv("PUSH_CONTACT"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		ListenAddr:       os.Getenv("LISTEN_ADDR"),
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = "push_queue"
	}
	if timeout := os.Getenv("POP_TIMEOUT"); timeout != "" {
		secs, err := strconv.Atoi(timeout)
		if err != nil || secs <= 0 {
			logger.Error("Invalid POP_TIMEOUT", zap.String("value", timeout))
			return nil, fmt.Errorf("invalid POP_TIMEOUT: %s", timeout)
		}
		cfg.PopTimeout = time.Duration(secs) * time.Second
	}
	if cfg.VAPIDPublicFile == "" {
		cfg.VAPIDPublicFile = "vapid_public.key"
	}
	if cfg.VAPIDPrivateFile == "" {
		cfg.VAPIDPrivateFile = "vapid_private.key"
	}
	if cfg.PushContact == "" {
		cfg.PushContact = "admin@iamcalledned.ai"
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, immediate send endpoint will be unauthenticated")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}
