package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pushrelay/internal/config"
	"pushrelay/internal/log"
	"pushrelay/internal/metrics"
	"pushrelay/internal/push"
	"pushrelay/internal/queue"
	"pushrelay/internal/server"
	"pushrelay/internal/store"
	"pushrelay/internal/vapid"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Key management subcommands; the server does not need to be running.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "genkeys":
			if err := vapid.Generate(cfg.VAPIDPublicFile, cfg.VAPIDPrivateFile); err != nil {
				logger.Fatal("Failed to generate VAPID keys", zap.Error(err))
			}
			logger.Info("VAPID keys written",
				zap.String("public", cfg.VAPIDPublicFile),
				zap.String("private", cfg.VAPIDPrivateFile))
			return
		case "convertkey":
			if err := vapid.ConvertPrivateToEC(cfg.VAPIDPrivateFile); err != nil {
				logger.Fatal("Failed to convert private key", zap.Error(err))
			}
			logger.Info("Private key rewritten as EC PEM",
				zap.String("private", cfg.VAPIDPrivateFile),
				zap.String("backup", cfg.VAPIDPrivateFile+".bak"))
			return
		default:
			logger.Fatal("Unknown subcommand", zap.String("arg", os.Args[1]))
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	subStore, err := store.NewSubStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer subStore.DB().Close()
	if err := subStore.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	pushMetrics := metrics.NewPushMetrics(subStore, logger)
	client := push.NewClient()
	sender := push.NewSender(subStore, client, cfg.PushContact, pushMetrics, logger)
	q := queue.NewQueue(rdb, cfg, pushMetrics, logger)
	worker := queue.NewWorker(rdb, cfg, sender, pushMetrics, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pushMetrics.Run(ctx)
	go worker.Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, subStore, q, sender, subStore.DB(), rdb)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	// Load TLS certificates
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	logger.Info("Server started", zap.String("addr", cfg.ListenAddr))
	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
