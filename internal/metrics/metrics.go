package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"pushrelay/internal/log"
	"pushrelay/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type PushMetrics struct {
	EnqueueTotal  prometheus.Counter
	JobsTotal     *prometheus.CounterVec
	DeliveryTotal *prometheus.CounterVec
	Subscriptions prometheus.Gauge
	store         *store.SubStore
	logger        *log.Logger
}

func NewPushMetrics(subStore *store.SubStore, logger *log.Logger) *PushMetrics {
	metrics := &PushMetrics{
		EnqueueTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pushrelay_enqueue_total",
				Help: "Total number of jobs enqueued",
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushrelay_jobs_total",
				Help: "Total number of jobs consumed by the worker, by outcome",
			},
			[]string{"result"},
		),
		DeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushrelay_delivery_total",
				Help: "Total number of per-subscription delivery attempts, by outcome",
			},
			[]string{"result"},
		),
		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pushrelay_subscriptions",
				Help: "Number of stored push subscriptions",
			},
		),
		store:  subStore,
		logger: logger,
	}

	prometheus.MustRegister(
		metrics.EnqueueTotal,
		metrics.JobsTotal,
		metrics.DeliveryTotal,
		metrics.Subscriptions,
	)

	return metrics
}

func (m *PushMetrics) Run(ctx context.Context) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    ":2112",
		Handler: mux,
	}

	// Load TLS certificates
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	go m.collectMetrics(ctx)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting on :2112 with TLS")
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Info("Metrics server starting on :2112 without TLS")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *PushMetrics) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			count, err := m.store.Count(ctx)
			if err != nil {
				m.logger.Error("Failed to count subscriptions for metrics", zap.Error(err))
				continue
			}
			m.Subscriptions.Set(float64(count))
		}
	}
}
