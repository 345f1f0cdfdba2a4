package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"pushrelay/internal/config"
	"pushrelay/internal/log"
	"pushrelay/internal/push"
	"pushrelay/internal/vapid"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SubscriptionStore is the mutating slice of the store the handlers need.
type SubscriptionStore interface {
	Save(ctx context.Context, endpoint string, raw []byte) error
	Remove(ctx context.Context, endpoint string) error
}

// Enqueuer appends a job to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, message string) error
}

// Broadcaster fans one message out to every stored subscription.
type Broadcaster interface {
	SendToAll(ctx context.Context, message string, keys *vapid.Keys) ([]push.Result, int, error)
}

const defaultMessage = "Test push"

func SetupRouter(r *chi.Mux, cfg *config.Config, subs SubscriptionStore, q Enqueuer, sender Broadcaster, db *sql.DB, rdb *redis.Client) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Error("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Get("/push/vapid_public", func(w http.ResponseWriter, r *http.Request) {
		key, err := os.ReadFile(cfg.VAPIDPublicFile)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "no key"})
			return
		}
		// The client consumes the raw base64url key directly, no transformation.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(strings.TrimSpace(string(key))))
	})

	r.Post("/push/subscribe", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Error("Failed to read subscribe body", zap.Error(err))
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		var sub struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal(body, &sub); err != nil || sub.Endpoint == "" {
			logger.Error("Invalid subscribe request", zap.Error(err))
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if err := subs.Save(r.Context(), sub.Endpoint, body); err != nil {
			logger.Error("Failed to save subscription", zap.Error(err), zap.String("endpoint", sub.Endpoint))
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("Saved subscription", zap.String("endpoint", sub.Endpoint))
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	r.Post("/push/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Invalid unsubscribe request", zap.Error(err))
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		// Removing an unknown endpoint is a no-op, not an error.
		if err := subs.Remove(r.Context(), req.Endpoint); err != nil {
			logger.Error("Failed to remove subscription", zap.Error(err), zap.String("endpoint", req.Endpoint))
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("Removed subscription", zap.String("endpoint", req.Endpoint))
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	r.Post("/push/send", func(w http.ResponseWriter, r *http.Request) {
		message := decodeMessage(r)
		if err := q.Enqueue(r.Context(), message); err != nil {
			logger.Error("Failed to enqueue push job", zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"queued": true})
	})

	r.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(authMiddleware(cfg.JWTSecret, logger))
		}
		// Synchronous fan-out over network calls; admin/test use only.
		r.Post("/push/send_now", func(w http.ResponseWriter, r *http.Request) {
			message := decodeMessage(r)
			keys, err := vapid.Load(cfg.VAPIDPublicFile, cfg.VAPIDPrivateFile)
			if err != nil {
				logger.Error("Failed to load VAPID keys", zap.Error(err))
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if keys == nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "VAPID private key not configured"})
				return
			}
			start := time.Now()
			results, sent, err := sender.SendToAll(r.Context(), message, keys)
			if err != nil {
				logger.Error("Immediate send failed", zap.Error(err))
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			logger.Info("Immediate send complete", zap.Int("sent", sent), zap.Int("subscriptions", len(results)), zap.Duration("duration", time.Since(start)))
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"sent":    sent,
				"results": results,
			})
		})
	})
}

// decodeMessage pulls the message out of the request body, tolerating an
// absent or empty body and falling back to the default text.
func decodeMessage(r *http.Request) string {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		return defaultMessage
	}
	return req.Message
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type claimsKey struct{}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
