package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pushrelay/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// SubStore persists push subscriptions in a single Postgres table keyed by
// endpoint. Each call is an independent short transaction; concurrent
// handlers and the worker share one instance.
type SubStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSubStore(dbURL string) (*SubStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &SubStore{
		db:     db,
		logger: log.NewLogger(),
	}, nil
}

func (s *SubStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the subscriptions table if it does not exist.
// Idempotent and safe to call from multiple processes at startup.
func (s *SubStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
           CREATE TABLE IF NOT EXISTS subscriptions (
               id BIGSERIAL PRIMARY KEY,
               endpoint TEXT UNIQUE NOT NULL,
               subscription JSONB NOT NULL,
               created_at TIMESTAMP WITH TIME ZONE NOT NULL
           )
       `)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Save upserts a subscription by endpoint. The raw client JSON is stored
// verbatim; the creation timestamp is assigned server-side at write time.
func (s *SubStore) Save(ctx context.Context, endpoint string, raw []byte) error {
	if endpoint == "" {
		return fmt.Errorf("save subscription: empty endpoint")
	}
	_, err := s.db.ExecContext(ctx, `
           INSERT INTO subscriptions (endpoint, subscription, created_at)
           VALUES ($1, $2, now())
           ON CONFLICT (endpoint) DO UPDATE
           SET subscription = EXCLUDED.subscription,
               created_at = EXCLUDED.created_at
       `, endpoint, raw)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// ListAll returns every stored subscription. Callers must not depend on
// ordering. Rows whose stored JSON no longer decodes are logged and skipped.
func (s *SubStore) ListAll(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT endpoint, subscription FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var endpoint string
		var raw []byte
		if err := rows.Scan(&endpoint, &raw); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			s.logger.Error("Skipping undecodable subscription row", zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// Remove deletes the subscription for the given endpoint. Removing an
// endpoint that is not stored is a no-op.
func (s *SubStore) Remove(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return nil
}

// Count returns the number of stored subscriptions, used by the metrics
// collector.
func (s *SubStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}
