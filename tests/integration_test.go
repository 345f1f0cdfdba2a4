//go:build integration
// +build integration

package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pushrelay/internal/config"
	"pushrelay/internal/log"
	"pushrelay/internal/push"
	"pushrelay/internal/queue"
	"pushrelay/internal/store"
	"pushrelay/internal/vapid"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestDB(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url, func() {}, nil
	}
	pgContainer, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("pushrelay"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get connection string for postgres: %w", err)
	}

	cleanup := func() {
		pgContainer.Terminate(ctx)
	}

	return dbURL, cleanup, nil
}

func setupTestRedis(ctx context.Context) (string, func(), error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}, nil
	}
	redisContainer, err := tcRedis.Run(ctx, "redis:7")
	if err != nil {
		return "", nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	cleanup := func() {
		redisContainer.Terminate(ctx)
	}

	return redisAddr, cleanup, nil
}

func subJSON(endpoint, p256dh, auth string) []byte {
	return []byte(fmt.Sprintf(`{"endpoint":%q,"keys":{"p256dh":%q,"auth":%q}}`, endpoint, p256dh, auth))
}

func TestSubStoreIntegration(t *testing.T) {
	ctx := context.Background()

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()

	subStore, err := store.NewSubStore(dbURL)
	if err != nil {
		t.Fatalf("failed to initialize store: %s", err)
	}
	defer subStore.DB().Close()

	// Schema creation is idempotent.
	if err := subStore.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %s", err)
	}
	if err := subStore.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema second call: %s", err)
	}

	// Upsert idempotence: two saves to the same endpoint leave one record
	// holding the latest key material.
	if err := subStore.Save(ctx, "https://ep1", subJSON("https://ep1", "old-key", "old-auth")); err != nil {
		t.Fatalf("save: %s", err)
	}
	if err := subStore.Save(ctx, "https://ep1", subJSON("https://ep1", "new-key", "new-auth")); err != nil {
		t.Fatalf("save again: %s", err)
	}
	subs, err := subStore.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Keys.P256dh != "new-key" || subs[0].Keys.Auth != "new-auth" {
		t.Fatalf("expected latest key material, got %+v", subs[0].Keys)
	}

	if err := subStore.Save(ctx, "", []byte(`{}`)); err == nil {
		t.Fatal("expected error for empty endpoint")
	}

	// Removing an endpoint that was never stored is a no-op.
	if err := subStore.Remove(ctx, "https://never-stored"); err != nil {
		t.Fatalf("remove unknown endpoint: %s", err)
	}
	subs, err = subStore.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(subs) != 1 {
		t.Fatalf("store changed by no-op remove: %d entries", len(subs))
	}

	if err := subStore.Remove(ctx, "https://ep1"); err != nil {
		t.Fatalf("remove: %s", err)
	}
	subs, err = subStore.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected empty store after remove, got %d", len(subs))
	}

	// Concurrent saves to distinct endpoints all land.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			endpoint := fmt.Sprintf("https://concurrent/%d", i)
			if err := subStore.Save(ctx, endpoint, subJSON(endpoint, "k", "a")); err != nil {
				t.Errorf("concurrent save %d: %s", i, err)
			}
		}(i)
	}
	wg.Wait()
	count, err := subStore.Count(ctx)
	if err != nil {
		t.Fatalf("count: %s", err)
	}
	if count != 10 {
		t.Fatalf("expected 10 subscriptions, got %d", count)
	}
}

type recordingDeliverer struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingDeliverer) Deliver(ctx context.Context, sub store.Subscription, payload []byte, keys *vapid.Keys, contact string) (bool, string) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false, err.Error()
	}
	r.mu.Lock()
	r.messages = append(r.messages, body.Message)
	r.mu.Unlock()
	return true, ""
}

func (r *recordingDeliverer) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type staticSource struct {
	subs []store.Subscription
}

func (s *staticSource) ListAll(ctx context.Context) ([]store.Subscription, error) {
	return s.subs, nil
}

func TestWorkerFIFO(t *testing.T) {
	ctx := context.Background()

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()

	keyDir := t.TempDir()
	cfg := &config.Config{
		RedisAddr:        redisAddr,
		QueueKey:         "push_queue_test",
		PopTimeout:       time.Second,
		VAPIDPublicFile:  filepath.Join(keyDir, "pub"),
		VAPIDPrivateFile: filepath.Join(keyDir, "priv"),
		PushContact:      "admin@example.com",
	}
	if err := vapid.Generate(cfg.VAPIDPublicFile, cfg.VAPIDPrivateFile); err != nil {
		t.Fatalf("generate keys: %s", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	logger := log.NewLogger()
	deliverer := &recordingDeliverer{}
	source := &staticSource{subs: []store.Subscription{{Endpoint: "https://ep1"}}}
	sender := push.NewSender(source, deliverer, cfg.PushContact, nil, logger)
	q := queue.NewQueue(rdb, cfg, nil, logger)
	worker := queue.NewWorker(rdb, cfg, sender, nil, logger)

	// Enqueue before starting the worker so consumption order is the only
	// variable. The garbage entry must be dropped without stalling the loop.
	if err := q.Enqueue(ctx, "m1"); err != nil {
		t.Fatalf("enqueue m1: %s", err)
	}
	if err := rdb.LPush(ctx, cfg.QueueKey, "{malformed").Err(); err != nil {
		t.Fatalf("push malformed job: %s", err)
	}
	if err := q.Enqueue(ctx, "m2"); err != nil {
		t.Fatalf("enqueue m2: %s", err)
	}
	if err := q.Enqueue(ctx, "m3"); err != nil {
		t.Fatalf("enqueue m3: %s", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		worker.Run(workerCtx)
		close(done)
	}()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if len(deliverer.recorded()) >= 3 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	<-done

	got := deliverer.recorded()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %v", len(got), got)
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i] != want {
			t.Fatalf("FIFO order violated at %d: got %v", i, got)
		}
	}
}
