package cached

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"torrentstream/mediaengine/internal/domain"
)

func setupRedis(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client)
}

func TestIntegrationRedisRoundtrip(t *testing.T) {
	backend := setupRedis(t)
	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { _ = backend.Delete(context.Background(), key) })

	if _, ok, err := backend.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get before Set = %v, %v", ok, err)
	}
	items := []domain.MediaMatch{match("a"), match("b")}
	if err := backend.Set(ctx, key, items, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := backend.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if len(got) != 2 || got[1].Media.MediaID != "b" {
		t.Fatalf("Get = %+v", got)
	}
}
