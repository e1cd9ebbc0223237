package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/profile-store/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisCompareAndUpdate_CreatesKey(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	adapter.Delete(ctx, "test-player")

	// Test
	written, err := adapter.CompareAndUpdate(ctx, "test-player", bumpVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := domain.StoredVersion(written); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	// Verify
	blob, found, err := adapter.Get(ctx, "test-player")
	if err != nil || !found {
		t.Fatalf("expected stored profile, found=%v err=%v", found, err)
	}
	if string(blob) != string(written) {
		t.Error("stored blob differs from written blob")
	}
	rev, _ := adapter.Revision(ctx, "test-player")
	if rev != 1 {
		t.Errorf("expected revision 1, got %d", rev)
	}
}

func TestRedisGet_KeyNotExists(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	adapter.Delete(ctx, "nonexistent-player")

	_, found, err := adapter.Get(ctx, "nonexistent-player")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected key to be absent")
	}
}

func TestRedisCompareAndUpdate_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	adapter.Delete(ctx, "test-concurrent")

	totalRequests := 50
	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := adapter.CompareAndUpdate(ctx, "test-concurrent", bumpVersion); err == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	blob, _, err := adapter.Get(ctx, "test-concurrent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := domain.StoredVersion(blob); v != int64(successCount.Load()) {
		t.Errorf("expected version %d, got %d", successCount.Load(), v)
	}
}
