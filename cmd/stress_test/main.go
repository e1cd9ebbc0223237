package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/profile-store/internal/adapter/storage"
	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/service"
	"github.com/rl1809/profile-store/internal/port"
)

const (
	redisAddr      = "localhost:6379"
	playerCount    = 50
	opsPerPlayer   = 40
	hotKey         = "stress-hot-player"
	hotWriters     = 50
	shutdownBudget = 20 * time.Second
)

func main() {
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, PoolSize: 100})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	store := storage.NewRedisAdapter(rdb)

	// Clear previous test data
	keys := []string{hotKey}
	for i := 0; i < playerCount; i++ {
		keys = append(keys, playerKey(i))
	}
	for _, k := range keys {
		store.Delete(ctx, k)
	}

	opts := service.DefaultOptions()
	opts.Cache.Debounce = 200 * time.Millisecond
	opts.Cache.MaxDebounce = time.Second
	opts.Cache.SweepInterval = time.Second
	svc := service.NewProfileService(store, nil, opts)
	svc.Start()

	for _, k := range keys {
		if _, err := svc.StartSession(ctx, k); err != nil {
			log.Fatalf("failed to start session %s: %v", k, err)
		}
	}

	var (
		mutations atomic.Int64
		failures  atomic.Int64
		wg        sync.WaitGroup
	)
	start := time.Now()

	// Independent players: coins, inventory and save requests interleaved
	for i := 0; i < playerCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := playerKey(i)
			for op := 0; op < opsPerPlayer; op++ {
				var err error
				switch op % 4 {
				case 0, 1:
					_, err = svc.IncrementCoins(key, 10, "stress")
				case 2:
					err = svc.AddInventoryItem(key, "captured", domain.Item{
						"petId": fmt.Sprintf("pet-%d", op),
						"level": op,
					}, "stress")
				case 3:
					err = svc.SaveNow(key, "stress", port.SaveOptions{Verified: op%8 == 3, FailFast: true})
				}
				if err != nil {
					failures.Add(1)
					continue
				}
				mutations.Add(1)
			}
		}(i)
	}

	// One hot key hammered from many goroutines
	for i := 0; i < hotWriters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.IncrementCoins(hotKey, 1, "stress"); err != nil {
				failures.Add(1)
				return
			}
			mutations.Add(1)
			svc.SaveNow(hotKey, "stress", port.SaveOptions{Verified: true, FailFast: true})
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	report := svc.Shutdown(shutdownBudget)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Players:          %d (+1 hot key)\n", playerCount)
	fmt.Printf("Mutations:        %d\n", mutations.Load())
	fmt.Printf("Failed calls:     %d\n", failures.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Flushed:          %d\n", len(report.Flushed))
	fmt.Printf("Failed flushes:   %v\n", report.Failed)
	fmt.Printf("Timed out:        %v\n", report.TimedOut)
	fmt.Println("==========================================")

	// Verify what reached the backend
	wantBalance := int64(opsPerPlayer / 2 * 10)
	wantPets := opsPerPlayer / 4
	bad := 0
	for i := 0; i < playerCount; i++ {
		p := mustLoad(ctx, store, playerKey(i))
		if p.Core.Balance != wantBalance || len(p.Inventory["captured"]) != wantPets {
			bad++
			fmt.Printf("FAIL: %s balance=%d pets=%d\n", playerKey(i), p.Core.Balance, len(p.Inventory["captured"]))
		}
	}
	if bad == 0 {
		fmt.Printf("PASS: all %d players persisted balance %d and %d pets\n", playerCount, wantBalance, wantPets)
	}

	hot := mustLoad(ctx, store, hotKey)
	if hot.Core.Balance == hotWriters {
		fmt.Printf("PASS: hot key balance %d at version %d\n", hot.Core.Balance, hot.DataVersion)
	} else {
		fmt.Printf("FAIL: expected hot key balance %d, got %d\n", hotWriters, hot.Core.Balance)
	}
}

func playerKey(i int) string {
	return fmt.Sprintf("stress-player-%d", i)
}

func mustLoad(ctx context.Context, store port.RemoteStore, key string) *domain.Profile {
	blob, found, err := store.Get(ctx, key)
	if err != nil || !found {
		log.Fatalf("failed to read %s: found=%v err=%v", key, found, err)
	}
	p, err := domain.DecodeProfile(blob)
	if err != nil {
		log.Fatalf("failed to decode %s: %v", key, err)
	}
	return p
}
