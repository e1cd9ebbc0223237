package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/profile-store/internal/core/domain"
)

func newBadgerAdapter(t *testing.T) *BadgerAdapter {
	t.Helper()
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerAdapter(db)
}

func bumpVersion(old []byte) []byte {
	p := domain.NewProfile()
	if len(old) > 0 {
		if stored, err := domain.DecodeProfile(old); err == nil {
			p = stored
		}
	}
	p.DataVersion++
	p.Core.Balance++
	blob, _ := domain.EncodeProfile(p)
	return blob
}

func TestBadgerAdapter_GetMissing(t *testing.T) {
	a := newBadgerAdapter(t)
	_, found, err := a.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerAdapter_CompareAndUpdate(t *testing.T) {
	a := newBadgerAdapter(t)
	ctx := context.Background()

	var seen [][]byte
	written, err := a.CompareAndUpdate(ctx, "player-1", func(old []byte) []byte {
		seen = append(seen, old)
		return bumpVersion(old)
	})
	require.NoError(t, err)
	assert.Nil(t, seen[len(seen)-1])
	assert.Equal(t, int64(1), domain.StoredVersion(written))

	blob, found, err := a.Get(ctx, "player-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, written, blob)
}

func TestBadgerAdapter_ConcurrentUpdatesSerialize(t *testing.T) {
	a := newBadgerAdapter(t)
	ctx := context.Background()

	const writers = 4
	const perWriter = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := a.CompareAndUpdate(ctx, "shared", bumpVersion); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	blob, found, err := a.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, found)
	p, err := domain.DecodeProfile(blob)
	require.NoError(t, err)
	// Every successful update is counted exactly once.
	assert.Equal(t, int64(writers*perWriter-len(failures)), p.DataVersion)
	assert.Equal(t, p.DataVersion, p.Core.Balance)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrOptimisticLock, fmt.Sprint(err))
	}
}

func TestBadgerAdapter_CancelledContext(t *testing.T) {
	a := newBadgerAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.CompareAndUpdate(ctx, "player-1", bumpVersion)
	assert.ErrorIs(t, err, context.Canceled)
}
