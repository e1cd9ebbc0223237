package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/retry"
	"github.com/rl1809/profile-store/internal/port"
)

var errBackendDown = errors.New("backend down")

// Mock RemoteStore
type mockStore struct {
	mu   sync.Mutex
	data map[string][]byte

	hang      map[string]bool // CompareAndUpdate blocks until ctx is done
	staleRead bool            // Get returns the blob from before the last write
	previous  map[string][]byte

	failWrites atomic.Bool
	failGets   atomic.Bool

	writes     atomic.Int32
	gets       atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
	writeDelay time.Duration
	getDelay   time.Duration
}

func newMockStore() *mockStore {
	return &mockStore{
		data:     make(map[string][]byte),
		hang:     make(map[string]bool),
		previous: make(map[string][]byte),
	}
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.gets.Add(1)
	if m.getDelay > 0 {
		select {
		case <-time.After(m.getDelay):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if m.failGets.Load() {
		return nil, false, errBackendDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.data[key]
	if m.staleRead {
		blob, ok = m.previous[key]
	}
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *mockStore) CompareAndUpdate(ctx context.Context, key string, transform port.TransformFunc) ([]byte, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	hang := m.hang[key]
	m.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.failWrites.Load() {
		return nil, errBackendDown
	}
	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.data[key]
	next := transform(old)
	m.previous[key] = old
	m.data[key] = next
	m.writes.Add(1)
	return next, nil
}

func (m *mockStore) seed(t *testing.T, key string, p *domain.Profile) {
	t.Helper()
	blob, err := domain.EncodeProfile(p)
	require.NoError(t, err)
	m.mu.Lock()
	m.data[key] = blob
	m.mu.Unlock()
}

func (m *mockStore) stored(t *testing.T, key string) *domain.Profile {
	t.Helper()
	m.mu.Lock()
	blob, ok := m.data[key]
	m.mu.Unlock()
	require.True(t, ok, "no data stored for %s", key)
	p, err := domain.DecodeProfile(blob)
	require.NoError(t, err)
	return p
}

func (m *mockStore) setHang(key string) {
	m.mu.Lock()
	m.hang[key] = true
	m.mu.Unlock()
}

// Mock AuditSink
type mockAudit struct {
	mu      sync.Mutex
	records []port.AuditRecord
}

func (m *mockAudit) RecordAudit(ctx context.Context, rec port.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAudit) all() []port.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]port.AuditRecord(nil), m.records...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = discardLogger()
	opts.Cache.Debounce = 50 * time.Millisecond
	opts.Cache.MaxDebounce = 200 * time.Millisecond
	opts.Cache.SweepInterval = 0
	opts.Cache.LoadRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	opts.Writer.SettleDelay = 0
	opts.Writer.Retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	opts.Flush.InFlightWait = 100 * time.Millisecond
	opts.ForceSaveTimeout = 2 * time.Second
	return opts
}

func profileWith(balance int64, version int64) *domain.Profile {
	p := domain.NewProfile()
	p.Core.Balance = balance
	p.DataVersion = version
	p.PersistentID = "pid-1"
	return p
}
