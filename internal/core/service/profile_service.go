package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/guard"
	"github.com/rl1809/profile-store/internal/core/sanitize"
	"github.com/rl1809/profile-store/internal/port"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrItemNotFound        = errors.New("item not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

var _ port.Orchestrator = (*ProfileService)(nil)

type Options struct {
	Cache    CacheOptions
	Flush    FlushOptions
	Writer   WriterOptions
	Guard    guard.Thresholds
	Sanitize sanitize.Limits
	// ForceSaveTimeout bounds ForceFullSaveNow and atomic transactions.
	ForceSaveTimeout time.Duration
	Logger           *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Cache:            DefaultCacheOptions(),
		Flush:            DefaultFlushOptions(),
		Writer:           DefaultWriterOptions(),
		Guard:            guard.DefaultThresholds(),
		Sanitize:         sanitize.DefaultLimits(),
		ForceSaveTimeout: 15 * time.Second,
	}
}

// TransactionResult reports an atomic transaction. The in-memory mutation
// stands even when Saved is false.
type TransactionResult struct {
	Balance int64
	Removed int
	Saved   bool
	Version int64
}

// ProfileService is the single entry point the simulation layer uses to read
// and mutate profiles and to request saves.
type ProfileService struct {
	cache    *ProfileCache
	flusher  *FlushCoordinator
	notifier *Notifier
	opts     Options
	logger   *slog.Logger
}

func NewProfileService(store port.RemoteStore, audit port.AuditSink, opts Options) *ProfileService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Cache.Logger = logger.With("component", "cache")
	opts.Flush.Logger = logger.With("component", "flush")
	opts.Writer.Logger = logger.With("component", "writer")

	notifier := NewNotifier()
	writer := NewVerifiedWriter(store, sanitize.New(opts.Sanitize), guard.New(opts.Guard), audit, opts.Writer)
	cache := NewProfileCache(store, writer, notifier, opts.Cache)
	return &ProfileService{
		cache:    cache,
		flusher:  NewFlushCoordinator(cache, opts.Flush),
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Start launches the periodic flush sweep.
func (s *ProfileService) Start() {
	s.cache.Start()
}

// StartSession loads the profile for key and returns a copy.
func (s *ProfileService) StartSession(ctx context.Context, key string) (*domain.Profile, error) {
	p, err := s.cache.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return p, nil
}

// EndSession runs the final save for key and evicts it when that succeeds.
func (s *ProfileService) EndSession(ctx context.Context, key string) bool {
	return s.flusher.FlushOne(ctx, key, "session_end")
}

// Shutdown stops background scheduling and flushes every cached profile
// within deadline.
func (s *ProfileService) Shutdown(deadline time.Duration) FlushReport {
	s.cache.Close()
	return s.flusher.FlushAll(deadline)
}

func (s *ProfileService) GetProfile(key string) (*domain.Profile, error) {
	return s.cache.Get(key)
}

// WaitForProfile loads key if needed, giving up after timeout.
func (s *ProfileService) WaitForProfile(ctx context.Context, key string, timeout time.Duration) (*domain.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.cache.Load(ctx, key)
}

func (s *ProfileService) Subscribe(buffer int) (<-chan Event, func()) {
	return s.notifier.Subscribe(buffer)
}

func (s *ProfileService) SetCoins(key string, amount int64, reason string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if err := s.cache.Mutate(key, reason, func(p *domain.Profile) error {
		p.Core.Balance = amount
		return nil
	}); err != nil {
		return err
	}
	return s.SaveNow(key, reason, port.SaveOptions{})
}

// IncrementCoins adds delta to the balance. A delta that would take the
// balance below zero is rejected.
func (s *ProfileService) IncrementCoins(key string, delta int64, reason string) (int64, error) {
	var balance int64
	if err := s.cache.Mutate(key, reason, func(p *domain.Profile) error {
		if p.Core.Balance+delta < 0 {
			return ErrInsufficientBalance
		}
		p.Core.Balance += delta
		balance = p.Core.Balance
		return nil
	}); err != nil {
		return 0, err
	}
	return balance, s.SaveNow(key, reason, port.SaveOptions{})
}

// AddInventoryItem upserts item by its canonical id. Items missing the id a
// category requires are rejected without touching the profile.
func (s *ProfileService) AddInventoryItem(key, category string, item domain.Item, reason string) error {
	if err := s.cache.Mutate(key, reason, func(p *domain.Profile) error {
		return p.AddItem(category, item)
	}); err != nil {
		return err
	}
	return s.SaveNow(key, reason, port.SaveOptions{})
}

func (s *ProfileService) RemoveInventoryItem(key, category, id, reason string) error {
	if err := s.cache.Mutate(key, reason, func(p *domain.Profile) error {
		if p.RemoveItem(category, id) == 0 {
			return fmt.Errorf("%w: %s/%s", ErrItemNotFound, category, id)
		}
		return nil
	}); err != nil {
		return err
	}
	return s.SaveNow(key, reason, port.SaveOptions{})
}

// ApplyAtomicTransaction removes items and credits payout in one mutation,
// then performs a verified save. Nothing changes when an item is missing or
// the balance would go negative. When the save fails the mutation stays in
// memory and the returned error carries the cause.
func (s *ProfileService) ApplyAtomicTransaction(ctx context.Context, key string, payout int64, removed []domain.ItemRef, reason string) (TransactionResult, error) {
	var res TransactionResult
	err := s.cache.Mutate(key, reason, func(p *domain.Profile) error {
		if p.Core.Balance+payout < 0 {
			return ErrInsufficientBalance
		}
		for _, ref := range removed {
			if _, ok := p.FindItem(ref.Category, ref.ID); !ok {
				return fmt.Errorf("%w: %s/%s", ErrItemNotFound, ref.Category, ref.ID)
			}
		}
		for _, ref := range removed {
			res.Removed += p.RemoveItem(ref.Category, ref.ID)
		}
		p.Core.Balance += payout
		res.Balance = p.Core.Balance
		return nil
	})
	if err != nil {
		return res, err
	}

	ok, err := s.ForceFullSaveNow(ctx, key, reason)
	res.Saved = ok
	if p, getErr := s.cache.Get(key); getErr == nil {
		res.Version = p.DataVersion
	}
	if err != nil {
		s.logger.Error("atomic transaction not persisted", "key", key, "reason", reason, "error", err)
		return res, fmt.Errorf("transaction applied but not saved: %w", err)
	}
	return res, nil
}

// MarkDirty flags key as changed without requesting a save; the periodic
// sweep persists it.
func (s *ProfileService) MarkDirty(key, reason string) error {
	return s.cache.MarkDirty(key, reason)
}

// SaveNow requests an asynchronous save. Throttled requests are deferred, not
// rejected.
func (s *ProfileService) SaveNow(key, reason string, opts port.SaveOptions) error {
	var err error
	if opts.Verified {
		err = s.cache.RequestVerifiedSave(key, reason, opts.FailFast)
	} else {
		err = s.cache.ScheduleSave(key, reason)
	}
	if errors.Is(err, ErrThrottled) {
		s.logger.Debug("save request throttled", "key", key, "reason", reason)
		return nil
	}
	return err
}

// ForceFullSaveNow performs a verified save and waits for it. On success the
// backend holds a version at least as new as the profile at call time.
func (s *ProfileService) ForceFullSaveNow(ctx context.Context, key, reason string) (bool, error) {
	if s.opts.ForceSaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ForceSaveTimeout)
		defer cancel()
	}
	return s.cache.ForceSave(ctx, key, reason, false)
}

// WaitForSaveComplete blocks until the next save for key finishes.
func (s *ProfileService) WaitForSaveComplete(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.cache.WaitForSave(ctx, key)
}

// CachedKeys lists the profiles currently held in memory.
func (s *ProfileService) CachedKeys() []string {
	return s.cache.Keys()
}
