package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rl1809/profile-store/internal/core/domain"
	"github.com/rl1809/profile-store/internal/core/retry"
	"github.com/rl1809/profile-store/internal/port"
)

type CacheOptions struct {
	// Debounce is the quiet period after the last save request.
	Debounce time.Duration
	// MaxDebounce caps how long repeated requests can push a save back.
	MaxDebounce time.Duration
	// ThrottleLimit save requests are admitted per ThrottleWindow; the rest
	// are deferred to the end of the window.
	ThrottleLimit  int
	ThrottleWindow time.Duration
	// DedupeWindow short-circuits a verified save when an identical one
	// succeeded this recently.
	DedupeWindow time.Duration
	// SweepInterval is how often dirty entries are checked; PeriodicFlush is
	// how long an entry may stay dirty before the sweep saves it.
	SweepInterval time.Duration
	PeriodicFlush time.Duration
	// WriteTimeout bounds one background write, retries included.
	WriteTimeout time.Duration
	// LoadTimeout bounds a backend load shared by concurrent callers. It is
	// detached from any one caller's context.
	LoadTimeout time.Duration
	LoadRetry   retry.Policy
	Logger       *slog.Logger
}

func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		Debounce:       2 * time.Second,
		MaxDebounce:    10 * time.Second,
		ThrottleLimit:  6,
		ThrottleWindow: time.Minute,
		DedupeWindow:   2 * time.Second,
		SweepInterval:  5 * time.Second,
		PeriodicFlush:  60 * time.Second,
		WriteTimeout:   30 * time.Second,
		LoadTimeout:    10 * time.Second,
		LoadRetry: retry.Policy{
			Attempts:  3,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  time.Second,
			Jitter:    0.5,
		},
	}
}

// saveSpec describes one save the cache hands to the writer.
type saveSpec struct {
	verified bool
	failFast bool
}

func (s saveSpec) mode() string {
	if s.verified {
		return "verified"
	}
	return "debounced"
}

func (s saveSpec) writeOptions() WriteOptions {
	if s.verified {
		return WriteOptions{Verify: true, FailFast: s.failFast}
	}
	// The cheap path makes one attempt; the key stays dirty on failure and
	// the sweep picks it up again.
	return WriteOptions{FailFast: true}
}

type saveResult struct {
	ok      bool
	version int64
	err     error
}

type outcome struct {
	at       time.Time
	ok       bool
	verified bool
	seq      uint64
	err      error
}

type entry struct {
	key string

	mu         sync.Mutex
	profile    *domain.Profile
	seq        uint64 // bumped on every mutation
	savedSeq   uint64
	dirty      bool
	dirtySince time.Time
	lastReason string

	saving  bool
	pending *pendingSave

	timer        *time.Timer
	timerGen     uint64
	timerReason  string
	firstRequest time.Time
	limiter      *rate.Limiter

	last      outcome
	blocked   bool // last write vetoed; cleared by the next mutation
	ended     bool // session over; evict after the next successful save
	evicted   bool // removed from the cache; lookups must start over
	completed chan struct{}
}

type pendingSave struct {
	reason   string
	verified bool
}

func (e *entry) markDirtyLocked(now time.Time, reason string) {
	e.seq++
	if !e.dirty {
		e.dirty = true
		e.dirtySince = now
	}
	e.lastReason = reason
	e.blocked = false
}

// ProfileCache owns the in-memory profiles and every save scheduling decision.
type ProfileCache struct {
	store    port.RemoteStore
	writer   *VerifiedWriter
	notifier *Notifier
	opts     CacheOptions
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	loads   singleflight.Group

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewProfileCache(store port.RemoteStore, writer *VerifiedWriter, notifier *Notifier, opts CacheOptions) *ProfileCache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &ProfileCache{
		store:    store,
		writer:   writer,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *ProfileCache) newLimiter() *rate.Limiter {
	if c.opts.ThrottleLimit <= 0 || c.opts.ThrottleWindow <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	every := c.opts.ThrottleWindow / time.Duration(c.opts.ThrottleLimit)
	return rate.NewLimiter(rate.Every(every), c.opts.ThrottleLimit)
}

func (c *ProfileCache) lookup(key string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

// lockEntry returns the live entry for key with its lock held.
func (c *ProfileCache) lockEntry(key string) (*entry, error) {
	for {
		e := c.lookup(key)
		if e == nil {
			return nil, ErrNoProfile
		}
		e.mu.Lock()
		if !e.evicted {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// Load returns a copy of the profile for key, loading it from the backend on
// first use. A key that cannot be read after retries, or holds an undecodable
// blob, gets a default profile.
func (c *ProfileCache) Load(ctx context.Context, key string) (*domain.Profile, error) {
	if e := c.lookup(key); e != nil {
		return e.snapshot(), nil
	}
	// The shared load must outlive any single caller giving up.
	ch := c.loads.DoChan(key, func() (any, error) {
		if e := c.lookup(key); e != nil {
			return e, nil
		}
		lctx := context.WithoutCancel(ctx)
		if c.opts.LoadTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, c.opts.LoadTimeout)
			defer cancel()
		}
		return c.load(lctx, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*entry).snapshot(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("load %s: %w", key, ctx.Err())
	}
}

func (c *ProfileCache) load(ctx context.Context, key string) (*entry, error) {
	ctx, span := startSpan(ctx, "ProfileCache.Load", key)
	defer span.End()

	p, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	now := c.now()
	e := &entry{
		key:       key,
		profile:   p,
		limiter:   c.newLimiter(),
		completed: make(chan struct{}),
	}
	if p.Migrate() {
		e.markDirtyLocked(now, "schema_migration")
	}
	if p.PersistentID == "" {
		p.PersistentID = uuid.NewString()
		e.markDirtyLocked(now, "assign_persistent_id")
	}

	c.mu.Lock()
	c.entries[key] = e
	cachedProfiles.Set(float64(len(c.entries)))
	c.mu.Unlock()

	c.logger.Info("profile loaded",
		"key", key,
		"version", p.DataVersion,
		"from_backend", p.Meta.Loaded,
		"migrated", p.Meta.Migrated,
	)
	c.notifier.publish(Event{Kind: EventProfileReady, Key: key, Success: true, Version: p.DataVersion, Profile: p.Clone()})
	return e, nil
}

func (c *ProfileCache) fetch(ctx context.Context, key string) (*domain.Profile, error) {
	blob, err := retry.WithBackoff(ctx, c.opts.LoadRetry, func(ctx context.Context, attempt int) ([]byte, error) {
		b, found, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return b, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("load %s: %w", key, ctxErr)
		}
		c.logger.Warn("profile load failed, using default", "key", key, "error", err)
		return domain.NewProfile(), nil
	}
	if blob == nil {
		return domain.NewProfile(), nil
	}

	p, err := domain.DecodeProfile(blob)
	if err != nil {
		c.logger.Error("stored profile undecodable, using default", "key", key, "error", err)
		return domain.NewProfile(), nil
	}
	p.Meta.Loaded = true
	s := p.Summary()
	p.Meta.LastSaved = &s
	return p, nil
}

func (e *entry) snapshot() *domain.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile.Clone()
}

// Get returns a copy of a cached profile without loading.
func (c *ProfileCache) Get(key string) (*domain.Profile, error) {
	e := c.lookup(key)
	if e == nil {
		return nil, ErrNoProfile
	}
	return e.snapshot(), nil
}

// Mutate runs fn against the live profile under its entry lock and marks the
// entry dirty when fn succeeds. fn must leave the profile untouched when it
// returns an error.
func (c *ProfileCache) Mutate(key, reason string, fn func(p *domain.Profile) error) error {
	e, err := c.lockEntry(key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := fn(e.profile); err != nil {
		return err
	}
	e.markDirtyLocked(c.now(), reason)
	return nil
}

func (c *ProfileCache) MarkDirty(key, reason string) error {
	return c.Mutate(key, reason, func(*domain.Profile) error { return nil })
}

func (c *ProfileCache) IsDirty(key string) bool {
	e := c.lookup(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// ScheduleSave requests a debounced save. Requests inside the debounce window
// collapse into one write carrying the latest state. ErrThrottled means the
// request was accepted but deferred to the end of the throttle window.
func (c *ProfileCache) ScheduleSave(key, reason string) error {
	e, err := c.lockEntry(key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if !e.limiter.Allow() {
		saveRequestsTotal.WithLabelValues("throttled").Inc()
		if e.timer == nil && !e.saving {
			c.armLocked(e, c.opts.ThrottleWindow, reason)
		} else if e.saving {
			e.coalesceLocked(reason, false)
		}
		return ErrThrottled
	}
	if e.saving {
		saveRequestsTotal.WithLabelValues("coalesced").Inc()
		e.coalesceLocked(reason, false)
		return nil
	}
	saveRequestsTotal.WithLabelValues("debounced").Inc()
	c.armLocked(e, c.debounceDelayLocked(e), reason)
	return nil
}

func (e *entry) coalesceLocked(reason string, verified bool) {
	if e.pending == nil {
		e.pending = &pendingSave{}
	}
	e.pending.reason = reason
	e.pending.verified = e.pending.verified || verified
}

func (c *ProfileCache) debounceDelayLocked(e *entry) time.Duration {
	delay := c.opts.Debounce
	if e.firstRequest.IsZero() || c.opts.MaxDebounce <= 0 {
		return delay
	}
	remaining := c.opts.MaxDebounce - c.now().Sub(e.firstRequest)
	if remaining < delay {
		delay = max(remaining, 0)
	}
	return delay
}

// armLocked (re)starts the debounce timer. Nothing is armed once the cache is
// closed; shutdown flushes whatever is still dirty.
func (c *ProfileCache) armLocked(e *entry, delay time.Duration, reason string) {
	if c.closing() {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	if e.firstRequest.IsZero() {
		e.firstRequest = c.now()
	}
	e.timerReason = reason
	e.timer = time.AfterFunc(delay, func() { c.fire(e, gen) })
}

func (c *ProfileCache) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.firstRequest = time.Time{}
}

func (c *ProfileCache) fire(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timerGen != gen || e.timer == nil {
		return
	}
	e.timer = nil
	e.firstRequest = time.Time{}
	reason := e.timerReason
	if e.saving {
		e.coalesceLocked(reason, false)
		return
	}
	if !e.dirty {
		return
	}
	c.beginSaveLocked(e, reason, saveSpec{})
}

// beginSaveLocked hands a snapshot to the writer on its own goroutine. The
// returned channel receives exactly one result.
func (c *ProfileCache) beginSaveLocked(e *entry, reason string, spec saveSpec) <-chan saveResult {
	e.saving = true
	snap := e.profile.Clone()
	seq := e.seq
	ch := make(chan saveResult, 1)

	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		res, err := c.writer.Write(ctx, e.key, snap, reason, spec.writeOptions())
		cancel()

		saveDuration.WithLabelValues(spec.mode()).Observe(time.Since(start).Seconds())
		saveTotal.WithLabelValues(spec.mode(), resultLabel(err == nil)).Inc()
		c.finishSave(e, seq, reason, spec, res, err)
		ch <- saveResult{ok: err == nil, version: res.Version, err: err}
	}()
	return ch
}

func (c *ProfileCache) finishSave(e *entry, seq uint64, reason string, spec saveSpec, res WriteResult, err error) {
	e.mu.Lock()
	e.saving = false
	ok := err == nil
	blocked := errors.Is(err, ErrBlocked)

	if ok {
		if res.Version > e.profile.DataVersion {
			e.profile.DataVersion = res.Version
		}
		if res.Merged && res.Adopted != nil {
			if n := e.profile.Adopt(res.Adopted); n > 0 {
				c.logger.Info("adopted backend entries after merge", "key", e.key, "count", n)
			}
		}
		summary := res.Summary
		e.profile.Meta.LastSaved = &summary
		e.savedSeq = seq
		if e.seq == seq {
			e.dirty = false
			e.dirtySince = time.Time{}
		}
	} else if blocked && e.seq == seq {
		e.blocked = true
	}
	e.last = outcome{at: c.now(), ok: ok, verified: spec.verified, seq: seq, err: err}
	close(e.completed)
	e.completed = make(chan struct{})

	pending := e.pending
	e.pending = nil
	switch {
	case pending != nil && pending.verified:
		c.beginSaveLocked(e, pending.reason, saveSpec{verified: true})
	case pending != nil:
		c.armLocked(e, c.debounceDelayLocked(e), pending.reason)
	case !ok && spec.verified && spec.failFast && !blocked:
		// A fail-fast verified save falls back to the debounced path.
		c.armLocked(e, c.debounceDelayLocked(e), reason)
	}
	evict := ok && e.ended && e.timer == nil
	version := e.profile.DataVersion
	e.mu.Unlock()

	if err != nil && !blocked {
		c.logger.Warn("profile save failed", "key", e.key, "reason", reason, "mode", spec.mode(), "error", err)
	} else if ok {
		c.logger.Debug("profile saved", "key", e.key, "reason", reason, "mode", spec.mode(), "version", version)
	}
	if evict {
		c.evictEntry(e)
	}
	c.notifier.publish(Event{Kind: EventSaveComplete, Key: e.key, Success: ok, Version: version, Reason: reason})
}

// ForceSave performs a verified save now. It waits for an in-flight save on
// the key to finish first and gives up when ctx is done; a write already
// handed to the backend then completes in the background.
func (c *ProfileCache) ForceSave(ctx context.Context, key, reason string, failFast bool) (bool, error) {
	for {
		e, err := c.lockEntry(key)
		if err != nil {
			return false, err
		}
		if e.saving {
			done := e.completed
			e.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return false, fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
			}
		}
		if c.dedupeLocked(e) {
			e.mu.Unlock()
			saveRequestsTotal.WithLabelValues("deduped").Inc()
			return true, nil
		}
		saveRequestsTotal.WithLabelValues("verified").Inc()
		c.stopTimerLocked(e)
		ch := c.beginSaveLocked(e, reason, saveSpec{verified: true, failFast: failFast})
		e.mu.Unlock()

		select {
		case r := <-ch:
			return r.ok, r.err
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", ErrSaveTimeout, ctx.Err())
		}
	}
}

// RequestVerifiedSave starts a verified save without waiting for it. A save
// already in flight absorbs the request and runs it afterwards.
func (c *ProfileCache) RequestVerifiedSave(key, reason string, failFast bool) error {
	e, err := c.lockEntry(key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.saving {
		saveRequestsTotal.WithLabelValues("coalesced").Inc()
		e.coalesceLocked(reason, true)
		return nil
	}
	if c.dedupeLocked(e) {
		saveRequestsTotal.WithLabelValues("deduped").Inc()
		return nil
	}
	saveRequestsTotal.WithLabelValues("verified").Inc()
	c.stopTimerLocked(e)
	c.beginSaveLocked(e, reason, saveSpec{verified: true, failFast: failFast})
	return nil
}

func (c *ProfileCache) dedupeLocked(e *entry) bool {
	if c.opts.DedupeWindow <= 0 {
		return false
	}
	last := e.last
	return last.ok && last.verified && last.seq == e.seq && c.now().Sub(last.at) <= c.opts.DedupeWindow
}

// WaitIdle blocks until no save is in flight for key or ctx is done.
func (c *ProfileCache) WaitIdle(ctx context.Context, key string) error {
	e := c.lookup(key)
	if e == nil {
		return nil
	}
	for {
		e.mu.Lock()
		if !e.saving {
			e.mu.Unlock()
			return nil
		}
		done := e.completed
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
		}
	}
}

// WaitForSave blocks until the next save for key completes and reports
// whether it succeeded.
func (c *ProfileCache) WaitForSave(ctx context.Context, key string) (bool, error) {
	e := c.lookup(key)
	if e == nil {
		return false, ErrNoProfile
	}
	e.mu.Lock()
	done := e.completed
	e.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %v", ErrSaveTimeout, ctx.Err())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.ok, e.last.err
}

// InFlight reports whether any key has a save running.
func (c *ProfileCache) InFlight() bool {
	for _, e := range c.all() {
		e.mu.Lock()
		saving := e.saving
		e.mu.Unlock()
		if saving {
			return true
		}
	}
	return false
}

// MarkEnded flags the session for key as over; the entry is evicted after
// its next successful save.
func (c *ProfileCache) MarkEnded(key string) {
	if e := c.lookup(key); e != nil {
		e.mu.Lock()
		e.ended = true
		e.mu.Unlock()
	}
}

// Evict drops key from the cache unless it holds unsaved changes or a save
// is running. It reports whether key is no longer cached.
func (c *ProfileCache) Evict(key string) bool {
	e := c.lookup(key)
	if e == nil {
		return true
	}
	return c.evictEntry(e)
}

// evictEntry removes e while holding its lock, so a mutation either lands
// before the dirty check or finds the entry gone.
func (c *ProfileCache) evictEntry(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return true
	}
	if e.dirty || e.saving {
		return false
	}
	c.stopTimerLocked(e)
	e.evicted = true

	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
		cachedProfiles.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()
	return true
}

// Keys returns the cached keys in stable order.
func (c *ProfileCache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (c *ProfileCache) all() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Start runs the periodic sweep until Close.
func (c *ProfileCache) Start() {
	if c.opts.SweepInterval <= 0 || !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// sweep saves entries that have stayed dirty past PeriodicFlush with no save
// pending. Entries whose last write was vetoed wait for the next mutation.
func (c *ProfileCache) sweep() {
	now := c.now()
	for _, e := range c.all() {
		e.mu.Lock()
		if e.dirty && !e.saving && e.timer == nil && !e.blocked && now.Sub(e.dirtySince) >= c.opts.PeriodicFlush {
			saveRequestsTotal.WithLabelValues("periodic").Inc()
			c.beginSaveLocked(e, "periodic_flush", saveSpec{})
		}
		e.mu.Unlock()
	}
}

func (c *ProfileCache) closing() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Close stops the sweep and every pending debounce timer. Saves already
// running are not interrupted.
func (c *ProfileCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}
	for _, e := range c.all() {
		e.mu.Lock()
		c.stopTimerLocked(e)
		e.mu.Unlock()
	}
}
