package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type FlushOptions struct {
	// InFlightWait bounds how long a flush waits for a running save before
	// starting its own.
	InFlightWait time.Duration
	// FlushTimeout bounds one key's verified save.
	FlushTimeout time.Duration
	// SessionEndFailFast makes session-end saves a single attempt that falls
	// back to the debounced path on failure.
	SessionEndFailFast bool
	// DuplicateWindow ignores a repeated flush of a clean key.
	DuplicateWindow time.Duration
	// PollInterval is how often shutdown checks for outstanding saves.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func DefaultFlushOptions() FlushOptions {
	return FlushOptions{
		InFlightWait:       3 * time.Second,
		FlushTimeout:       10 * time.Second,
		SessionEndFailFast: true,
		DuplicateWindow:    5 * time.Second,
		PollInterval:       50 * time.Millisecond,
	}
}

// FlushReport is the outcome of a shutdown flush.
type FlushReport struct {
	Flushed  []string
	Failed   []string
	TimedOut []string
}

// FlushCoordinator drives the final saves on session end and shutdown.
type FlushCoordinator struct {
	cache  *ProfileCache
	opts   FlushOptions
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time
}

func NewFlushCoordinator(cache *ProfileCache, opts FlushOptions) *FlushCoordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FlushCoordinator{
		cache:  cache,
		opts:   opts,
		logger: logger,
		recent: make(map[string]time.Time),
	}
}

// FlushOne runs the final verified save for key and evicts it on success.
// On failure the key stays cached, marked ended, and is retried on the
// debounced path. A key mutated while the final save ran also stays cached
// and is evicted once those changes are saved.
func (f *FlushCoordinator) FlushOne(ctx context.Context, key, reason string) bool {
	f.cache.MarkEnded(key)
	ok := f.flush(ctx, key, reason, "session_end", f.opts.SessionEndFailFast)
	if ok && !f.cache.Evict(key) {
		f.logger.Info("profile changed during final save, keeping it cached", "key", key)
		if err := f.cache.ScheduleSave(key, reason); err != nil && !errors.Is(err, ErrThrottled) {
			f.logger.Warn("schedule save after session end", "key", key, "error", err)
		}
	}
	return ok
}

func (f *FlushCoordinator) flush(ctx context.Context, key, reason, trigger string, failFast bool) bool {
	ctx, span := startSpan(ctx, "FlushCoordinator.Flush", key)
	defer span.End()

	if f.isDuplicate(key) {
		flushTotal.WithLabelValues(trigger, "duplicate").Inc()
		return true
	}

	if f.opts.InFlightWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, f.opts.InFlightWait)
		if err := f.cache.WaitIdle(wctx, key); err != nil {
			f.logger.Warn("flush proceeding past in-flight save", "key", key, "trigger", trigger)
		}
		cancel()
	}

	if f.opts.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.FlushTimeout)
		defer cancel()
	}
	ok, err := f.cache.ForceSave(ctx, key, reason, failFast)
	flushTotal.WithLabelValues(trigger, resultLabel(ok)).Inc()
	if !ok {
		f.logger.Error("profile flush failed", "key", key, "trigger", trigger, "reason", reason, "error", err)
		return false
	}

	f.mu.Lock()
	f.recent[key] = time.Now()
	f.mu.Unlock()
	f.logger.Info("profile flushed", "key", key, "trigger", trigger)
	return true
}

func (f *FlushCoordinator) isDuplicate(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.recent[key]
	if !ok {
		return false
	}
	if time.Since(at) > f.opts.DuplicateWindow {
		delete(f.recent, key)
		return false
	}
	_, err := f.cache.Get(key)
	return err != nil || !f.cache.IsDirty(key)
}

type flushResult struct {
	key string
	ok  bool
}

// maxFlushRounds bounds how often shutdown re-flushes keys that were mutated
// while their previous flush ran.
const maxFlushRounds = 3

// FlushAll flushes every cached key concurrently and returns once all are
// done or deadline elapses, whichever comes first. Keys still running at the
// deadline are reported as timed out and their writes abandoned. A flushed
// key that picked up new changes meanwhile is flushed again.
func (f *FlushCoordinator) FlushAll(deadline time.Duration) FlushReport {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	keys := f.cache.Keys()
	f.logger.Info("flushing all profiles", "count", len(keys), "deadline", deadline)

	status := make(map[string]string, len(keys))
	for round := 1; len(keys) > 0; round++ {
		for key, st := range f.flushRound(ctx, keys) {
			status[key] = st
		}
		f.waitInFlight(ctx)

		var again []string
		for _, key := range keys {
			if status[key] != "flushed" || f.cache.Evict(key) {
				continue
			}
			if ctx.Err() != nil || round == maxFlushRounds {
				status[key] = "timed_out"
				continue
			}
			again = append(again, key)
		}
		if len(again) > 0 {
			f.logger.Info("re-flushing profiles changed during flush", "count", len(again), "round", round+1)
		}
		keys = again
	}

	var report FlushReport
	for key, st := range status {
		switch st {
		case "flushed":
			report.Flushed = append(report.Flushed, key)
		case "failed":
			report.Failed = append(report.Failed, key)
		default:
			report.TimedOut = append(report.TimedOut, key)
		}
	}
	sort.Strings(report.Flushed)
	sort.Strings(report.Failed)
	sort.Strings(report.TimedOut)
	if len(report.TimedOut) > 0 || len(report.Failed) > 0 {
		f.logger.Warn("shutdown flush incomplete",
			"flushed", len(report.Flushed),
			"failed", report.Failed,
			"timed_out", report.TimedOut,
		)
	} else {
		f.logger.Info("shutdown flush complete", "flushed", len(report.Flushed))
	}
	return report
}

// flushRound flushes keys in parallel and classifies each one. Keys without
// a result when ctx ends are timed out.
func (f *FlushCoordinator) flushRound(ctx context.Context, keys []string) map[string]string {
	results := make(chan flushResult, len(keys))
	for _, key := range keys {
		go func(key string) {
			results <- flushResult{key: key, ok: f.flush(ctx, key, "shutdown", "shutdown", false)}
		}(key)
	}

	status := make(map[string]string, len(keys))
	for _, key := range keys {
		status[key] = "timed_out"
	}

	for pending := len(keys); pending > 0; pending-- {
		select {
		case r := <-results:
			switch {
			case r.ok:
				status[r.key] = "flushed"
			case ctx.Err() != nil:
				status[r.key] = "timed_out"
			default:
				status[r.key] = "failed"
			}
		case <-ctx.Done():
			return status
		}
	}
	return status
}

// waitInFlight gives saves started by timers or the sweep a chance to land.
func (f *FlushCoordinator) waitInFlight(ctx context.Context) {
	poll := f.opts.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for f.cache.InFlight() && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(poll):
		}
	}
}
