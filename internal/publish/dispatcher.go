package publish

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crosspost/internal/eventbus"
	"crosspost/internal/media"
	"crosspost/internal/platform"
	"crosspost/internal/post"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

// AdapterSource resolves accounts to ready-to-use platform adapters.
// *platform.Factory is the production implementation.
type AdapterSource interface {
	AdapterFor(ctx context.Context, acct platform.Account) (platform.Adapter, error)
}

// DispatcherConfig tunes the worker pool and the retry policy.
type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	LeaseFor     time.Duration

	// MaxAttempts bounds a unit's total tries across requeues.
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func (c *DispatcherConfig) normalize() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Minute
	}
}

// Dispatcher drains the publish queue with a pool of workers. Each unit
// is one (post, platform, account) and is processed as a whole thread,
// resuming from the persisted cursor after a retry.
type Dispatcher struct {
	store    *store.Store
	adapters AdapterSource
	media    media.Preparer
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.RWMutex
	cfg DispatcherConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(st *store.Store, adapters AdapterSource, prep media.Preparer, bus eventbus.Bus, cfg DispatcherConfig, log logx.Logger) *Dispatcher {
	cfg.normalize()
	return &Dispatcher{
		store:    st,
		adapters: adapters,
		media:    prep,
		bus:      bus,
		log:      log.With(logx.String("component", "dispatcher")),
		cfg:      cfg,
	}
}

// Apply swaps the retry and polling knobs at runtime. The worker count is
// fixed at Start; a change there is reported and takes effect on restart.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	cfg.normalize()
	d.mu.Lock()
	if cfg.Workers != d.cfg.Workers {
		d.log.Warn("worker count change requires restart",
			logx.Int("running", d.cfg.Workers), logx.Int("configured", cfg.Workers))
	}
	cfg.Workers = d.cfg.Workers
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() DispatcherConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Start launches the worker pool. Stop or context cancellation drains it.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	workers := d.config().Workers
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers))
}

// Stop signals the workers and waits for in-flight units to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	log := d.log.With(logx.Int("worker", n))

	// Store poll errors back off exponentially instead of hot-looping
	// against a briefly unavailable database file.
	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cfg := d.config()
		unit, err := d.store.ReceiveUnit(ctx, cfg.LeaseFor)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pollBackoff.Reset()
			if !sleepCtx(ctx, cfg.PollInterval) {
				return
			}
			continue
		case err != nil:
			log.Error("receive unit", logx.Err(err))
			if !sleepCtx(ctx, pollBackoff.NextBackOff()) {
				return
			}
			continue
		}
		pollBackoff.Reset()
		d.process(ctx, log, unit)
	}
}

// process runs one leased unit to a terminal outcome: done, requeued, or
// dead.
func (d *Dispatcher) process(ctx context.Context, log logx.Logger, unit store.QueueUnit) {
	log = log.With(
		logx.Int64("post_id", unit.PostID),
		logx.String("platform", string(unit.PlatformID)),
		logx.Int64("account_id", unit.AccountID),
		logx.Int("attempt", unit.Attempts+1),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitStarted, Data: unit.ID})

	acct, err := d.store.Account(ctx, unit.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		d.discard(ctx, log, unit, "account vanished")
		return
	}
	if err != nil {
		d.retryOrFail(ctx, log, unit, platform.WrapErr(platform.CodeUnavailable, true, err))
		return
	}

	root, children, err := d.store.LoadPostWithThread(ctx, unit.PostID)
	if errors.Is(err, store.ErrNotFound) {
		d.discard(ctx, log, unit, "post vanished")
		return
	}
	if err != nil {
		d.retryOrFail(ctx, log, unit, platform.WrapErr(platform.CodeUnavailable, true, err))
		return
	}

	if _, err := d.store.ApplyEntryResult(ctx, unit.PostID, unit.PlatformID, unit.AccountID, post.AccountResult{
		AccountID: unit.AccountID, Status: post.EntryProcessing,
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.discard(ctx, log, unit, "selection vanished")
			return
		}
		d.retryOrFail(ctx, log, unit, platform.WrapErr(platform.CodeUnavailable, true, err))
		return
	}

	adapter, err := d.adapters.AdapterFor(ctx, acct)
	if err != nil {
		d.retryOrFail(ctx, log, unit, err)
		return
	}

	segments := post.ThreadSegments(root, children)
	for i := unit.NextIndex; i < len(segments); i++ {
		ref, err := d.publishSegment(ctx, adapter, unit, segments[i], i)
		if err != nil {
			// Later segments are never attempted past a failed one; the
			// cursor keeps the split so a retry resumes right here.
			unit.NextIndex = i
			d.retryOrFail(ctx, log, unit, err)
			return
		}
		unit.LastExternalID = ref.ExternalID
		if i == 0 {
			unit.RootExternalID = ref.ExternalID
			unit.RootExternalURL = ref.ExternalURL
		}
		unit.NextIndex = i + 1
		if err := d.store.UpdateUnitProgress(ctx, unit); err != nil {
			log.Error("persist cursor", logx.Err(err))
		}
	}

	// Record the terminal result before acking. If the process dies (or
	// the store errors) in between, the unit stays leased, the reaper
	// requeues it, and the replay skips every published segment via the
	// cursor and lands here again; the upsert is idempotent. Acking first
	// would leave the entry stuck at processing with nothing to finish it.
	agg, err := d.store.ApplyEntryResult(ctx, unit.PostID, unit.PlatformID, unit.AccountID, post.AccountResult{
		AccountID:   unit.AccountID,
		Status:      post.EntryPublished,
		ExternalID:  unit.RootExternalID,
		ExternalURL: unit.RootExternalURL,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.discard(ctx, log, unit, "selection vanished")
			return
		}
		log.Error("record publish result", logx.Err(err))
		return
	}
	if err := d.store.AckUnit(ctx, unit.ID); err != nil {
		log.Error("ack unit", logx.Err(err))
	}
	log.Info("unit published", logx.Int("segments", len(segments)))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitSucceeded, Data: unit.ID})
	if agg == post.StatusPublished {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypePostPublished, Data: unit.PostID})
	}
}

func (d *Dispatcher) publishSegment(ctx context.Context, adapter platform.Adapter, unit store.QueueUnit, seg *post.Post, idx int) (platform.PostRef, error) {
	files, err := d.store.MediaFor(ctx, platform.MediaOwner{Kind: platform.OwnerPost, ID: seg.ID})
	if err != nil {
		return platform.PostRef{}, platform.WrapErr(platform.CodeUnavailable, true, err)
	}
	prepared := make([]platform.MediaFile, 0, len(files))
	for _, f := range files {
		// Media preparation failures are terminal for the segment.
		out, err := d.media.PrepareForPlatform(ctx, f, unit.PlatformID)
		if err != nil {
			return platform.PostRef{}, err
		}
		prepared = append(prepared, out)
	}

	req := platform.PostRequest{
		Content:        seg.Content,
		Media:          prepared,
		IdempotencyKey: fmt.Sprintf("%s:%d", unit.ID, idx),
	}
	if idx > 0 {
		req.ReplyToExternalID = unit.LastExternalID
		req.RootExternalID = unit.RootExternalID
	}
	return adapter.CreatePost(ctx, req)
}

// retryOrFail applies the retry policy: retryable errors requeue with
// exponential backoff until the attempt ceiling, everything else is
// terminal and lands on the platform entry as failed.
func (d *Dispatcher) retryOrFail(ctx context.Context, log logx.Logger, unit store.QueueUnit, cause error) {
	if platform.IsRetryable(cause) && unit.Attempts+1 < d.config().MaxAttempts {
		delay := d.retryDelay(unit.Attempts, cause)
		if err := d.store.NackUnit(ctx, unit, delay, cause.Error()); err != nil {
			log.Error("requeue unit", logx.Err(err))
			return
		}
		log.Warn("unit requeued", logx.Duration("delay", delay), logx.Err(cause))
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitRetried, Data: unit.ID})
		return
	}

	// Terminal result first, then the queue transition, so a crash in
	// between leaves a leased unit for the reaper instead of a dead unit
	// with its entry stuck at processing.
	agg, err := d.store.ApplyEntryResult(ctx, unit.PostID, unit.PlatformID, unit.AccountID, post.AccountResult{
		AccountID: unit.AccountID,
		Status:    post.EntryFailed,
		Error:     cause.Error(),
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("record failure", logx.Err(err))
		return
	}
	if err := d.store.FailUnit(ctx, unit.ID, cause.Error()); err != nil {
		log.Error("fail unit", logx.Err(err))
	}
	log.Error("unit failed", logx.Err(cause))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitFailed, Data: unit.ID})
	if agg == post.StatusFailed {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypePostFailed, Data: unit.PostID})
	}
}

// retryDelay is base*2^attempt with ±20% jitter, capped. A server-sent
// Retry-After hint overrides the computed delay, still capped.
func (d *Dispatcher) retryDelay(attempts int, cause error) time.Duration {
	cfg := d.config()
	if pe, ok := platform.AsPublishError(cause); ok && pe.RetryAfter > 0 {
		if pe.RetryAfter > cfg.RetryCap {
			return cfg.RetryCap
		}
		return pe.RetryAfter
	}
	delay := cfg.RetryBase << uint(attempts)
	if delay > cfg.RetryCap {
		delay = cfg.RetryCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}

func (d *Dispatcher) discard(ctx context.Context, log logx.Logger, unit store.QueueUnit, reason string) {
	if err := d.store.AckUnit(ctx, unit.ID); err != nil {
		log.Error("discard unit", logx.Err(err))
		return
	}
	log.Debug("unit discarded", logx.String("reason", reason))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
