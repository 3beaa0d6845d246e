package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "crosspost/pkg/logx"
)

// Account carries the credentials one adapter instance publishes with.
// Credentials are opaque to the pipeline; only the adapter constructor for
// the matching platform interprets them.
type Account struct {
	ID          int64
	UserID      int64
	Platform    ID
	Credentials map[string]string
	IsActive    bool
}

// Constructor builds an adapter bound to one account. Construction may do
// network work (e.g. Bluesky session creation), so it takes a context.
type Constructor func(ctx context.Context, acct Account, opts Options) (Adapter, error)

// Options are cross-platform adapter knobs supplied by the factory.
type Options struct {
	HTTPTimeout time.Duration
	Limiter     *rate.Limiter
	Log         logx.Logger
}

// Rate caps outbound publish calls for one platform. A zero PerSecond
// disables the limiter; Burst defaults to ceil(PerSecond) when unset.
type Rate struct {
	PerSecond float64
	Burst     int
}

func (r Rate) limiter() *rate.Limiter {
	if r.PerSecond <= 0 {
		return nil
	}
	burst := r.Burst
	if burst <= 0 {
		burst = int(r.PerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(r.PerSecond), burst)
}

// FactoryConfig controls adapter construction.
type FactoryConfig struct {
	HTTPTimeout time.Duration
	Rates       map[ID]Rate
}

// Factory turns accounts into adapters. It keeps credential handling out
// of orchestration code: workers only ever see the Adapter interface.
type Factory struct {
	mu    sync.Mutex
	cfg   FactoryConfig
	ctors map[ID]Constructor
	log   logx.Logger

	// One limiter per platform, shared by every account on that platform
	// so parallel accounts cannot multiply the outbound rate.
	limiters map[ID]*rate.Limiter
}

func NewFactory(cfg FactoryConfig, ctors map[ID]Constructor, log logx.Logger) *Factory {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Factory{
		cfg:      cfg,
		ctors:    ctors,
		log:      log,
		limiters: map[ID]*rate.Limiter{},
	}
	for id, r := range cfg.Rates {
		if lim := r.limiter(); lim != nil {
			f.limiters[id] = lim
		}
	}
	return f
}

// Apply swaps rate limits at runtime. Existing adapters keep the limiter
// pointer, so new limits only affect adapters built afterwards; that is
// acceptable because adapters are built per unit execution.
func (f *Factory) Apply(cfg FactoryConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = f.cfg.HTTPTimeout
	}
	f.cfg = cfg
	for id, r := range cfg.Rates {
		if lim := r.limiter(); lim != nil {
			f.limiters[id] = lim
		} else {
			delete(f.limiters, id)
		}
	}
}

// AdapterFor builds the adapter for acct's platform.
func (f *Factory) AdapterFor(ctx context.Context, acct Account) (Adapter, error) {
	if !Known(acct.Platform) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, acct.Platform)
	}
	f.mu.Lock()
	ctor := f.ctors[acct.Platform]
	opts := Options{
		HTTPTimeout: f.cfg.HTTPTimeout,
		Limiter:     f.limiters[acct.Platform],
		Log:         f.log.With(logx.String("platform", string(acct.Platform)), logx.Int64("account_id", acct.ID)),
	}
	f.mu.Unlock()

	if ctor == nil {
		return nil, fmt.Errorf("no adapter registered for platform %q", acct.Platform)
	}
	return ctor(ctx, acct, opts)
}
