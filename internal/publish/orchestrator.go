// Package publish is the fan-out engine: the orchestrator turns a post's
// platform selections into durable queue units, and the dispatcher's
// worker pool drains them against the platform adapters.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"crosspost/internal/eventbus"
	"crosspost/internal/platform"
	"crosspost/internal/post"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

// Orchestrator translates publish requests into queue units. It never
// talks to a platform itself.
type Orchestrator struct {
	store *store.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewOrchestrator(st *store.Store, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	return &Orchestrator{store: st, bus: bus, log: log.With(logx.String("component", "orchestrator"))}
}

// PublishNow enqueues the post for immediate dispatch. A positive stagger
// delays each selected platform by its position in the selection order;
// the first platform always runs immediately.
func (o *Orchestrator) PublishNow(ctx context.Context, postID int64, stagger time.Duration) error {
	p, err := o.loadRoot(ctx, postID)
	if err != nil {
		return err
	}
	units, err := o.unitsFor(ctx, p, post.SelectedEntries(p.Selections), time.Now(), stagger)
	if err != nil {
		return err
	}
	n, err := o.enqueue(ctx, postID, units)
	if err != nil {
		return err
	}
	// The dedup index already holds every unit: a repeated call on a post
	// in flight is a no-op and must not touch the derived status.
	if n == 0 {
		o.log.Debug("publish is a no-op, units already active", logx.Int64("post_id", postID))
		return nil
	}
	return o.store.MarkPending(ctx, postID)
}

// Schedule enqueues the post for dispatch at a future time. Times in the
// past are rejected rather than silently clamped.
func (o *Orchestrator) Schedule(ctx context.Context, postID int64, at time.Time, stagger time.Duration) error {
	if !at.After(time.Now()) {
		return validationf("scheduled time %s is not in the future", at.Format(time.RFC3339))
	}
	p, err := o.loadRoot(ctx, postID)
	if err != nil {
		return err
	}
	units, err := o.unitsFor(ctx, p, post.SelectedEntries(p.Selections), at, stagger)
	if err != nil {
		return err
	}
	n, err := o.enqueue(ctx, postID, units)
	if err != nil {
		return err
	}
	if n == 0 {
		o.log.Debug("schedule is a no-op, units already active", logx.Int64("post_id", postID))
		return nil
	}
	return o.store.MarkScheduled(ctx, postID, at)
}

// RetryFailed resets failed platform entries to unset and re-dispatches
// only those. Published siblings keep their status and external refs.
// A post still processing is left alone; a post with nothing failed is a
// no-op.
func (o *Orchestrator) RetryFailed(ctx context.Context, postID int64) error {
	p, err := o.loadRoot(ctx, postID)
	if err != nil {
		return err
	}
	if p.Status == post.StatusProcessing {
		o.log.Debug("retry skipped, post still processing", logx.Int64("post_id", postID))
		return nil
	}

	reset, err := o.store.ResetFailedSelections(ctx, postID)
	if err != nil {
		return err
	}
	if len(reset) == 0 {
		return nil
	}
	units, err := o.unitsFor(ctx, p, reset, time.Now(), 0)
	if err != nil {
		return err
	}
	n, err := o.enqueue(ctx, postID, units)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return o.store.MarkPending(ctx, postID)
}

func (o *Orchestrator) loadRoot(ctx context.Context, postID int64) (*post.Post, error) {
	p, _, err := o.store.LoadPostWithThread(ctx, postID)
	if err != nil {
		return nil, err
	}
	if p.IsThreadMember() {
		return nil, validationf("post %d is a thread segment, publish its root %d", postID, *p.ThreadParentID)
	}
	if len(post.SelectedEntries(p.Selections)) == 0 {
		return nil, validationf("post %d has no platforms selected", postID)
	}
	return p, nil
}

// unitsFor fans selected entries out into one queue unit per
// (platform, active account). Stagger offsets count selected platforms
// only; a platform whose accounts are all inactive still consumes its
// slot, so retries land at predictable times.
func (o *Orchestrator) unitsFor(ctx context.Context, p *post.Post, entries []post.PlatformSelection, base time.Time, stagger time.Duration) ([]store.QueueUnit, error) {
	var units []store.QueueUnit
	for i, sel := range entries {
		accounts, err := o.store.ActiveAccounts(ctx, p.AuthorID, sel.PlatformID)
		if err != nil {
			return nil, err
		}
		if len(sel.AccountIDs) > 0 {
			wanted := lo.SliceToMap(sel.AccountIDs, func(id int64) (int64, struct{}) { return id, struct{}{} })
			accounts = lo.Filter(accounts, func(a platform.Account, _ int) bool {
				_, ok := wanted[a.ID]
				return ok
			})
		}
		runAt := base.Add(time.Duration(i) * stagger)
		for _, acct := range accounts {
			units = append(units, store.QueueUnit{
				PostID:     p.ID,
				PlatformID: sel.PlatformID,
				AccountID:  acct.ID,
				RunAt:      runAt,
			})
		}
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("post %d: %w", p.ID, ErrNoActiveAccounts)
	}
	return units, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, postID int64, units []store.QueueUnit) (int, error) {
	n, err := o.store.EnqueueUnits(ctx, units)
	if err != nil {
		return 0, err
	}
	o.log.Info("units enqueued",
		logx.Int64("post_id", postID),
		logx.Int("requested", len(units)),
		logx.Int("inserted", n))
	if n == 0 {
		return 0, nil
	}
	for _, u := range units {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitEnqueued, Data: map[string]any{
			"post_id": u.PostID, "platform": string(u.PlatformID), "account_id": u.AccountID,
		}})
	}
	return n, nil
}
