package publish

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/eventbus"
	"crosspost/internal/media"
	"crosspost/internal/platform"
	"crosspost/internal/post"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "crosspost.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAccount(t *testing.T, s *store.Store, userID int64, id platform.ID) int64 {
	t.Helper()
	acct := &platform.Account{
		UserID: userID, Platform: id, IsActive: true,
		Credentials: map[string]string{"token": "x"},
	}
	require.NoError(t, s.SaveAccount(context.Background(), acct))
	return acct.ID
}

func seedPost(t *testing.T, s *store.Store, selections ...post.PlatformSelection) *post.Post {
	t.Helper()
	p := &post.Post{AuthorID: 1, Content: "first", Status: post.StatusDraft, Selections: selections}
	require.NoError(t, s.CreatePost(context.Background(), p))
	return p
}

func seedThread(t *testing.T, s *store.Store, root *post.Post, bodies ...string) {
	t.Helper()
	for i, body := range bodies {
		child := &post.Post{AuthorID: root.AuthorID, Content: body, ThreadParentID: &root.ID, ThreadIndex: i + 1}
		require.NoError(t, s.CreatePost(context.Background(), child))
	}
}

func selected(id platform.ID, pos int, accounts ...int64) post.PlatformSelection {
	return post.PlatformSelection{PlatformID: id, Position: pos, IsSelected: true, AccountIDs: accounts}
}

// scriptedAdapter returns canned refs and errors in call order and keeps
// the requests it saw.
type scriptedAdapter struct {
	id       platform.ID
	refs     []platform.PostRef
	errs     []error
	requests []platform.PostRequest
}

func (a *scriptedAdapter) ID() platform.ID { return a.id }

func (a *scriptedAdapter) CreatePost(_ context.Context, req platform.PostRequest) (platform.PostRef, error) {
	n := len(a.requests)
	a.requests = append(a.requests, req)
	if n < len(a.errs) && a.errs[n] != nil {
		return platform.PostRef{}, a.errs[n]
	}
	if n < len(a.refs) {
		return a.refs[n], nil
	}
	return platform.PostRef{ExternalID: "ref", ExternalURL: "https://x/ref"}, nil
}

type staticSource struct {
	adapter platform.Adapter
	err     error
}

func (s staticSource) AdapterFor(context.Context, platform.Account) (platform.Adapter, error) {
	return s.adapter, s.err
}

func newTestDispatcher(s *store.Store, src AdapterSource) *Dispatcher {
	return NewDispatcher(s, src, media.NewGate(), eventbus.New(), DispatcherConfig{
		RetryBase: time.Millisecond,
		RetryCap:  2 * time.Millisecond,
	}, logx.Nop())
}

func receiveLeased(t *testing.T, s *store.Store) store.QueueUnit {
	t.Helper()
	u, err := s.ReceiveUnit(context.Background(), time.Minute)
	require.NoError(t, err)
	return u
}

func TestPublishNowFansOutPerAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	a2 := seedAccount(t, s, 1, platform.Mastodon)
	a3 := seedAccount(t, s, 1, platform.Mastodon)
	p := seedPost(t, s,
		selected(platform.Bluesky, 0, a1),
		selected(platform.Mastodon, 1, a2, a3),
	)

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, p.ID, 0))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth[store.UnitReady])

	got, _, err := s.LoadPostWithThread(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusPending, got.Status)
}

func TestPublishNowStaggerDelaysLaterPlatforms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	a2 := seedAccount(t, s, 1, platform.Mastodon)
	p := seedPost(t, s,
		selected(platform.Bluesky, 0, a1),
		selected(platform.Mastodon, 1, a2),
	)

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, p.ID, time.Hour))

	u := receiveLeased(t, s)
	assert.Equal(t, platform.Bluesky, u.PlatformID, "position 0 runs immediately")
	_, err := s.ReceiveUnit(ctx, time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound, "later platforms wait their stagger slot")
}

func TestPublishNowDuplicateLeavesProcessingStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	p := seedPost(t, s, selected(platform.Bluesky, 0, a1))

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, p.ID, 0))

	// A worker picks the unit up and flips the entry to processing.
	receiveLeased(t, s)
	_, err := s.ApplyEntryResult(ctx, p.ID, platform.Bluesky, a1, post.AccountResult{
		AccountID: a1, Status: post.EntryProcessing,
	})
	require.NoError(t, err)

	// The repeated call must neither enqueue nor roll the derived status
	// back to pending.
	require.NoError(t, o.PublishNow(ctx, p.ID, 0))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth[store.UnitReady], "duplicate publish must not enqueue")

	got, _, err := s.LoadPostWithThread(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusProcessing, got.Status)
}

func TestPublishNowRequiresActiveAccounts(t *testing.T) {
	s := newTestStore(t)
	p := seedPost(t, s, selected(platform.Bluesky, 0))

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	err := o.PublishNow(context.Background(), p.ID, 0)
	assert.ErrorIs(t, err, ErrNoActiveAccounts)
}

func TestPublishNowRejectsThreadSegment(t *testing.T) {
	s := newTestStore(t)
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	root := seedPost(t, s, selected(platform.Bluesky, 0, a1))
	seedThread(t, s, root, "second")

	_, children, err := s.LoadPostWithThread(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	err = o.PublishNow(context.Background(), children[0].ID, 0)
	assert.True(t, IsValidation(err))
}

func TestScheduleRejectsPast(t *testing.T) {
	s := newTestStore(t)
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	p := seedPost(t, s, selected(platform.Bluesky, 0, a1))

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	err := o.Schedule(context.Background(), p.ID, time.Now().Add(-time.Minute), 0)
	assert.True(t, IsValidation(err))
}

func TestScheduleMarksAndDelays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	p := seedPost(t, s, selected(platform.Bluesky, 0, a1))

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	at := time.Now().Add(time.Hour)
	require.NoError(t, o.Schedule(ctx, p.ID, at, 0))

	got, _, err := s.LoadPostWithThread(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusScheduled, got.Status)
	require.NotNil(t, got.Selections[0].ScheduledAt)

	_, err = s.ReceiveUnit(ctx, time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound, "scheduled unit must not be visible yet")
}

func TestDispatcherPublishesThreadInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	root := seedPost(t, s, selected(platform.Bluesky, 0, a1))
	seedThread(t, s, root, "second", "third")

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, root.ID, 0))

	adapter := &scriptedAdapter{id: platform.Bluesky, refs: []platform.PostRef{
		{ExternalID: "r1", ExternalURL: "https://x/1"},
		{ExternalID: "r2", ExternalURL: "https://x/2"},
		{ExternalID: "r3", ExternalURL: "https://x/3"},
	}}
	d := newTestDispatcher(s, staticSource{adapter: adapter})
	d.process(ctx, logx.Nop(), receiveLeased(t, s))

	require.Len(t, adapter.requests, 3)
	assert.Empty(t, adapter.requests[0].ReplyToExternalID)
	assert.Equal(t, "r1", adapter.requests[1].ReplyToExternalID)
	assert.Equal(t, "r1", adapter.requests[1].RootExternalID)
	assert.Equal(t, "r2", adapter.requests[2].ReplyToExternalID)
	assert.Equal(t, "r1", adapter.requests[2].RootExternalID)

	got, _, err := s.LoadPostWithThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusPublished, got.Status)
	assert.Equal(t, "r1", got.Selections[0].ExternalID, "entry carries the root segment ref")
	assert.Equal(t, "https://x/1", got.Selections[0].ExternalURL)
}

func TestDispatcherStopsThreadAtFailedSegment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	root := seedPost(t, s, selected(platform.Bluesky, 0, a1))
	seedThread(t, s, root, "second", "third")

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, root.ID, 0))

	adapter := &scriptedAdapter{
		id:   platform.Bluesky,
		refs: []platform.PostRef{{ExternalID: "r1", ExternalURL: "https://x/1"}},
		errs: []error{nil, platform.Errf(platform.CodeRejected, false, "record rejected")},
	}
	d := newTestDispatcher(s, staticSource{adapter: adapter})
	unit := receiveLeased(t, s)
	d.process(ctx, logx.Nop(), unit)

	assert.Len(t, adapter.requests, 2, "third segment must never be attempted")

	u, err := s.Unit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UnitDead, u.State)

	got, _, err := s.LoadPostWithThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusFailed, got.Status)
	assert.Equal(t, post.EntryFailed, got.Selections[0].Status)
	assert.Contains(t, got.Selections[0].Error, "record rejected")
}

func TestDispatcherRetryResumesFromCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	root := seedPost(t, s, selected(platform.Bluesky, 0, a1))
	seedThread(t, s, root, "second", "third")

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, root.ID, 0))

	adapter := &scriptedAdapter{
		id:   platform.Bluesky,
		refs: []platform.PostRef{{ExternalID: "r1", ExternalURL: "https://x/1"}},
		errs: []error{nil, platform.Errf(platform.CodeUnavailable, true, "503")},
	}
	d := newTestDispatcher(s, staticSource{adapter: adapter})
	unit := receiveLeased(t, s)
	d.process(ctx, logx.Nop(), unit)

	u, err := s.Unit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UnitReady, u.State)
	assert.Equal(t, 1, u.Attempts)
	assert.Equal(t, 1, u.NextIndex)
	assert.Equal(t, "r1", u.LastExternalID)
	assert.Equal(t, "r1", u.RootExternalID)

	// Second run picks up at segment two and finishes the thread.
	time.Sleep(5 * time.Millisecond)
	resume := &scriptedAdapter{id: platform.Bluesky, refs: []platform.PostRef{
		{ExternalID: "r2", ExternalURL: "https://x/2"},
		{ExternalID: "r3", ExternalURL: "https://x/3"},
	}}
	d = newTestDispatcher(s, staticSource{adapter: resume})
	d.process(ctx, logx.Nop(), receiveLeased(t, s))

	require.Len(t, resume.requests, 2)
	assert.Equal(t, "second", resume.requests[0].Content)
	assert.Equal(t, "r1", resume.requests[0].ReplyToExternalID)

	got, _, err := s.LoadPostWithThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusPublished, got.Status)
	assert.Equal(t, "r1", got.Selections[0].ExternalID)
}

func TestDispatcherReplayFinishesWithoutRepublishing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	root := seedPost(t, s, selected(platform.Bluesky, 0, a1))

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, root.ID, 0))

	// A crash after the last segment went out leaves a leased unit whose
	// cursor already covers everything. The replay must record the
	// published result and only then ack, never re-sending a segment; the
	// entry cannot stay at processing with the unit done.
	unit := receiveLeased(t, s)
	unit.NextIndex = 1
	unit.LastExternalID = "r1"
	unit.RootExternalID = "r1"
	unit.RootExternalURL = "https://x/1"
	require.NoError(t, s.UpdateUnitProgress(ctx, unit))

	adapter := &scriptedAdapter{id: platform.Bluesky}
	d := newTestDispatcher(s, staticSource{adapter: adapter})
	d.process(ctx, logx.Nop(), unit)

	assert.Empty(t, adapter.requests, "published segments must not be re-sent")

	u, err := s.Unit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UnitDone, u.State)

	got, _, err := s.LoadPostWithThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusPublished, got.Status)
	assert.Equal(t, "r1", got.Selections[0].ExternalID)
	assert.Equal(t, "https://x/1", got.Selections[0].ExternalURL)
}

func TestDispatcherAttemptCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	root := seedPost(t, s, selected(platform.Bluesky, 0, a1))

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.PublishNow(ctx, root.ID, 0))

	d := newTestDispatcher(s, staticSource{adapter: &scriptedAdapter{
		id:   platform.Bluesky,
		errs: []error{platform.Errf(platform.CodeUnavailable, true, "503")},
	}})

	unit := receiveLeased(t, s)
	var state string
	for i := 0; i < d.cfg.MaxAttempts; i++ {
		adapter := &scriptedAdapter{id: platform.Bluesky, errs: []error{platform.Errf(platform.CodeUnavailable, true, "503")}}
		d.adapters = staticSource{adapter: adapter}
		d.process(ctx, logx.Nop(), unit)
		u, err := s.Unit(ctx, unit.ID)
		require.NoError(t, err)
		state = u.State
		if state != store.UnitReady {
			break
		}
		time.Sleep(5 * time.Millisecond)
		unit = receiveLeased(t, s)
	}
	assert.Equal(t, store.UnitDead, state, "fifth attempt must be terminal")

	got, _, err := s.LoadPostWithThread(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, post.StatusFailed, got.Status)
}

func TestDispatcherDiscardsVanishedPost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)

	_, err := s.EnqueueUnits(ctx, []store.QueueUnit{{PostID: 9999, PlatformID: platform.Bluesky, AccountID: a1}})
	require.NoError(t, err)

	adapter := &scriptedAdapter{id: platform.Bluesky}
	d := newTestDispatcher(s, staticSource{adapter: adapter})
	unit := receiveLeased(t, s)
	d.process(ctx, logx.Nop(), unit)

	assert.Empty(t, adapter.requests)
	u, err := s.Unit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UnitDone, u.State, "vanished post discards the unit without status writes")
}

func TestRetryFailedRedispatchesOnlyFailedEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedAccount(t, s, 1, platform.Bluesky)
	a2 := seedAccount(t, s, 1, platform.Mastodon)
	p := seedPost(t, s,
		selected(platform.Bluesky, 0, a1),
		selected(platform.Mastodon, 1, a2),
	)

	_, err := s.ApplyEntryResult(ctx, p.ID, platform.Mastodon, a2, post.AccountResult{
		AccountID: a2, Status: post.EntryPublished, ExternalID: "m-ref", ExternalURL: "https://m/ref",
	})
	require.NoError(t, err)
	_, err = s.ApplyEntryResult(ctx, p.ID, platform.Bluesky, a1, post.AccountResult{
		AccountID: a1, Status: post.EntryFailed, Error: "rejected",
	})
	require.NoError(t, err)

	o := NewOrchestrator(s, eventbus.New(), logx.Nop())
	require.NoError(t, o.RetryFailed(ctx, p.ID))

	u := receiveLeased(t, s)
	assert.Equal(t, platform.Bluesky, u.PlatformID)
	_, err = s.ReceiveUnit(ctx, time.Minute)
	assert.ErrorIs(t, err, store.ErrNotFound, "published mastodon entry must not re-dispatch")

	got, _, err := s.LoadPostWithThread(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "m-ref", got.Selections[1].ExternalID)
	assert.Equal(t, post.EntryPublished, got.Selections[1].Status)
}
