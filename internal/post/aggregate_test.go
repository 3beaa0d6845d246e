package post

import (
	"testing"

	"crosspost/internal/platform"
)

func sel(id platform.ID, pos int, selected bool, st EntryStatus) PlatformSelection {
	return PlatformSelection{PlatformID: id, Position: pos, IsSelected: selected, Status: st, AccountIDs: []int64{1}}
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []PlatformSelection
		want Status
	}{
		{name: "empty", in: nil, want: StatusPending},
		{name: "all unset", in: []PlatformSelection{sel(platform.Bluesky, 0, true, EntryUnset)}, want: StatusPending},
		{name: "all published", in: []PlatformSelection{
			sel(platform.Bluesky, 0, true, EntryPublished),
			sel(platform.Mastodon, 1, true, EntryPublished),
		}, want: StatusPublished},
		{name: "any failed wins over published", in: []PlatformSelection{
			sel(platform.Bluesky, 0, true, EntryPublished),
			sel(platform.Mastodon, 1, true, EntryFailed),
		}, want: StatusFailed},
		{name: "any failed wins over processing", in: []PlatformSelection{
			sel(platform.Bluesky, 0, true, EntryProcessing),
			sel(platform.Mastodon, 1, true, EntryFailed),
		}, want: StatusFailed},
		{name: "processing while mixed", in: []PlatformSelection{
			sel(platform.Bluesky, 0, true, EntryPublished),
			sel(platform.Mastodon, 1, true, EntryProcessing),
		}, want: StatusProcessing},
		{name: "unselected entries are inert", in: []PlatformSelection{
			sel(platform.Bluesky, 0, true, EntryPublished),
			sel(platform.Mastodon, 1, false, EntryFailed),
		}, want: StatusPublished},
		{name: "only unselected entries", in: []PlatformSelection{
			sel(platform.Mastodon, 0, false, EntryFailed),
		}, want: StatusPending},
		{name: "published and unset is pending", in: []PlatformSelection{
			sel(platform.Bluesky, 0, true, EntryPublished),
			sel(platform.Mastodon, 1, true, EntryUnset),
		}, want: StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.in); got != tt.want {
				t.Fatalf("Aggregate() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Aggregate must never report both terminal states: failed wins whenever
// any selected entry failed, and published requires every entry published.
func TestAggregateTerminalExclusivity(t *testing.T) {
	t.Parallel()
	statuses := []EntryStatus{EntryUnset, EntryProcessing, EntryPublished, EntryFailed}
	for _, a := range statuses {
		for _, b := range statuses {
			got := Aggregate([]PlatformSelection{
				sel(platform.Bluesky, 0, true, a),
				sel(platform.Mastodon, 1, true, b),
			})
			anyFailed := a == EntryFailed || b == EntryFailed
			allPublished := a == EntryPublished && b == EntryPublished
			if got == StatusFailed && !anyFailed {
				t.Fatalf("(%s,%s): failed without a failed entry", a, b)
			}
			if got == StatusPublished && !allPublished {
				t.Fatalf("(%s,%s): published without all entries published", a, b)
			}
			if anyFailed && got != StatusFailed {
				t.Fatalf("(%s,%s): want failed, got %s", a, b, got)
			}
		}
	}
}

func TestWorstOfAccounts(t *testing.T) {
	t.Parallel()
	accounts := []int64{1, 2}
	tests := []struct {
		name    string
		results map[int64]AccountResult
		want    EntryStatus
	}{
		{name: "no results", results: map[int64]AccountResult{}, want: EntryUnset},
		{name: "one failed poisons the entry", results: map[int64]AccountResult{
			1: {AccountID: 1, Status: EntryPublished},
			2: {AccountID: 2, Status: EntryFailed},
		}, want: EntryFailed},
		{name: "published requires every account", results: map[int64]AccountResult{
			1: {AccountID: 1, Status: EntryPublished},
		}, want: EntryUnset},
		{name: "all published", results: map[int64]AccountResult{
			1: {AccountID: 1, Status: EntryPublished},
			2: {AccountID: 2, Status: EntryPublished},
		}, want: EntryPublished},
		{name: "processing surfaces", results: map[int64]AccountResult{
			1: {AccountID: 1, Status: EntryProcessing},
		}, want: EntryProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WorstOfAccounts(accounts, tt.results); got != tt.want {
				t.Fatalf("WorstOfAccounts() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFirstPublishedRefDoesNotOverwrite(t *testing.T) {
	t.Parallel()
	results := map[int64]AccountResult{
		1: {AccountID: 1, Status: EntryPublished, ExternalID: "a1", ExternalURL: "https://x/a1"},
		2: {AccountID: 2, Status: EntryPublished, ExternalID: "a2", ExternalURL: "https://x/a2"},
	}
	id, url, ok := FirstPublishedRef([]int64{1, 2}, results)
	if !ok || id != "a1" || url != "https://x/a1" {
		t.Fatalf("got (%s,%s,%v), want first account's ref", id, url, ok)
	}
}
