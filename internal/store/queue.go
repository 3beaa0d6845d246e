package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/platform"
	logx "crosspost/pkg/logx"
)

// Queue unit states.
const (
	UnitReady  = "ready"
	UnitLeased = "leased"
	UnitDone   = "done"
	UnitDead   = "dead"
)

// QueueUnit is one fan-out unit: a (post, platform, account) triple plus
// its thread-resume cursor. Workers only ever hold a leased copy.
type QueueUnit struct {
	ID             string
	PostID         int64
	PlatformID     platform.ID
	AccountID      int64
	State          string
	RunAt          time.Time
	Attempts       int
	NextIndex      int
	LastExternalID string
	RootExternalID string

	// RootExternalURL rides along so a resumed unit can still stamp the
	// entry's external link once the whole thread lands.
	RootExternalURL string
	LastError       string
}

// EnqueueUnits inserts ready units, skipping any triple that already has
// an active unit. Returns how many were actually inserted, so callers can
// tell a fresh publish from an idempotent re-request.
func (s *Store) EnqueueUnits(ctx context.Context, units []QueueUnit) (int, error) {
	now := formatTime(time.Now())
	inserted := 0
	for _, u := range units {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if u.RunAt.IsZero() {
			u.RunAt = time.Now()
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO publish_queue(id, post_id, platform_id, account_id, state, run_at, attempts, next_index, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,0,0,?,?)`,
			u.ID, u.PostID, string(u.PlatformID), u.AccountID, UnitReady, u.RunAt.UnixMilli(), now, now)
		if err != nil {
			return inserted, fmt.Errorf("enqueue unit: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// ReceiveUnit leases the oldest due ready unit, or returns ErrNotFound
// when nothing is due. Lease takeover happens in one transaction so two
// workers can never claim the same unit.
func (s *Store) ReceiveUnit(ctx context.Context, leaseFor time.Duration) (QueueUnit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueueUnit{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	row := tx.QueryRowContext(ctx,
		`SELECT id, post_id, platform_id, account_id, state, run_at, attempts, next_index, last_external_id, root_external_id, root_external_url, last_error
		   FROM publish_queue
		  WHERE state=? AND run_at<=?
		  ORDER BY run_at ASC
		  LIMIT 1`,
		UnitReady, now.UnixMilli())
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueUnit{}, ErrNotFound
	}
	if err != nil {
		return QueueUnit{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE publish_queue SET state=?, lease_until=?, updated_at=? WHERE id=?`,
		UnitLeased, now.Add(leaseFor).UnixMilli(), formatTime(now), unit.ID); err != nil {
		return QueueUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueueUnit{}, err
	}
	unit.State = UnitLeased
	return unit, nil
}

func scanUnit(r rowScanner) (QueueUnit, error) {
	var (
		u          QueueUnit
		platformID string
		runAt      int64
		lastExt    sql.NullString
		rootExt    sql.NullString
		rootURL    sql.NullString
		lastErr    sql.NullString
	)
	if err := r.Scan(&u.ID, &u.PostID, &platformID, &u.AccountID, &u.State, &runAt,
		&u.Attempts, &u.NextIndex, &lastExt, &rootExt, &rootURL, &lastErr); err != nil {
		return QueueUnit{}, err
	}
	u.PlatformID = platform.ID(platformID)
	u.RunAt = time.UnixMilli(runAt)
	u.LastExternalID = strOrEmpty(lastExt)
	u.RootExternalID = strOrEmpty(rootExt)
	u.RootExternalURL = strOrEmpty(rootURL)
	u.LastError = strOrEmpty(lastErr)
	return u, nil
}

// Unit loads one unit by ID, regardless of state.
func (s *Store) Unit(ctx context.Context, id string) (QueueUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, post_id, platform_id, account_id, state, run_at, attempts, next_index, last_external_id, root_external_id, root_external_url, last_error
		   FROM publish_queue WHERE id=?`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueUnit{}, ErrNotFound
	}
	return u, err
}

// AckUnit marks a leased unit done.
func (s *Store) AckUnit(ctx context.Context, id string) error {
	return s.finishUnit(ctx, id, UnitDone, "")
}

// FailUnit marks a leased unit dead, keeping the final error for
// inspection.
func (s *Store) FailUnit(ctx context.Context, id string, lastError string) error {
	return s.finishUnit(ctx, id, UnitDead, lastError)
}

func (s *Store) finishUnit(ctx context.Context, id, state, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_queue SET state=?, lease_until=NULL, last_error=?, updated_at=? WHERE id=? AND state=?`,
		state, nullStr(lastError), formatTime(time.Now()), id, UnitLeased)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	return nil
}

// NackUnit returns a leased unit to ready after a retryable failure,
// bumping attempts and pushing run_at into the future. The cursor fields
// carry the thread position so the retry resumes instead of restarting.
func (s *Store) NackUnit(ctx context.Context, u QueueUnit, delay time.Duration, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_queue
		    SET state=?, run_at=?, attempts=attempts+1, lease_until=NULL,
		        next_index=?, last_external_id=?, root_external_id=?, root_external_url=?, last_error=?, updated_at=?
		  WHERE id=? AND state=?`,
		UnitReady, time.Now().Add(delay).UnixMilli(),
		u.NextIndex, nullStr(u.LastExternalID), nullStr(u.RootExternalID), nullStr(u.RootExternalURL), nullStr(lastError),
		formatTime(time.Now()), u.ID, UnitLeased)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unit %s: %w", u.ID, ErrNotFound)
	}
	return nil
}

// UpdateUnitProgress persists the thread cursor mid-flight, after each
// successfully published segment.
func (s *Store) UpdateUnitProgress(ctx context.Context, u QueueUnit) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE publish_queue SET next_index=?, last_external_id=?, root_external_id=?, root_external_url=?, updated_at=? WHERE id=?`,
		u.NextIndex, nullStr(u.LastExternalID), nullStr(u.RootExternalID), nullStr(u.RootExternalURL), formatTime(time.Now()), u.ID)
	return err
}

// RequeueExpiredLeases returns crashed workers' units to the ready state.
// Run periodically by the maintenance scheduler.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_queue SET state=?, lease_until=NULL, updated_at=? WHERE state=? AND lease_until<?`,
		UnitReady, formatTime(time.Now()), UnitLeased, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("requeued expired leases", logx.Int64("count", n))
	}
	return int(n), nil
}

// PruneFinishedUnits deletes done and dead units older than the
// retention window.
func (s *Store) PruneFinishedUnits(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM publish_queue WHERE state IN (?,?) AND updated_at<?`,
		UnitDone, UnitDead, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueDepth reports active units per state, for logs and the health
// endpoint.
func (s *Store) QueueDepth(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM publish_queue GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[strings.ToLower(state)] = n
	}
	return out, rows.Err()
}
