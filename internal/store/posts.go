package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"

	"crosspost/internal/platform"
	"crosspost/internal/post"
	logx "crosspost/pkg/logx"
)

// CreatePost inserts a post and its selection rows. Used by the compose
// layer and tests; the publish pipeline itself only reads posts.
func (s *Store) CreatePost(ctx context.Context, p *post.Post) error {
	now := time.Now()
	if p.Status == "" {
		p.Status = post.StatusDraft
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	ib := sqlbuilder.NewInsertBuilder()
	var parent any
	if p.ThreadParentID != nil {
		parent = *p.ThreadParentID
	}
	ib.InsertInto("posts").
		Cols("author_id", "content", "status", "thread_parent_id", "thread_index", "created_at", "updated_at").
		Values(p.AuthorID, p.Content, string(p.Status), parent, p.ThreadIndex, formatTime(now), formatTime(now))
	query, args := ib.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id

	for _, sel := range p.Selections {
		if err := s.upsertSelection(ctx, id, sel); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertSelection(ctx context.Context, postID int64, sel post.PlatformSelection) error {
	ids, err := json.Marshal(sel.AccountIDs)
	if err != nil {
		return err
	}
	status := sel.Status
	if status == "" {
		status = post.EntryUnset
	}
	var scheduledAt any
	if sel.ScheduledAt != nil {
		scheduledAt = formatTime(*sel.ScheduledAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO platform_selections(post_id, platform_id, position, is_selected, account_ids, status, external_id, external_url, scheduled_at, error)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(post_id, platform_id) DO UPDATE SET
		   position=excluded.position, is_selected=excluded.is_selected,
		   account_ids=excluded.account_ids, status=excluded.status,
		   scheduled_at=excluded.scheduled_at`,
		postID, string(sel.PlatformID), sel.Position, boolInt(sel.IsSelected), string(ids),
		string(status), nullStr(sel.ExternalID), nullStr(sel.ExternalURL), scheduledAt, nullStr(sel.Error),
	)
	return err
}

// LoadPostWithThread returns the post, its selections, and its ordered
// thread children. Missing posts map to ErrNotFound so callers can
// distinguish "deleted mid-flight" from real failures.
func (s *Store) LoadPostWithThread(ctx context.Context, id int64) (*post.Post, []*post.Post, error) {
	root, err := s.loadPost(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	root.Selections, err = s.Selections(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "author_id", "content", "status", "thread_parent_id", "thread_index", "created_at", "updated_at").
		From("posts")
	sb.Where(sb.Equal("thread_parent_id", id))
	sb.OrderBy("thread_index").Asc()
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var children []*post.Post
	for rows.Next() {
		child, err := scanPost(rows)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, child)
	}
	return root, children, rows.Err()
}

func (s *Store) loadPost(ctx context.Context, id int64) (*post.Post, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "author_id", "content", "status", "thread_parent_id", "thread_index", "created_at", "updated_at").
		From("posts")
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	row := s.db.QueryRowContext(ctx, query, args...)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*post.Post, error) {
	var (
		p         post.Post
		status    string
		parent    sql.NullInt64
		createdAt string
		updatedAt string
	)
	if err := r.Scan(&p.ID, &p.AuthorID, &p.Content, &status, &parent, &p.ThreadIndex, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = post.Status(status)
	if parent.Valid {
		v := parent.Int64
		p.ThreadParentID = &v
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// Selections returns every platform entry of a post in position order.
func (s *Store) Selections(ctx context.Context, postID int64) ([]post.PlatformSelection, error) {
	return s.selections(ctx, s.db, postID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) selections(ctx context.Context, q querier, postID int64) ([]post.PlatformSelection, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("platform_id", "position", "is_selected", "account_ids", "status", "external_id", "external_url", "scheduled_at", "error").
		From("platform_selections")
	sb.Where(sb.Equal("post_id", postID))
	sb.OrderBy("position").Asc()
	query, args := sb.Build()

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.PlatformSelection
	for rows.Next() {
		var (
			sel         post.PlatformSelection
			platformID  string
			selected    int
			accountIDs  string
			status      string
			externalID  sql.NullString
			externalURL sql.NullString
			scheduledAt sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&platformID, &sel.Position, &selected, &accountIDs, &status, &externalID, &externalURL, &scheduledAt, &errMsg); err != nil {
			return nil, err
		}
		sel.PlatformID = platform.ID(platformID)
		sel.IsSelected = selected != 0
		sel.Status = post.EntryStatus(status)
		sel.ExternalID = strOrEmpty(externalID)
		sel.ExternalURL = strOrEmpty(externalURL)
		sel.Error = strOrEmpty(errMsg)
		if scheduledAt.Valid {
			at := parseTime(scheduledAt.String)
			sel.ScheduledAt = &at
		}
		if err := json.Unmarshal([]byte(accountIDs), &sel.AccountIDs); err != nil {
			return nil, fmt.Errorf("selection %d/%s: bad account_ids: %w", postID, platformID, err)
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

// SetPostStatus writes a pre-dispatch state (draft, pending, scheduled).
// Dispatch-phase states only ever come out of ApplyEntryResult.
func (s *Store) SetPostStatus(ctx context.Context, id int64, st post.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET status=?, updated_at=? WHERE id=?`,
		string(st), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkPending moves the post into the pre-dispatch pending state, unless
// a worker already owns it. Taking the per-post lock orders this write
// against ApplyEntryResult: a worker that grabbed a fresh unit in the
// meantime cannot have its processing status rolled back.
func (s *Store) MarkPending(ctx context.Context, id int64) error {
	unlock := s.locks.lock(id)
	defer unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, updated_at=? WHERE id=? AND status != ?`,
		string(post.StatusPending), formatTime(time.Now()), id, string(post.StatusProcessing))
	return err
}

// MarkScheduled stamps the post and every selected entry with the
// scheduled time.
func (s *Store) MarkScheduled(ctx context.Context, postID int64, at time.Time) error {
	if err := s.SetPostStatus(ctx, postID, post.StatusScheduled); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE platform_selections SET scheduled_at=? WHERE post_id=? AND is_selected=1`,
		formatTime(at), postID)
	return err
}

// ApplyEntryResult records one account's outcome and recomputes both the
// owning platform entry (worst of its accounts) and the post aggregate,
// atomically.
//
// Serialized per post ID: two workers finishing sibling platforms at the
// same instant take turns here, so neither read-modify-write cycle can
// lose the other's entry update.
func (s *Store) ApplyEntryResult(ctx context.Context, postID int64, platformID platform.ID, accountID int64, res post.AccountResult) (post.Status, error) {
	unlock := s.locks.lock(postID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_results(post_id, platform_id, account_id, status, external_id, external_url, error, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(post_id, platform_id, account_id) DO UPDATE SET
		   status=excluded.status, external_id=excluded.external_id,
		   external_url=excluded.external_url, error=excluded.error, updated_at=excluded.updated_at`,
		postID, string(platformID), accountID, string(res.Status),
		nullStr(res.ExternalID), nullStr(res.ExternalURL), nullStr(res.Error), now,
	); err != nil {
		return "", fmt.Errorf("upsert account result: %w", err)
	}

	// Fold account outcomes into the platform entry.
	var accountIDsRaw string
	var curExternalID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT account_ids, external_id FROM platform_selections WHERE post_id=? AND platform_id=?`,
		postID, string(platformID)).Scan(&accountIDsRaw, &curExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("selection %d/%s: %w", postID, platformID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	var accountIDs []int64
	if err := json.Unmarshal([]byte(accountIDsRaw), &accountIDs); err != nil {
		return "", err
	}

	results, err := accountResults(ctx, tx, postID, platformID)
	if err != nil {
		return "", err
	}

	entryStatus := post.WorstOfAccounts(accountIDs, results)
	externalID, externalURL := strOrEmpty(curExternalID), ""
	if externalID == "" {
		if id, url, ok := post.FirstPublishedRef(accountIDs, results); ok {
			externalID, externalURL = id, url
		}
	}
	entryErr := ""
	if entryStatus == post.EntryFailed {
		entryErr = res.Error
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE platform_selections
		   SET status=?, external_id=COALESCE(?, external_id), external_url=COALESCE(?, external_url), error=?
		 WHERE post_id=? AND platform_id=?`,
		string(entryStatus), nullStr(externalID), nullStr(externalURL), nullStr(entryErr),
		postID, string(platformID),
	); err != nil {
		return "", fmt.Errorf("update selection: %w", err)
	}

	// Full re-aggregation over fresh rows, inside the same transaction.
	selections, err := s.selections(ctx, tx, postID)
	if err != nil {
		return "", err
	}
	agg := post.Aggregate(selections)
	if _, err := tx.ExecContext(ctx, `UPDATE posts SET status=?, updated_at=? WHERE id=?`,
		string(agg), now, postID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.log.Debug("entry result applied",
		logx.Int64("post_id", postID),
		logx.String("platform", string(platformID)),
		logx.Int64("account_id", accountID),
		logx.String("entry_status", string(entryStatus)),
		logx.String("post_status", string(agg)))
	return agg, nil
}

func accountResults(ctx context.Context, q querier, postID int64, platformID platform.ID) (map[int64]post.AccountResult, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, status, external_id, external_url, error FROM account_results WHERE post_id=? AND platform_id=?`,
		postID, string(platformID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]post.AccountResult{}
	for rows.Next() {
		var (
			res         post.AccountResult
			status      string
			externalID  sql.NullString
			externalURL sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&res.AccountID, &status, &externalID, &externalURL, &errMsg); err != nil {
			return nil, err
		}
		res.Status = post.EntryStatus(status)
		res.ExternalID = strOrEmpty(externalID)
		res.ExternalURL = strOrEmpty(externalURL)
		res.Error = strOrEmpty(errMsg)
		out[res.AccountID] = res
	}
	return out, rows.Err()
}

// ResetFailedSelections flips failed entries back to unset and clears
// their account results, returning the reset entries so the orchestrator
// can re-enqueue exactly those. Published entries (and their external
// refs) are untouched.
func (s *Store) ResetFailedSelections(ctx context.Context, postID int64) ([]post.PlatformSelection, error) {
	unlock := s.locks.lock(postID)
	defer unlock()

	selections, err := s.Selections(ctx, postID)
	if err != nil {
		return nil, err
	}

	var reset []post.PlatformSelection
	for _, sel := range selections {
		if !sel.IsSelected || sel.Status != post.EntryFailed {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE platform_selections SET status=?, error=NULL WHERE post_id=? AND platform_id=?`,
			string(post.EntryUnset), postID, string(sel.PlatformID)); err != nil {
			return nil, err
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM account_results WHERE post_id=? AND platform_id=?`,
			postID, string(sel.PlatformID)); err != nil {
			return nil, err
		}
		sel.Status = post.EntryUnset
		sel.Error = ""
		reset = append(reset, sel)
	}
	return reset, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
