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
)

// SaveAccount inserts or updates a connected account. Credentials are
// stored as a JSON object keyed the way each adapter expects.
func (s *Store) SaveAccount(ctx context.Context, acct *platform.Account) error {
	creds, err := json.Marshal(acct.Credentials)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	if acct.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO accounts(user_id, platform_id, credentials, is_active, created_at, updated_at)
			 VALUES(?,?,?,?,?,?)`,
			acct.UserID, string(acct.Platform), string(creds), boolInt(acct.IsActive), now, now)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		acct.ID, err = res.LastInsertId()
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET credentials=?, is_active=?, updated_at=? WHERE id=?`,
		string(creds), boolInt(acct.IsActive), now, acct.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", acct.ID, ErrNotFound)
	}
	return nil
}

// Account loads a single account by ID.
func (s *Store) Account(ctx context.Context, id int64) (platform.Account, error) {
	sb := accountSelect()
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	acct, err := scanAccount(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return platform.Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return acct, err
}

// ActiveAccounts returns a user's active accounts for one platform.
// The fan-out layer treats an empty result as "nothing to publish".
func (s *Store) ActiveAccounts(ctx context.Context, userID int64, platformID platform.ID) ([]platform.Account, error) {
	sb := accountSelect()
	sb.Where(
		sb.Equal("user_id", userID),
		sb.Equal("platform_id", string(platformID)),
		sb.Equal("is_active", 1),
	)
	sb.OrderBy("id").Asc()
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []platform.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// SetAccountActive toggles an account without touching its credentials.
func (s *Store) SetAccountActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active=?, updated_at=? WHERE id=?`,
		boolInt(active), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return nil
}

func accountSelect() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "user_id", "platform_id", "credentials", "is_active").From("accounts")
	return sb
}

func scanAccount(r rowScanner) (platform.Account, error) {
	var (
		acct       platform.Account
		platformID string
		creds      string
		active     int
	)
	if err := r.Scan(&acct.ID, &acct.UserID, &platformID, &creds, &active); err != nil {
		return platform.Account{}, err
	}
	acct.Platform = platform.ID(platformID)
	acct.IsActive = active != 0
	if err := json.Unmarshal([]byte(creds), &acct.Credentials); err != nil {
		return platform.Account{}, fmt.Errorf("account %d: bad credentials: %w", acct.ID, err)
	}
	return acct, nil
}
