package store

import (
	"context"
	"database/sql"
	"time"

	"crosspost/internal/platform"
)

// AttachMedia records an attachment against its owner. Bytes are never
// stored; the preparer reads the file from Path at publish time.
func (s *Store) AttachMedia(ctx context.Context, f platform.MediaFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_files(owner_kind, owner_id, path, mime, alt_text, created_at)
		 VALUES(?,?,?,?,?,?)`,
		string(f.Owner.Kind), f.Owner.ID, f.Path, f.Mime, nullStr(f.AltText), formatTime(time.Now()))
	return err
}

// MediaFor lists an owner's attachments in insertion order.
func (s *Store) MediaFor(ctx context.Context, owner platform.MediaOwner) ([]platform.MediaFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, mime, alt_text FROM media_files WHERE owner_kind=? AND owner_id=? ORDER BY id`,
		string(owner.Kind), owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []platform.MediaFile
	for rows.Next() {
		f := platform.MediaFile{Owner: owner}
		var alt sql.NullString
		if err := rows.Scan(&f.Path, &f.Mime, &alt); err != nil {
			return nil, err
		}
		f.AltText = strOrEmpty(alt)
		out = append(out, f)
	}
	return out, rows.Err()
}
