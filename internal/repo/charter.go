package repo

import (
	"context"
	"database/sql"

	"concord/internal/domain"
)

const charterColumns = `id,version_no,title,content,COALESCE(change_note,''),published_by_agent_id,published_at`

func scanCharter(s interface{ Scan(...any) error }) (domain.CharterVersion, error) {
	var c domain.CharterVersion
	err := s.Scan(&c.ID, &c.VersionNo, &c.Title, &c.Content, &c.ChangeNote, &c.PublishedByID, &c.PublishedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCharterVersion(ctx context.Context, tx *sql.Tx, c domain.CharterVersion) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO charter_versions(id,version_no,title,content,change_note,published_by_agent_id,published_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.VersionNo, c.Title, c.Content, nullable(c.ChangeNote), c.PublishedByID, c.PublishedAt)
	return err
}

// LatestCharterVersion returns ErrNotFound before the first publication.
func (r Repo) LatestCharterVersion(ctx context.Context, tx *sql.Tx) (domain.CharterVersion, error) {
	return scanCharter(r.on(tx).QueryRowContext(ctx, `SELECT `+charterColumns+` FROM charter_versions ORDER BY version_no DESC LIMIT 1`))
}

func (r Repo) GetCharterVersion(ctx context.Context, tx *sql.Tx, versionNo int) (domain.CharterVersion, error) {
	return scanCharter(r.on(tx).QueryRowContext(ctx, `SELECT `+charterColumns+` FROM charter_versions WHERE version_no=?`, versionNo))
}

// ListCharterVersions returns versions newest first.
func (r Repo) ListCharterVersions(ctx context.Context, tx *sql.Tx) ([]domain.CharterVersion, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+charterColumns+` FROM charter_versions ORDER BY version_no DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CharterVersion
	for rows.Next() {
		c, err := scanCharter(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
