package repo

import (
	"context"
	"database/sql"

	"concord/internal/domain"
)

const resolutionColumns = `id,title,summary,proposer_agent_id,status,current_version,created_at,updated_at`

func scanResolution(s interface{ Scan(...any) error }) (domain.Resolution, error) {
	var res domain.Resolution
	err := s.Scan(&res.ID, &res.Title, &res.Summary, &res.ProposerID, &res.Status, &res.CurrentVersion, &res.CreatedAt, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}

func (r Repo) InsertResolution(ctx context.Context, tx *sql.Tx, res domain.Resolution) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO resolutions(`+resolutionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		res.ID, res.Title, res.Summary, res.ProposerID, res.Status, res.CurrentVersion, res.CreatedAt, res.UpdatedAt)
	return err
}

func (r Repo) GetResolution(ctx context.Context, tx *sql.Tx, id string) (domain.Resolution, error) {
	return scanResolution(r.on(tx).QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE id=?`, id))
}

func (r Repo) UpdateResolutionStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE resolutions SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) SetResolutionVersion(ctx context.Context, tx *sql.Tx, id string, version int, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE resolutions SET current_version=?, updated_at=? WHERE id=?`, version, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListResolutions returns the newest resolutions first.
func (r Repo) ListResolutions(ctx context.Context, limit int, status string) ([]domain.Resolution, error) {
	query := `SELECT ` + resolutionColumns + ` FROM resolutions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resolution
	for rows.Next() {
		item, err := scanResolution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) InsertResolutionVersion(ctx context.Context, tx *sql.Tx, v domain.ResolutionVersion) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO resolution_versions(id,resolution_id,version_no,content,change_note,editor_agent_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.ResolutionID, v.VersionNo, v.Content, nullable(v.ChangeNote), v.EditorID, v.CreatedAt)
	return err
}

// ListResolutionVersions returns versions newest first.
func (r Repo) ListResolutionVersions(ctx context.Context, tx *sql.Tx, resolutionID string) ([]domain.ResolutionVersion, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,resolution_id,version_no,content,COALESCE(change_note,''),editor_agent_id,created_at
FROM resolution_versions WHERE resolution_id=? ORDER BY version_no DESC`, resolutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResolutionVersion
	for rows.Next() {
		var v domain.ResolutionVersion
		if err := rows.Scan(&v.ID, &v.ResolutionID, &v.VersionNo, &v.Content, &v.ChangeNote, &v.EditorID, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
