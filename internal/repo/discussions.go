package repo

import (
	"context"
	"database/sql"
	"strings"

	"concord/internal/domain"
)

const discussionColumns = `d.id,d.title,d.body,d.tags,d.author_agent_id,d.state,d.is_anonymous,d.created_at,d.updated_at,
(SELECT COUNT(*) FROM discussion_replies r WHERE r.discussion_id=d.id)`

func scanDiscussion(s interface{ Scan(...any) error }) (domain.Discussion, error) {
	var d domain.Discussion
	var tags string
	var anon int
	err := s.Scan(&d.ID, &d.Title, &d.Body, &tags, &d.AuthorID, &d.State, &anon, &d.CreatedAt, &d.UpdatedAt, &d.ReplyCount)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Tags = splitTags(tags)
	d.IsAnonymous = anon != 0
	return d, err
}

// Tags are stored comma-joined.
func splitTags(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func (r Repo) InsertDiscussion(ctx context.Context, tx *sql.Tx, d domain.Discussion) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO discussions(id,title,body,tags,author_agent_id,state,is_anonymous,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Title, d.Body, strings.Join(d.Tags, ","), d.AuthorID, d.State, boolInt(d.IsAnonymous), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDiscussion(ctx context.Context, tx *sql.Tx, id string) (domain.Discussion, error) {
	return scanDiscussion(r.on(tx).QueryRowContext(ctx, `SELECT `+discussionColumns+` FROM discussions d WHERE d.id=?`, id))
}

func (r Repo) UpdateDiscussionState(ctx context.Context, tx *sql.Tx, id, state, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE discussions SET state=?, updated_at=? WHERE id=?`, state, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListDiscussions returns the newest discussions first.
func (r Repo) ListDiscussions(ctx context.Context, limit int, state string) ([]domain.Discussion, error) {
	query := `SELECT ` + discussionColumns + ` FROM discussions d`
	var args []any
	if state != "" {
		query += ` WHERE d.state=?`
		args = append(args, state)
	}
	query += ` ORDER BY d.created_at DESC, d.rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Discussion
	for rows.Next() {
		item, err := scanDiscussion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

const replyColumns = `id,discussion_id,author_agent_id,body,parent_reply_id,is_anonymous,created_at`

func scanReply(s interface{ Scan(...any) error }) (domain.DiscussionReply, error) {
	var rp domain.DiscussionReply
	var parent sql.NullString
	var anon int
	err := s.Scan(&rp.ID, &rp.DiscussionID, &rp.AuthorID, &rp.Body, &parent, &anon, &rp.CreatedAt)
	if err == sql.ErrNoRows {
		return rp, ErrNotFound
	}
	rp.ParentReplyID = stringPtr(parent)
	rp.IsAnonymous = anon != 0
	return rp, err
}

func (r Repo) InsertReply(ctx context.Context, tx *sql.Tx, rp domain.DiscussionReply) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO discussion_replies(`+replyColumns+`) VALUES (?,?,?,?,?,?,?)`,
		rp.ID, rp.DiscussionID, rp.AuthorID, rp.Body, nullableStringPtr(rp.ParentReplyID), boolInt(rp.IsAnonymous), rp.CreatedAt)
	return err
}

func (r Repo) GetReply(ctx context.Context, tx *sql.Tx, id string) (domain.DiscussionReply, error) {
	return scanReply(r.on(tx).QueryRowContext(ctx, `SELECT `+replyColumns+` FROM discussion_replies WHERE id=?`, id))
}

// ListReplies returns a discussion's replies oldest first.
func (r Repo) ListReplies(ctx context.Context, tx *sql.Tx, discussionID string) ([]domain.DiscussionReply, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+replyColumns+` FROM discussion_replies WHERE discussion_id=? ORDER BY created_at ASC, rowid ASC`, discussionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DiscussionReply{}
	for rows.Next() {
		rp, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rp)
	}
	return res, rows.Err()
}
