package repo

import (
	"context"
	"database/sql"

	"concord/internal/domain"
)

const sessionColumns = `id,resolution_id,started_by_agent_id,started_at,scheduled_end_at,ended_at,closed_by_agent_id,is_closed,final_result,
applied_threshold,applied_duration_hours,applied_require_quorum,applied_quorum_percentage,applied_quorum_basis,config_version,eligible_voters_at_open,eligible_voters_at_close`

func scanSession(row *sql.Row) (domain.VotingSession, error) {
	var s domain.VotingSession
	var endedAt, closedBy, finalResult sql.NullString
	var isClosed, requireQuorum int
	var atClose sql.NullInt64
	err := row.Scan(&s.ID, &s.ResolutionID, &s.StartedByID, &s.StartedAt, &s.ScheduledEndAt, &endedAt, &closedBy, &isClosed, &finalResult,
		&s.AppliedThreshold, &s.AppliedDurationHours, &requireQuorum, &s.AppliedQuorumPercentage, &s.AppliedQuorumBasis, &s.ConfigVersion, &s.EligibleVotersAtOpen, &atClose)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.EndedAt = stringPtr(endedAt)
	s.ClosedByID = stringPtr(closedBy)
	s.FinalResult = stringPtr(finalResult)
	s.IsClosed = isClosed == 1
	s.AppliedRequireQuorum = requireQuorum == 1
	if atClose.Valid {
		n := int(atClose.Int64)
		s.EligibleVotersAtClose = &n
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.VotingSession) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO voting_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ResolutionID, s.StartedByID, s.StartedAt, s.ScheduledEndAt, nullableStringPtr(s.EndedAt), nullableStringPtr(s.ClosedByID),
		boolInt(s.IsClosed), nullableStringPtr(s.FinalResult), s.AppliedThreshold, s.AppliedDurationHours, boolInt(s.AppliedRequireQuorum),
		s.AppliedQuorumPercentage, s.AppliedQuorumBasis, s.ConfigVersion, s.EligibleVotersAtOpen, nullableIntPtr(s.EligibleVotersAtClose))
	return err
}

func (r Repo) GetSessionByResolution(ctx context.Context, tx *sql.Tx, resolutionID string) (domain.VotingSession, error) {
	return scanSession(r.on(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM voting_sessions WHERE resolution_id=?`, resolutionID))
}

// CloseSession only touches a session that is still open, so a racing
// close sees ErrNotFound rather than overwriting the first result.
func (r Repo) CloseSession(ctx context.Context, tx *sql.Tx, id, endedAt, closedBy, finalResult string, eligible int) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE voting_sessions SET is_closed=1, ended_at=?, closed_by_agent_id=?, final_result=?, eligible_voters_at_close=?
WHERE id=? AND is_closed=0`,
		endedAt, closedBy, finalResult, eligible, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO votes(id,session_id,agent_id,choice,reason,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.SessionID, v.AgentID, v.Choice, nullable(v.Reason), v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) GetVote(ctx context.Context, tx *sql.Tx, sessionID, agentID string) (domain.Vote, error) {
	var v domain.Vote
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,session_id,agent_id,choice,COALESCE(reason,''),created_at,updated_at FROM votes WHERE session_id=? AND agent_id=?`,
		sessionID, agentID).Scan(&v.ID, &v.SessionID, &v.AgentID, &v.Choice, &v.Reason, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) UpdateVote(ctx context.Context, tx *sql.Tx, id, choice, reason, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE votes SET choice=?, reason=?, updated_at=? WHERE id=?`, choice, nullable(reason), now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// SessionChoices returns every choice recorded in a session.
func (r Repo) SessionChoices(ctx context.Context, tx *sql.Tx, sessionID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT choice FROM votes WHERE session_id=?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// VoteRecord is a vote joined with the voter's handle.
type VoteRecord struct {
	domain.Vote
	AgentHandle string
}

// ListSessionVotes returns votes newest first. Missing handles come back empty.
func (r Repo) ListSessionVotes(ctx context.Context, sessionID string) ([]VoteRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT v.id, v.session_id, v.agent_id, v.choice, COALESCE(v.reason,''), v.created_at, v.updated_at, COALESCE(a.handle,'')
FROM votes v LEFT JOIN agents a ON a.id=v.agent_id
WHERE v.session_id=?
ORDER BY v.created_at DESC, v.rowid DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []VoteRecord
	for rows.Next() {
		var rec VoteRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.AgentID, &rec.Choice, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt, &rec.AgentHandle); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
