package repo

import (
	"context"
	"database/sql"

	"concord/internal/domain"
)

func (r Repo) GetVotingConfig(ctx context.Context, tx *sql.Tx) (domain.VotingConfig, error) {
	var c domain.VotingConfig
	var allowAbstain, allowChange, requireQuorum int
	var updatedBy sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `
SELECT id,approval_threshold,default_duration_hours,allow_abstain,allow_vote_change,require_quorum,quorum_percentage,quorum_basis,version,updated_by_agent_id,created_at,updated_at
FROM voting_config WHERE id=?`, domain.VotingConfigID).
		Scan(&c.ID, &c.ApprovalThreshold, &c.DefaultDurationHours, &allowAbstain, &allowChange, &requireQuorum, &c.QuorumPercentage, &c.QuorumBasis,
			&c.Version, &updatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.AllowAbstain = allowAbstain == 1
	c.AllowVoteChange = allowChange == 1
	c.RequireQuorum = requireQuorum == 1
	c.UpdatedByID = stringPtr(updatedBy)
	return c, nil
}

// InsertVotingConfig is a no-op when the singleton already exists.
func (r Repo) InsertVotingConfig(ctx context.Context, tx *sql.Tx, c domain.VotingConfig) error {
	_, err := r.on(tx).ExecContext(ctx, `
INSERT OR IGNORE INTO voting_config(id,approval_threshold,default_duration_hours,allow_abstain,allow_vote_change,require_quorum,quorum_percentage,quorum_basis,version,updated_by_agent_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		domain.VotingConfigID, c.ApprovalThreshold, c.DefaultDurationHours, boolInt(c.AllowAbstain), boolInt(c.AllowVoteChange), boolInt(c.RequireQuorum),
		c.QuorumPercentage, c.QuorumBasis, c.Version, nullableStringPtr(c.UpdatedByID), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) UpdateVotingConfig(ctx context.Context, tx *sql.Tx, c domain.VotingConfig) error {
	res, err := r.on(tx).ExecContext(ctx, `
UPDATE voting_config SET approval_threshold=?, default_duration_hours=?, allow_abstain=?, allow_vote_change=?, require_quorum=?,
  quorum_percentage=?, quorum_basis=?, version=?, updated_by_agent_id=?, updated_at=?
WHERE id=?`,
		c.ApprovalThreshold, c.DefaultDurationHours, boolInt(c.AllowAbstain), boolInt(c.AllowVoteChange), boolInt(c.RequireQuorum),
		c.QuorumPercentage, c.QuorumBasis, c.Version, nullableStringPtr(c.UpdatedByID), c.UpdatedAt, domain.VotingConfigID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
