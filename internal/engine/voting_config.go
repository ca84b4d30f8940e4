package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"concord/internal/domain"
	"concord/internal/engine/auth"
	"concord/internal/events"
	"concord/internal/repo"
)

// votingConfig reads the singleton, creating it from the configured defaults
// on first use.
func (e Engine) votingConfig(ctx context.Context, tx *sql.Tx) (domain.VotingConfig, error) {
	cfg, err := e.Repo.GetVotingConfig(ctx, tx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return cfg, err
	}
	d := e.Config.Voting
	now := e.stamp(e.now())
	seed := domain.VotingConfig{
		ID:                   domain.VotingConfigID,
		ApprovalThreshold:    d.ApprovalThreshold,
		DefaultDurationHours: d.DefaultDurationHours,
		AllowAbstain:         d.AllowAbstain,
		AllowVoteChange:      d.AllowVoteChange,
		RequireQuorum:        d.RequireQuorum,
		QuorumPercentage:     d.QuorumPercentage,
		QuorumBasis:          d.QuorumBasis,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Repo.InsertVotingConfig(ctx, tx, seed); err != nil {
		return cfg, fmt.Errorf("seed voting config: %w", err)
	}
	return e.Repo.GetVotingConfig(ctx, tx)
}

// VotingConfig returns the current voting configuration.
func (e Engine) VotingConfig(ctx context.Context) (cfg domain.VotingConfig, err error) {
	defer e.track("voting_config", time.Now(), &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return cfg, err
	}
	defer tx.Rollback()
	if cfg, err = e.votingConfig(ctx, tx); err != nil {
		return cfg, err
	}
	return cfg, tx.Commit()
}

// UpdateVotingConfigOptions is a partial update; nil fields keep their value.
type UpdateVotingConfigOptions struct {
	UpdatedByID          string
	ApprovalThreshold    *float64
	DefaultDurationHours *int
	AllowAbstain         *bool
	AllowVoteChange      *bool
	RequireQuorum        *bool
	QuorumPercentage     *float64
	QuorumBasis          *string
}

func validateVotingConfig(c domain.VotingConfig) error {
	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return badRequest("approval_threshold must be in (0,1]", details{"approval_threshold": c.ApprovalThreshold})
	}
	if c.DefaultDurationHours <= 0 {
		return badRequest("default_duration_hours must be positive", details{"default_duration_hours": c.DefaultDurationHours})
	}
	if c.QuorumPercentage <= 0 || c.QuorumPercentage > 1 {
		return badRequest("quorum_percentage must be in (0,1]", details{"quorum_percentage": c.QuorumPercentage})
	}
	if !domain.ValidQuorumBasis(c.QuorumBasis) {
		return badRequest("quorum_basis must be live or snapshot", details{"quorum_basis": c.QuorumBasis})
	}
	return nil
}

// UpdateVotingConfig applies a partial update and bumps the version. Open
// sessions keep the values they froze when they started.
func (e Engine) UpdateVotingConfig(ctx context.Context, opts UpdateVotingConfigOptions) (cfg domain.VotingConfig, err error) {
	defer e.track("update_voting_config", time.Now(), &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return cfg, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.UpdatedByID); err != nil {
		return cfg, err
	}
	if err := e.authorize(ctx, tx, opts.UpdatedByID, auth.ActionConfigUpdate); err != nil {
		return cfg, err
	}
	cfg, err = e.votingConfig(ctx, tx)
	if err != nil {
		return cfg, err
	}
	if opts.ApprovalThreshold != nil {
		cfg.ApprovalThreshold = *opts.ApprovalThreshold
	}
	if opts.DefaultDurationHours != nil {
		cfg.DefaultDurationHours = *opts.DefaultDurationHours
	}
	if opts.AllowAbstain != nil {
		cfg.AllowAbstain = *opts.AllowAbstain
	}
	if opts.AllowVoteChange != nil {
		cfg.AllowVoteChange = *opts.AllowVoteChange
	}
	if opts.RequireQuorum != nil {
		cfg.RequireQuorum = *opts.RequireQuorum
	}
	if opts.QuorumPercentage != nil {
		cfg.QuorumPercentage = *opts.QuorumPercentage
	}
	if opts.QuorumBasis != nil {
		cfg.QuorumBasis = *opts.QuorumBasis
	}
	if err := validateVotingConfig(cfg); err != nil {
		return cfg, err
	}
	cfg.Version++
	updatedBy := opts.UpdatedByID
	cfg.UpdatedByID = &updatedBy
	cfg.UpdatedAt = e.stamp(e.now())
	if err := e.Repo.UpdateVotingConfig(ctx, tx, cfg); err != nil {
		return cfg, fmt.Errorf("update voting config: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.VotingConfigUpdated, ActorID: opts.UpdatedByID, TargetType: events.TargetVotingConfig, TargetID: cfg.ID,
		Payload: events.EventPayload{
			"approval_threshold":     cfg.ApprovalThreshold,
			"default_duration_hours": cfg.DefaultDurationHours,
			"allow_abstain":          cfg.AllowAbstain,
			"allow_vote_change":      cfg.AllowVoteChange,
			"require_quorum":         cfg.RequireQuorum,
			"quorum_percentage":      cfg.QuorumPercentage,
			"quorum_basis":           cfg.QuorumBasis,
			"version":                cfg.Version,
		},
	}); err != nil {
		return cfg, err
	}
	if err := tx.Commit(); err != nil {
		return cfg, err
	}
	e.logger().Info("voting config updated", "version", cfg.Version, "by", opts.UpdatedByID)
	return cfg, nil
}
