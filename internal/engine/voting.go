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
	"concord/internal/tally"
)

type OpenVotingOptions struct {
	ResolutionID string
	StartedByID  string
	// DurationHours overrides the configured default when set.
	DurationHours *int
}

type OpenVotingResult struct {
	SessionID            string  `json:"voting_session_id"`
	ResolutionID         string  `json:"resolution_id"`
	StartedAt            string  `json:"started_at" format:"date-time"`
	ScheduledEndAt       string  `json:"scheduled_end_at" format:"date-time"`
	AppliedThreshold     float64 `json:"applied_threshold"`
	AppliedDurationHours int     `json:"applied_duration_hours"`
}

func (e Engine) loadResolution(ctx context.Context, tx *sql.Tx, id string) (domain.Resolution, error) {
	res, err := e.Repo.GetResolution(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return res, notFound("resolution not found", details{"resolution_id": id})
	}
	return res, err
}

// loadSession maps a missing session to a business-rule error.
func (e Engine) loadSession(ctx context.Context, tx *sql.Tx, resolutionID string) (domain.VotingSession, error) {
	sess, err := e.Repo.GetSessionByResolution(ctx, tx, resolutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return sess, badRequest("voting has not started", details{"resolution_id": resolutionID})
	}
	return sess, err
}

// OpenVoting moves a DRAFT resolution into VOTING and freezes the current
// voting rules onto the new session.
func (e Engine) OpenVoting(ctx context.Context, opts OpenVotingOptions) (out OpenVotingResult, err error) {
	defer e.track("open_voting", time.Now(), &err)
	if opts.DurationHours != nil && *opts.DurationHours <= 0 {
		return out, badRequest("duration_hours must be positive", details{"duration_hours": *opts.DurationHours})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.StartedByID); err != nil {
		return out, err
	}
	res, err := e.loadResolution(ctx, tx, opts.ResolutionID)
	if err != nil {
		return out, err
	}
	if err := e.authorize(ctx, tx, opts.StartedByID, auth.ActionVoteStart); err != nil {
		return out, err
	}
	existing, err := e.Repo.GetSessionByResolution(ctx, tx, res.ID)
	switch {
	case err == nil && !existing.IsClosed:
		// an open session means the resolution is already VOTING
		return out, conflictErr("voting session already exists", details{"voting_session_id": existing.ID, "current_status": res.Status})
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return out, err
	}
	if res.Status != domain.ResolutionDraft {
		return out, badRequest("only DRAFT resolutions can open voting", details{"current_status": res.Status})
	}
	if err == nil {
		return out, conflictErr("voting session already exists", details{"voting_session_id": existing.ID})
	}
	cfg, err := e.votingConfig(ctx, tx)
	if err != nil {
		return out, err
	}
	eligible, err := e.Repo.CountActiveAgents(ctx, tx)
	if err != nil {
		return out, err
	}
	duration := cfg.DefaultDurationHours
	if opts.DurationHours != nil {
		duration = *opts.DurationHours
	}
	startedAt := e.now()
	sess := domain.VotingSession{
		ID:                      newID(),
		ResolutionID:            res.ID,
		StartedByID:             opts.StartedByID,
		StartedAt:               e.stamp(startedAt),
		ScheduledEndAt:          e.stamp(startedAt.Add(time.Duration(duration) * time.Hour)),
		AppliedThreshold:        cfg.ApprovalThreshold,
		AppliedDurationHours:    duration,
		AppliedRequireQuorum:    cfg.RequireQuorum,
		AppliedQuorumPercentage: cfg.QuorumPercentage,
		AppliedQuorumBasis:      cfg.QuorumBasis,
		ConfigVersion:           cfg.Version,
		EligibleVotersAtOpen:    eligible,
	}
	if err := e.Repo.InsertSession(ctx, tx, sess); err != nil {
		if repo.IsUniqueViolation(err) {
			return out, conflictErr("voting session already exists", nil)
		}
		return out, fmt.Errorf("insert voting session: %w", err)
	}
	if err := e.Repo.UpdateResolutionStatus(ctx, tx, res.ID, domain.ResolutionVoting, sess.StartedAt); err != nil {
		return out, fmt.Errorf("update resolution status: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.VoteStarted, ActorID: opts.StartedByID, TargetType: events.TargetVotingSession, TargetID: sess.ID,
		Payload: events.EventPayload{
			"resolution_id":          res.ID,
			"scheduled_end_at":       sess.ScheduledEndAt,
			"applied_threshold":      sess.AppliedThreshold,
			"applied_duration_hours": sess.AppliedDurationHours,
			"config_version":         sess.ConfigVersion,
		},
	}); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.Metrics.SessionOpened()
	e.logger().Info("voting opened", "resolution_id", res.ID, "session_id", sess.ID, "ends_at", sess.ScheduledEndAt)
	return OpenVotingResult{
		SessionID:            sess.ID,
		ResolutionID:         res.ID,
		StartedAt:            sess.StartedAt,
		ScheduledEndAt:       sess.ScheduledEndAt,
		AppliedThreshold:     sess.AppliedThreshold,
		AppliedDurationHours: sess.AppliedDurationHours,
	}, nil
}

type CastVoteOptions struct {
	ResolutionID string
	AgentID      string
	Choice       string
	Reason       string
}

type CastVoteResult struct {
	VoteID       string       `json:"vote_id"`
	Choice       string       `json:"choice"`
	Changed      bool         `json:"changed"`
	CurrentTally tally.Counts `json:"current_tally"`
}

const maxReason = 1000

// CastVote records a ballot, or replaces the agent's earlier ballot when the
// voting config allows changes.
func (e Engine) CastVote(ctx context.Context, opts CastVoteOptions) (out CastVoteResult, err error) {
	defer e.track("cast_vote", time.Now(), &err)
	if !domain.ValidChoice(opts.Choice) {
		return out, badRequest("choice must be APPROVE, REJECT or ABSTAIN", details{"choice": opts.Choice})
	}
	if len(opts.Reason) > maxReason {
		return out, badRequest("reason too long", details{"max": maxReason})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	agent, err := e.Repo.GetAgent(ctx, tx, opts.AgentID)
	if errors.Is(err, repo.ErrNotFound) {
		return out, notFound("agent not found", details{"agent_id": opts.AgentID})
	}
	if err != nil {
		return out, err
	}
	if agent.Status != domain.AgentActive {
		return out, forbiddenErr("only ACTIVE agents can vote", details{"agent_status": agent.Status})
	}
	res, err := e.loadResolution(ctx, tx, opts.ResolutionID)
	if err != nil {
		return out, err
	}
	sess, err := e.loadSession(ctx, tx, res.ID)
	if err != nil {
		return out, err
	}
	if sess.IsClosed {
		return out, badRequest("voting is closed", details{"voting_session_id": sess.ID})
	}
	now := e.now()
	endsAt, err := time.Parse(time.RFC3339Nano, sess.ScheduledEndAt)
	if err != nil {
		return out, fmt.Errorf("parse scheduled_end_at: %w", err)
	}
	if now.After(endsAt) {
		return out, badRequest("voting period has ended", details{"scheduled_end_at": sess.ScheduledEndAt})
	}
	cfg, err := e.votingConfig(ctx, tx)
	if err != nil {
		return out, err
	}
	if opts.Choice == domain.ChoiceAbstain && !cfg.AllowAbstain {
		return out, badRequest("abstaining is not allowed", nil)
	}

	stamp := e.stamp(now)
	existing, err := e.Repo.GetVote(ctx, tx, sess.ID, agent.ID)
	switch {
	case err == nil:
		if !cfg.AllowVoteChange {
			return out, conflictErr("vote already cast and changes are not allowed", details{"existing_choice": existing.Choice})
		}
		if err := e.Repo.UpdateVote(ctx, tx, existing.ID, opts.Choice, opts.Reason, stamp); err != nil {
			return out, fmt.Errorf("update vote: %w", err)
		}
		if err := e.emit(ctx, tx, events.Event{
			Type: events.VoteChanged, ActorID: agent.ID, TargetType: events.TargetVote, TargetID: existing.ID,
			Payload: events.EventPayload{
				"resolution_id":     res.ID,
				"voting_session_id": sess.ID,
				"previous_choice":   existing.Choice,
				"new_choice":        opts.Choice,
			},
		}); err != nil {
			return out, err
		}
		out = CastVoteResult{VoteID: existing.ID, Choice: opts.Choice, Changed: true}
	case errors.Is(err, repo.ErrNotFound):
		v := domain.Vote{
			ID:        newID(),
			SessionID: sess.ID,
			AgentID:   agent.ID,
			Choice:    opts.Choice,
			Reason:    opts.Reason,
			CreatedAt: stamp,
			UpdatedAt: stamp,
		}
		if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
			if repo.IsUniqueViolation(err) {
				return out, conflictErr("vote already cast", nil)
			}
			return out, fmt.Errorf("insert vote: %w", err)
		}
		if err := e.emit(ctx, tx, events.Event{
			Type: events.VoteCast, ActorID: agent.ID, TargetType: events.TargetVote, TargetID: v.ID,
			Payload: events.EventPayload{
				"resolution_id":     res.ID,
				"voting_session_id": sess.ID,
				"choice":            v.Choice,
			},
		}); err != nil {
			return out, err
		}
		out = CastVoteResult{VoteID: v.ID, Choice: v.Choice}
	default:
		return out, err
	}

	choices, err := e.Repo.SessionChoices(ctx, tx, sess.ID)
	if err != nil {
		return out, err
	}
	out.CurrentTally = tally.Count(choices)
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.Metrics.VoteRecorded(out.Choice, out.Changed)
	return out, nil
}

type CloseVotingOptions struct {
	ResolutionID string
	ClosedByID   string
}

type CloseVotingResult struct {
	ResolutionID string       `json:"resolution_id"`
	FinalStatus  string       `json:"final_status"`
	FinalTally   tally.Result `json:"final_tally"`
}

// eligibleVoters resolves the quorum denominator for a session. A closed
// session keeps the count it was closed with.
func (e Engine) eligibleVoters(ctx context.Context, tx *sql.Tx, sess domain.VotingSession) (int, error) {
	if sess.IsClosed && sess.EligibleVotersAtClose != nil {
		return *sess.EligibleVotersAtClose, nil
	}
	if sess.AppliedQuorumBasis == domain.QuorumBasisSnapshot {
		return sess.EligibleVotersAtOpen, nil
	}
	return e.Repo.CountActiveAgents(ctx, tx)
}

func sessionRules(sess domain.VotingSession) tally.Rules {
	return tally.Rules{
		Threshold:        sess.AppliedThreshold,
		RequireQuorum:    sess.AppliedRequireQuorum,
		QuorumPercentage: sess.AppliedQuorumPercentage,
	}
}

// CloseVoting tallies the session with the rules frozen at open and moves
// the resolution to PASSED or REJECTED. Closing before the scheduled end is
// allowed.
func (e Engine) CloseVoting(ctx context.Context, opts CloseVotingOptions) (out CloseVotingResult, err error) {
	defer e.track("close_voting", time.Now(), &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.ClosedByID); err != nil {
		return out, err
	}
	res, err := e.loadResolution(ctx, tx, opts.ResolutionID)
	if err != nil {
		return out, err
	}
	if err := e.authorize(ctx, tx, opts.ClosedByID, auth.ActionVoteClose); err != nil {
		return out, err
	}
	sess, err := e.loadSession(ctx, tx, res.ID)
	if err != nil {
		return out, err
	}
	if sess.IsClosed {
		return out, badRequest("voting is already closed", details{"voting_session_id": sess.ID})
	}
	choices, err := e.Repo.SessionChoices(ctx, tx, sess.ID)
	if err != nil {
		return out, err
	}
	eligible, err := e.eligibleVoters(ctx, tx, sess)
	if err != nil {
		return out, err
	}
	result := tally.Compute(choices, sessionRules(sess), eligible)

	endedAt := e.stamp(e.now())
	if err := e.Repo.CloseSession(ctx, tx, sess.ID, endedAt, opts.ClosedByID, result.FinalResult, eligible); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return out, badRequest("voting is already closed", details{"voting_session_id": sess.ID})
		}
		return out, fmt.Errorf("close voting session: %w", err)
	}
	if err := e.Repo.UpdateResolutionStatus(ctx, tx, res.ID, result.ResultingStatus, endedAt); err != nil {
		return out, fmt.Errorf("update resolution status: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.VoteClosed, ActorID: opts.ClosedByID, TargetType: events.TargetVotingSession, TargetID: sess.ID,
		Payload: events.EventPayload{
			"resolution_id":         res.ID,
			"final_result":          result.FinalResult,
			"approve_count":         result.Approve,
			"reject_count":          result.Reject,
			"abstain_count":         result.Abstain,
			"total_votes":           result.TotalVotes,
			"total_eligible_voters": result.TotalEligibleVoters,
			"approval_rate":         result.ApprovalRate,
			"threshold":             result.Threshold,
			"quorum_met":            result.QuorumMet,
		},
	}); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.Metrics.SessionClosed(result.FinalResult)
	e.logger().Info("voting closed", "resolution_id", res.ID, "result", result.FinalResult, "approval_rate", result.ApprovalRate)
	return CloseVotingResult{ResolutionID: res.ID, FinalStatus: result.ResultingStatus, FinalTally: result}, nil
}

type VoteView struct {
	AgentHandle string `json:"agent_handle"`
	Choice      string `json:"choice"`
	Reason      string `json:"reason,omitempty"`
	VotedAt     string `json:"voted_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type VotesResult struct {
	Session domain.VotingSession `json:"voting_session"`
	Tally   tally.Result         `json:"tally"`
	Votes   []VoteView           `json:"votes"`
}

// Votes is the read model for a resolution's ballots. Open sessions report a
// provisional tally computed the same way close would; closed sessions replay
// the closing tally, which matches the stored final result.
func (e Engine) Votes(ctx context.Context, resolutionID string) (VotesResult, error) {
	var out VotesResult
	if _, err := e.loadResolution(ctx, nil, resolutionID); err != nil {
		return out, err
	}
	sess, err := e.Repo.GetSessionByResolution(ctx, nil, resolutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return out, notFound("voting session not found", details{"resolution_id": resolutionID})
	}
	if err != nil {
		return out, err
	}
	records, err := e.Repo.ListSessionVotes(ctx, sess.ID)
	if err != nil {
		return out, err
	}
	choices := make([]string, 0, len(records))
	out.Votes = make([]VoteView, 0, len(records))
	for _, rec := range records {
		handle := rec.AgentHandle
		if handle == "" {
			handle = "unknown"
		}
		choices = append(choices, rec.Choice)
		out.Votes = append(out.Votes, VoteView{
			AgentHandle: handle,
			Choice:      rec.Choice,
			Reason:      rec.Reason,
			VotedAt:     rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	eligible, err := e.eligibleVoters(ctx, nil, sess)
	if err != nil {
		return out, err
	}
	out.Session = sess
	out.Tally = tally.Compute(choices, sessionRules(sess), eligible)
	return out, nil
}
