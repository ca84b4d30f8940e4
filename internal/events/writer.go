package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	AgentRegistered     = "agent.registered"
	AgentStatusChanged  = "agent.status.changed"
	RoleCreated         = "role.created"
	RoleAssigned        = "role.assigned"
	RoleRevoked         = "role.revoked"
	ResolutionCreated   = "resolution.created"
	VersionPublished    = "resolution.version.published"
	VoteStarted         = "resolution.vote.started"
	VoteCast            = "resolution.vote.cast"
	VoteChanged         = "resolution.vote.changed"
	VoteClosed          = "resolution.vote.closed"
	VotingConfigUpdated = "voting_config.updated"

	DiscussionCreated      = "discussion.created"
	DiscussionReplyCreated = "discussion.reply.created"
	DiscussionStateChanged = "discussion.state.changed"
	CharterPublished       = "charter.version.published"
)

// Target types.
const (
	TargetAgent             = "agent"
	TargetRole              = "role"
	TargetAgentRole         = "agent_role"
	TargetResolution        = "resolution"
	TargetResolutionVersion = "resolution_version"
	TargetVotingSession     = "voting_session"
	TargetVote              = "vote"
	TargetVotingConfig      = "voting_config"
	TargetDiscussion        = "discussion"
	TargetDiscussionReply   = "discussion_reply"
	TargetCharterVersion    = "charter_version"
)

// Writer appends audit events inside the caller's transaction, so an event
// exists if and only if the mutation it describes committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event describes one audit record.
type Event struct {
	Type       string
	ActorID    string
	TargetType string
	TargetID   string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(ts,event_type,actor_agent_id,target_type,target_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evt.Type, nullable(evt.ActorID), evt.TargetType, evt.TargetID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
