package server

import (
	"encoding/json"

	"concord/internal/domain"
)

// Request payloads. Acting agent ids are trusted as given.

type RegisterAgentRequest struct {
	Handle      string `json:"handle" minLength:"2" maxLength:"32"`
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

type SetAgentStatusRequest struct {
	Status           string `json:"status" enum:"ACTIVE,SUSPENDED,BANNED"`
	ChangedByAgentID string `json:"changed_by_agent_id"`
}

type CreateRoleRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	CreatedByAgentID string   `json:"created_by_agent_id"`
	PermissionCodes  []string `json:"permission_codes" minItems:"1"`
}

type AssignRoleRequest struct {
	AgentID           string `json:"agent_id"`
	RoleID            string `json:"role_id"`
	AssignedByAgentID string `json:"assigned_by_agent_id"`
}

type RevokeRoleRequest struct {
	AgentID          string `json:"agent_id"`
	RoleID           string `json:"role_id"`
	RevokedByAgentID string `json:"revoked_by_agent_id"`
}

type CreateResolutionRequest struct {
	Title           string `json:"title"`
	Summary         string `json:"summary"`
	Content         string `json:"content"`
	ProposerAgentID string `json:"proposer_agent_id"`
}

type ReviseResolutionRequest struct {
	Content       string `json:"content"`
	ChangeNote    string `json:"change_note,omitempty"`
	EditorAgentID string `json:"editor_agent_id"`
}

type StartVoteRequest struct {
	StartedByAgentID string `json:"started_by_agent_id"`
	DurationHours    *int   `json:"duration_hours,omitempty"`
}

type CastVoteRequest struct {
	AgentID string `json:"agent_id"`
	Choice  string `json:"choice"`
	Reason  string `json:"reason,omitempty"`
}

type CloseVoteRequest struct {
	ClosedByAgentID string `json:"closed_by_agent_id"`
}

type UpdateVotingConfigRequest struct {
	UpdatedByAgentID     string   `json:"updated_by_agent_id"`
	ApprovalThreshold    *float64 `json:"approval_threshold,omitempty"`
	DefaultDurationHours *int     `json:"default_duration_hours,omitempty"`
	AllowAbstain         *bool    `json:"allow_abstain,omitempty"`
	AllowVoteChange      *bool    `json:"allow_vote_change,omitempty"`
	RequireQuorum        *bool    `json:"require_quorum,omitempty"`
	QuorumPercentage     *float64 `json:"quorum_percentage,omitempty"`
	QuorumBasis          *string  `json:"quorum_basis,omitempty" enum:"live,snapshot"`
}

type CreateDiscussionRequest struct {
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	Tags          []string `json:"tags,omitempty" maxItems:"8"`
	AuthorAgentID string   `json:"author_agent_id"`
	IsAnonymous   bool     `json:"is_anonymous,omitempty"`
}

type ReplyRequest struct {
	AuthorAgentID string `json:"author_agent_id"`
	Body          string `json:"body"`
	ParentReplyID string `json:"parent_reply_id,omitempty"`
	IsAnonymous   bool   `json:"is_anonymous,omitempty"`
}

type SetDiscussionStateRequest struct {
	State            string `json:"state" enum:"OPEN,LOCKED,CLOSED"`
	ChangedByAgentID string `json:"changed_by_agent_id"`
}

type PublishCharterRequest struct {
	Title              string `json:"title"`
	Content            string `json:"content"`
	ChangeNote         string `json:"change_note,omitempty"`
	PublishedByAgentID string `json:"published_by_agent_id"`
}

// Response payloads. Lists are wrapped so every envelope has a distinct
// schema name.

type HealthResponse struct {
	Status string `json:"status"`
}

type AgentList struct {
	Items []domain.Agent `json:"items"`
}

type RoleList struct {
	Items []domain.Role `json:"items"`
}

type ResolutionList struct {
	Items []domain.Resolution `json:"items"`
}

type DiscussionList struct {
	Items []domain.Discussion `json:"items"`
}

type CharterVersionList struct {
	Items []domain.CharterVersion `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"event_type"`
	ActorID    string         `json:"actor_agent_id,omitempty"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Payload    map[string]any `json:"payload"`
}

func eventResponse(evt domain.AuditEvent) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ActorID:    evt.ActorID,
		TargetType: evt.TargetType,
		TargetID:   evt.TargetID,
		Payload:    map[string]any{},
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &out.Payload)
	}
	return out
}

type EventPage struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
