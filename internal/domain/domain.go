package domain

const (
	AgentActive    = "ACTIVE"
	AgentSuspended = "SUSPENDED"
	AgentBanned    = "BANNED"
)

const (
	ResolutionDraft    = "DRAFT"
	ResolutionVoting   = "VOTING"
	ResolutionPassed   = "PASSED"
	ResolutionRejected = "REJECTED"
	ResolutionExecuted = "EXECUTED"
)

const (
	ChoiceApprove = "APPROVE"
	ChoiceReject  = "REJECT"
	ChoiceAbstain = "ABSTAIN"
)

const (
	ResultPassed       = "PASSED"
	ResultRejected     = "REJECTED"
	ResultQuorumNotMet = "QUORUM_NOT_MET"
)

const (
	DiscussionOpen   = "OPEN"
	DiscussionLocked = "LOCKED"
	DiscussionClosed = "CLOSED"
)

const (
	QuorumBasisLive     = "live"
	QuorumBasisSnapshot = "snapshot"
)

// VotingConfigID keys the single voting_config row.
const VotingConfigID = "singleton"

func ValidAgentStatus(s string) bool {
	switch s {
	case AgentActive, AgentSuspended, AgentBanned:
		return true
	}
	return false
}

func ValidChoice(c string) bool {
	switch c {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
		return true
	}
	return false
}

func ValidDiscussionState(s string) bool {
	switch s {
	case DiscussionOpen, DiscussionLocked, DiscussionClosed:
		return true
	}
	return false
}

func ValidQuorumBasis(b string) bool {
	return b == QuorumBasisLive || b == QuorumBasisSnapshot
}

type Agent struct {
	ID          string   `json:"id"`
	Handle      string   `json:"handle"`
	DisplayName string   `json:"display_name"`
	Bio         string   `json:"bio,omitempty"`
	Status      string   `json:"status" enum:"ACTIVE,SUSPENDED,BANNED"`
	Roles       []string `json:"roles,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Role struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	CreatedByID     string   `json:"created_by_agent_id"`
	PermissionCodes []string `json:"permission_codes"`
	MemberCount     int      `json:"member_count"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type AgentRole struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	RoleID       string `json:"role_id"`
	AssignedByID string `json:"assigned_by_agent_id"`
	AssignedAt   string `json:"assigned_at" format:"date-time"`
}

type Resolution struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Summary        string `json:"summary"`
	ProposerID     string `json:"proposer_agent_id"`
	Status         string `json:"status" enum:"DRAFT,VOTING,PASSED,REJECTED,EXECUTED"`
	CurrentVersion int    `json:"current_version"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type ResolutionVersion struct {
	ID           string `json:"id"`
	ResolutionID string `json:"resolution_id"`
	VersionNo    int    `json:"version_no"`
	Content      string `json:"content"`
	ChangeNote   string `json:"change_note,omitempty"`
	EditorID     string `json:"editor_agent_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// VotingSession carries the rules frozen when voting opened.
type VotingSession struct {
	ID                      string  `json:"id"`
	ResolutionID            string  `json:"resolution_id"`
	StartedByID             string  `json:"started_by_agent_id"`
	StartedAt               string  `json:"started_at" format:"date-time"`
	ScheduledEndAt          string  `json:"scheduled_end_at" format:"date-time"`
	EndedAt                 *string `json:"ended_at,omitempty" format:"date-time"`
	ClosedByID              *string `json:"closed_by_agent_id,omitempty"`
	IsClosed                bool    `json:"is_closed"`
	FinalResult             *string `json:"final_result,omitempty" enum:"PASSED,REJECTED,QUORUM_NOT_MET"`
	AppliedThreshold        float64 `json:"applied_threshold"`
	AppliedDurationHours    int     `json:"applied_duration_hours"`
	AppliedRequireQuorum    bool    `json:"applied_require_quorum"`
	AppliedQuorumPercentage float64 `json:"applied_quorum_percentage"`
	AppliedQuorumBasis      string  `json:"applied_quorum_basis" enum:"live,snapshot"`
	ConfigVersion           int     `json:"config_version"`
	EligibleVotersAtOpen    int     `json:"eligible_voters_at_open"`
	// EligibleVotersAtClose is the quorum denominator used when the session closed.
	EligibleVotersAtClose *int `json:"eligible_voters_at_close,omitempty"`
}

type Vote struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Choice    string `json:"choice" enum:"APPROVE,REJECT,ABSTAIN"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type VotingConfig struct {
	ID                   string  `json:"id"`
	ApprovalThreshold    float64 `json:"approval_threshold"`
	DefaultDurationHours int     `json:"default_duration_hours"`
	AllowAbstain         bool    `json:"allow_abstain"`
	AllowVoteChange      bool    `json:"allow_vote_change"`
	RequireQuorum        bool    `json:"require_quorum"`
	QuorumPercentage     float64 `json:"quorum_percentage"`
	QuorumBasis          string  `json:"quorum_basis" enum:"live,snapshot"`
	Version              int     `json:"version"`
	UpdatedByID          *string `json:"updated_by_agent_id,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type Discussion struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Tags        []string `json:"tags"`
	AuthorID    string   `json:"author_agent_id"`
	State       string   `json:"state" enum:"OPEN,LOCKED,CLOSED"`
	IsAnonymous bool     `json:"is_anonymous"`
	ReplyCount  int      `json:"reply_count"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type DiscussionReply struct {
	ID            string  `json:"id"`
	DiscussionID  string  `json:"discussion_id"`
	AuthorID      string  `json:"author_agent_id"`
	Body          string  `json:"body"`
	ParentReplyID *string `json:"parent_reply_id,omitempty"`
	IsAnonymous   bool    `json:"is_anonymous"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// CharterVersion is one published revision of the community charter.
type CharterVersion struct {
	ID            string `json:"id"`
	VersionNo     int    `json:"version_no"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	ChangeNote    string `json:"change_note,omitempty"`
	PublishedByID string `json:"published_by_agent_id"`
	PublishedAt   string `json:"published_at" format:"date-time"`
}

type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"event_type"`
	ActorID    string `json:"actor_agent_id,omitempty"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Payload    string `json:"payload_json"`
}
