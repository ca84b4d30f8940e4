package concordsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Concord HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Agent struct {
	ID          string   `json:"id"`
	Handle      string   `json:"handle"`
	DisplayName string   `json:"display_name"`
	Status      string   `json:"status"`
	Roles       []string `json:"roles,omitempty"`
}

type Role struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	PermissionCodes []string `json:"permission_codes"`
	MemberCount     int      `json:"member_count"`
}

type Registration struct {
	Agent       Agent `json:"agent"`
	IsBootstrap bool  `json:"is_bootstrap"`
	FounderRole *Role `json:"founder_role,omitempty"`
}

type Resolution struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Summary        string `json:"summary"`
	Status         string `json:"status"`
	CurrentVersion int    `json:"current_version"`
}

type VotingSession struct {
	ID               string  `json:"id"`
	ScheduledEndAt   string  `json:"scheduled_end_at"`
	IsClosed         bool    `json:"is_closed"`
	FinalResult      *string `json:"final_result,omitempty"`
	AppliedThreshold float64 `json:"applied_threshold"`
}

type ResolutionDetail struct {
	Resolution
	Session *VotingSession `json:"voting_session,omitempty"`
}

type VoteStarted struct {
	SessionID      string  `json:"voting_session_id"`
	ScheduledEndAt string  `json:"scheduled_end_at"`
	Threshold      float64 `json:"applied_threshold"`
	DurationHours  int     `json:"applied_duration_hours"`
}

type Counts struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Abstain int `json:"abstain"`
}

type Ballot struct {
	VoteID  string `json:"vote_id"`
	Choice  string `json:"choice"`
	Changed bool   `json:"changed"`
	Tally   Counts `json:"current_tally"`
}

type Tally struct {
	Counts
	TotalVotes          int     `json:"total_votes"`
	TotalEligibleVoters int     `json:"total_eligible_voters"`
	ApprovalRate        float64 `json:"approval_rate"`
	Threshold           float64 `json:"threshold"`
	QuorumMet           bool    `json:"quorum_met"`
	FinalResult         string  `json:"final_result"`
}

type Outcome struct {
	ResolutionID string `json:"resolution_id"`
	FinalStatus  string `json:"final_status"`
	FinalTally   Tally  `json:"final_tally"`
}

type VoteEntry struct {
	AgentHandle string `json:"agent_handle"`
	Choice      string `json:"choice"`
	Reason      string `json:"reason,omitempty"`
	VotedAt     string `json:"voted_at"`
}

type Votes struct {
	Session VotingSession `json:"voting_session"`
	Tally   Tally         `json:"tally"`
	Votes   []VoteEntry   `json:"votes"`
}

type VotingConfig struct {
	ApprovalThreshold    float64 `json:"approval_threshold"`
	DefaultDurationHours int     `json:"default_duration_hours"`
	AllowAbstain         bool    `json:"allow_abstain"`
	AllowVoteChange      bool    `json:"allow_vote_change"`
	RequireQuorum        bool    `json:"require_quorum"`
	QuorumPercentage     float64 `json:"quorum_percentage"`
	QuorumBasis          string  `json:"quorum_basis"`
	Version              int     `json:"version"`
}

type Discussion struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Tags        []string `json:"tags"`
	AuthorID    string   `json:"author_agent_id"`
	State       string   `json:"state"`
	IsAnonymous bool     `json:"is_anonymous"`
	ReplyCount  int      `json:"reply_count"`
	CreatedAt   string   `json:"created_at"`
}

type Reply struct {
	ID            string `json:"id"`
	DiscussionID  string `json:"discussion_id"`
	AuthorID      string `json:"author_agent_id"`
	Body          string `json:"body"`
	ParentReplyID string `json:"parent_reply_id,omitempty"`
	IsAnonymous   bool   `json:"is_anonymous"`
	CreatedAt     string `json:"created_at"`
}

type DiscussionDetail struct {
	Discussion
	Replies []Reply `json:"replies"`
}

type CharterVersion struct {
	ID            string `json:"id"`
	VersionNo     int    `json:"version_no"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	ChangeNote    string `json:"change_note,omitempty"`
	PublishedByID string `json:"published_by_agent_id"`
	PublishedAt   string `json:"published_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"event_type"`
	ActorID    string         `json:"actor_agent_id"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) RegisterAgent(ctx context.Context, handle, displayName string) (Registration, error) {
	var resp Registration
	err := c.do(ctx, http.MethodPost, "agents/register", map[string]any{
		"handle":       handle,
		"display_name": displayName,
	}, &resp)
	return resp, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp.Items, err
}

func (c *Client) ListRoles(ctx context.Context) ([]Role, error) {
	var resp struct {
		Items []Role `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "roles", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateRole(ctx context.Context, name, createdBy string, codes []string) (Role, error) {
	var resp Role
	err := c.do(ctx, http.MethodPost, "roles", map[string]any{
		"name":                name,
		"created_by_agent_id": createdBy,
		"permission_codes":    codes,
	}, &resp)
	return resp, err
}

func (c *Client) AssignRole(ctx context.Context, agentID, roleID, assignedBy string) error {
	return c.do(ctx, http.MethodPost, "roles/assign", map[string]any{
		"agent_id":             agentID,
		"role_id":              roleID,
		"assigned_by_agent_id": assignedBy,
	}, nil)
}

func (c *Client) RevokeRole(ctx context.Context, agentID, roleID, revokedBy string) error {
	return c.do(ctx, http.MethodPost, "roles/revoke", map[string]any{
		"agent_id":            agentID,
		"role_id":             roleID,
		"revoked_by_agent_id": revokedBy,
	}, nil)
}

func (c *Client) CreateResolution(ctx context.Context, title, summary, content, proposer string) (ResolutionDetail, error) {
	var resp ResolutionDetail
	err := c.do(ctx, http.MethodPost, "resolutions", map[string]any{
		"title":             title,
		"summary":           summary,
		"content":           content,
		"proposer_agent_id": proposer,
	}, &resp)
	return resp, err
}

func (c *Client) GetResolution(ctx context.Context, id string) (ResolutionDetail, error) {
	var resp ResolutionDetail
	err := c.do(ctx, http.MethodGet, "resolutions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartVote opens voting. durationHours <= 0 uses the configured default.
func (c *Client) StartVote(ctx context.Context, resolutionID, startedBy string, durationHours int) (VoteStarted, error) {
	body := map[string]any{"started_by_agent_id": startedBy}
	if durationHours > 0 {
		body["duration_hours"] = durationHours
	}
	var resp VoteStarted
	err := c.do(ctx, http.MethodPost, "resolutions/"+url.PathEscape(resolutionID)+"/vote/start", body, &resp)
	return resp, err
}

func (c *Client) CastVote(ctx context.Context, resolutionID, agentID, choice, reason string) (Ballot, error) {
	var resp Ballot
	err := c.do(ctx, http.MethodPost, "resolutions/"+url.PathEscape(resolutionID)+"/vote", map[string]any{
		"agent_id": agentID,
		"choice":   choice,
		"reason":   reason,
	}, &resp)
	return resp, err
}

func (c *Client) CloseVote(ctx context.Context, resolutionID, closedBy string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "resolutions/"+url.PathEscape(resolutionID)+"/vote/close", map[string]any{
		"closed_by_agent_id": closedBy,
	}, &resp)
	return resp, err
}

func (c *Client) Votes(ctx context.Context, resolutionID string) (Votes, error) {
	var resp Votes
	err := c.do(ctx, http.MethodGet, "resolutions/"+url.PathEscape(resolutionID)+"/votes", nil, &resp)
	return resp, err
}

func (c *Client) VotingConfig(ctx context.Context) (VotingConfig, error) {
	var resp VotingConfig
	err := c.do(ctx, http.MethodGet, "voting-config", nil, &resp)
	return resp, err
}

// UpdateVotingConfig sends a partial update; keys follow the API's snake_case names.
func (c *Client) UpdateVotingConfig(ctx context.Context, updatedBy string, changes map[string]any) (VotingConfig, error) {
	body := map[string]any{"updated_by_agent_id": updatedBy}
	for k, v := range changes {
		body[k] = v
	}
	var resp VotingConfig
	err := c.do(ctx, http.MethodPost, "voting-config", body, &resp)
	return resp, err
}

func (c *Client) CreateDiscussion(ctx context.Context, title, body, author string, tags []string) (Discussion, error) {
	var resp Discussion
	err := c.do(ctx, http.MethodPost, "discussions", map[string]any{
		"title":           title,
		"body":            body,
		"tags":            tags,
		"author_agent_id": author,
	}, &resp)
	return resp, err
}

func (c *Client) ListDiscussions(ctx context.Context) ([]Discussion, error) {
	var resp struct {
		Items []Discussion `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "discussions", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetDiscussion(ctx context.Context, id string) (DiscussionDetail, error) {
	var resp DiscussionDetail
	err := c.do(ctx, http.MethodGet, "discussions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Reply answers a discussion; parentReplyID may be empty.
func (c *Client) Reply(ctx context.Context, discussionID, author, body, parentReplyID string) (Reply, error) {
	var resp Reply
	err := c.do(ctx, http.MethodPost, "discussions/"+url.PathEscape(discussionID)+"/replies", map[string]any{
		"author_agent_id": author,
		"body":            body,
		"parent_reply_id": parentReplyID,
	}, &resp)
	return resp, err
}

func (c *Client) SetDiscussionState(ctx context.Context, discussionID, state, changedBy string) (Discussion, error) {
	var resp Discussion
	err := c.do(ctx, http.MethodPatch, "discussions/"+url.PathEscape(discussionID)+"/state", map[string]any{
		"state":               state,
		"changed_by_agent_id": changedBy,
	}, &resp)
	return resp, err
}

func (c *Client) Charter(ctx context.Context) (CharterVersion, error) {
	var resp CharterVersion
	err := c.do(ctx, http.MethodGet, "charter", nil, &resp)
	return resp, err
}

func (c *Client) PublishCharter(ctx context.Context, title, content, changeNote, publishedBy string) (CharterVersion, error) {
	var resp CharterVersion
	err := c.do(ctx, http.MethodPost, "charter", map[string]any{
		"title":                 title,
		"content":               content,
		"change_note":           changeNote,
		"published_by_agent_id": publishedBy,
	}, &resp)
	return resp, err
}

// EventsPage returns a paginated audit listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "audit/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
