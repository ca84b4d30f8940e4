package auth

import (
	"context"
	"database/sql"
	"fmt"

	"concord/internal/repo"
)

// Actions checked through the Authorizer.
const (
	ActionVoteStart    = "vote.start"
	ActionVoteClose    = "vote.close"
	ActionConfigUpdate = "config.update"
	ActionRoleRevoke   = "role.revoke"
	ActionRoleAssign   = "role.assign"
	ActionRoleCreate   = "role.create"
	ActionAgentStatus  = "agent.status"

	ActionCharterPublish     = "charter.publish"
	ActionDiscussionModerate = "discussion.moderate"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Authorizer decides whether an agent may perform a privileged action. It
// runs inside the operation's transaction, after existence checks.
type Authorizer interface {
	Authorize(ctx context.Context, tx *sql.Tx, agentID, action string) error
}

// Noop allows everything.
type Noop struct{}

func (Noop) Authorize(context.Context, *sql.Tx, string, string) error { return nil }

// PermissionAuthorizer requires the agent to hold a permission code per
// action. Actions missing from the map are allowed.
type PermissionAuthorizer struct {
	Repo        repo.Repo
	Permissions map[string]string
}

// DefaultActionPermissions maps each action to the code that grants it.
func DefaultActionPermissions() map[string]string {
	return map[string]string{
		ActionVoteStart:    "resolution.vote.start",
		ActionVoteClose:    "resolution.vote.close",
		ActionConfigUpdate: "config.update",
		ActionRoleRevoke:   "role.revoke",
		ActionRoleAssign:   "role.assign",
		ActionRoleCreate:   "role.create",
		ActionAgentStatus:  "membership.reinstate",

		ActionCharterPublish:     "charter.publish",
		ActionDiscussionModerate: "discussion.moderate",
	}
}

func (a PermissionAuthorizer) Authorize(ctx context.Context, tx *sql.Tx, agentID, action string) error {
	perm, ok := a.Permissions[action]
	if !ok {
		return nil
	}
	has, err := a.Repo.AgentHasPermission(ctx, tx, agentID, perm)
	if err != nil {
		return err
	}
	if !has {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
