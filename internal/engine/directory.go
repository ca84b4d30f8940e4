package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"concord/internal/config"
	"concord/internal/domain"
	"concord/internal/engine/auth"
	"concord/internal/events"
	"concord/internal/repo"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

const (
	maxDisplayName     = 64
	maxBio             = 280
	maxRoleDescription = 280
	maxRolePermissions = 64
)

func validName(field, v string, min, max int) error {
	if n := len(v); n < min || n > max {
		return badRequest(fmt.Sprintf("%s must be %d-%d characters", field, min, max), details{"field": field})
	}
	if !namePattern.MatchString(v) {
		return badRequest(fmt.Sprintf("%s may only contain letters, digits, '_', '-' and '.'", field), details{"field": field})
	}
	return nil
}

type RegisterAgentOptions struct {
	Handle      string
	DisplayName string
	Bio         string
}

type RegisterAgentResult struct {
	Agent       domain.Agent `json:"agent"`
	IsBootstrap bool         `json:"is_bootstrap"`
	FounderRole *domain.Role `json:"founder_role,omitempty"`
}

// RegisterAgent creates an ACTIVE agent. The very first agent also receives
// the founder role, created in the same transaction.
func (e Engine) RegisterAgent(ctx context.Context, opts RegisterAgentOptions) (res RegisterAgentResult, err error) {
	defer e.track("register_agent", time.Now(), &err)
	handle := strings.TrimSpace(opts.Handle)
	if err := validName("handle", handle, 2, 32); err != nil {
		return res, err
	}
	displayName := strings.TrimSpace(opts.DisplayName)
	if displayName == "" {
		displayName = handle
	}
	if len(displayName) > maxDisplayName {
		return res, badRequest("display_name too long", details{"max": maxDisplayName})
	}
	if len(opts.Bio) > maxBio {
		return res, badRequest("bio too long", details{"max": maxBio})
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.GetAgentByHandle(ctx, tx, handle); err == nil {
		return res, conflictErr("handle already taken", details{"agent_id": existing.ID})
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	count, err := e.Repo.CountAgents(ctx, tx)
	if err != nil {
		return res, err
	}
	now := e.stamp(e.now())
	agent := domain.Agent{
		ID:          newID(),
		Handle:      handle,
		DisplayName: displayName,
		Bio:         opts.Bio,
		Status:      domain.AgentActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertAgent(ctx, tx, agent); err != nil {
		if repo.IsUniqueViolation(err) {
			return res, conflictErr("handle already taken", nil)
		}
		return res, fmt.Errorf("insert agent: %w", err)
	}
	res.IsBootstrap = count == 0
	if err := e.emit(ctx, tx, events.Event{
		Type: events.AgentRegistered, ActorID: agent.ID, TargetType: events.TargetAgent, TargetID: agent.ID,
		Payload: events.EventPayload{"handle": agent.Handle, "is_bootstrap": res.IsBootstrap},
	}); err != nil {
		return res, err
	}
	if res.IsBootstrap {
		role, err := e.bootstrapFounder(ctx, tx, agent.ID, now)
		if err != nil {
			return res, err
		}
		res.FounderRole = &role
		agent.Roles = []string{role.Name}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Agent = agent
	e.logger().Info("agent registered", "agent_id", agent.ID, "handle", agent.Handle, "bootstrap", res.IsBootstrap)
	return res, nil
}

func (e Engine) bootstrapFounder(ctx context.Context, tx *sql.Tx, agentID, now string) (domain.Role, error) {
	founder := e.Config.Governance.Founder
	role := domain.Role{
		ID:              newID(),
		Name:            founder.Role,
		Description:     founder.Description,
		CreatedByID:     agentID,
		PermissionCodes: normalizeCodes(founder.Permissions),
		MemberCount:     1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertRole(ctx, tx, role); err != nil {
		return role, fmt.Errorf("insert founder role: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.RoleCreated, ActorID: agentID, TargetType: events.TargetRole, TargetID: role.ID,
		Payload: events.EventPayload{"name": role.Name, "permission_codes": role.PermissionCodes, "bootstrap": true},
	}); err != nil {
		return role, err
	}
	ar := domain.AgentRole{ID: newID(), AgentID: agentID, RoleID: role.ID, AssignedByID: agentID, AssignedAt: now}
	if err := e.Repo.InsertAgentRole(ctx, tx, ar); err != nil {
		return role, fmt.Errorf("assign founder role: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.RoleAssigned, ActorID: agentID, TargetType: events.TargetAgentRole, TargetID: agentID + ":" + role.ID,
		Payload: events.EventPayload{"agent_id": agentID, "role_id": role.ID, "bootstrap": true},
	}); err != nil {
		return role, err
	}
	return role, nil
}

type SetAgentStatusOptions struct {
	AgentID     string
	Status      string
	ChangedByID string
}

// SetAgentStatus suspends, bans or reinstates an agent.
func (e Engine) SetAgentStatus(ctx context.Context, opts SetAgentStatusOptions) (agent domain.Agent, err error) {
	defer e.track("set_agent_status", time.Now(), &err)
	if !domain.ValidAgentStatus(opts.Status) {
		return agent, badRequest("status must be ACTIVE, SUSPENDED or BANNED", details{"status": opts.Status})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return agent, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.ChangedByID); err != nil {
		return agent, err
	}
	agent, err = e.Repo.GetAgent(ctx, tx, opts.AgentID)
	if errors.Is(err, repo.ErrNotFound) {
		return agent, notFound("agent not found", details{"agent_id": opts.AgentID})
	}
	if err != nil {
		return agent, err
	}
	if err := e.authorize(ctx, tx, opts.ChangedByID, auth.ActionAgentStatus); err != nil {
		return agent, err
	}
	previous := agent.Status
	if previous == opts.Status {
		return agent, nil
	}
	now := e.stamp(e.now())
	if err := e.Repo.UpdateAgentStatus(ctx, tx, agent.ID, opts.Status, now); err != nil {
		return agent, fmt.Errorf("update agent status: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.AgentStatusChanged, ActorID: opts.ChangedByID, TargetType: events.TargetAgent, TargetID: agent.ID,
		Payload: events.EventPayload{"previous_status": previous, "status": opts.Status},
	}); err != nil {
		return agent, err
	}
	if err := tx.Commit(); err != nil {
		return agent, err
	}
	agent.Status = opts.Status
	agent.UpdatedAt = now
	return agent, nil
}

type CreateRoleOptions struct {
	Name            string
	Description     string
	CreatedByID     string
	PermissionCodes []string
}

func normalizeCodes(in []string) []string {
	codes := lo.Uniq(lo.FilterMap(in, func(c string, _ int) (string, bool) {
		c = strings.TrimSpace(c)
		return c, c != ""
	}))
	sort.Strings(codes)
	return codes
}

func (e Engine) CreateRole(ctx context.Context, opts CreateRoleOptions) (role domain.Role, err error) {
	defer e.track("create_role", time.Now(), &err)
	name := strings.TrimSpace(opts.Name)
	if err := validName("name", name, 2, 64); err != nil {
		return role, err
	}
	if len(opts.Description) > maxRoleDescription {
		return role, badRequest("description too long", details{"max": maxRoleDescription})
	}
	codes := normalizeCodes(opts.PermissionCodes)
	if len(codes) == 0 || len(codes) > maxRolePermissions {
		return role, badRequest(fmt.Sprintf("a role needs 1-%d permission codes", maxRolePermissions), nil)
	}
	for _, c := range codes {
		if !config.ValidPermissionCode(c) {
			return role, badRequest("invalid permission code", details{"code": c})
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return role, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.CreatedByID); err != nil {
		return role, err
	}
	if err := e.authorize(ctx, tx, opts.CreatedByID, auth.ActionRoleCreate); err != nil {
		return role, err
	}
	now := e.stamp(e.now())
	role = domain.Role{
		ID:              newID(),
		Name:            name,
		Description:     opts.Description,
		CreatedByID:     opts.CreatedByID,
		PermissionCodes: codes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertRole(ctx, tx, role); err != nil {
		if repo.IsUniqueViolation(err) {
			return role, conflictErr("role name already exists", details{"name": name})
		}
		return role, fmt.Errorf("insert role: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.RoleCreated, ActorID: opts.CreatedByID, TargetType: events.TargetRole, TargetID: role.ID,
		Payload: events.EventPayload{"name": role.Name, "permission_codes": role.PermissionCodes},
	}); err != nil {
		return role, err
	}
	if err := tx.Commit(); err != nil {
		return role, err
	}
	return role, nil
}

type AssignRoleOptions struct {
	AgentID      string
	RoleID       string
	AssignedByID string
}

func (e Engine) AssignRole(ctx context.Context, opts AssignRoleOptions) (ar domain.AgentRole, err error) {
	defer e.track("assign_role", time.Now(), &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return ar, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.AgentID); err != nil {
		return ar, err
	}
	if _, err := e.Repo.GetRole(ctx, tx, opts.RoleID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ar, notFound("role not found", details{"role_id": opts.RoleID})
		}
		return ar, err
	}
	if err := e.requireAgent(ctx, tx, opts.AssignedByID); err != nil {
		return ar, err
	}
	if err := e.authorize(ctx, tx, opts.AssignedByID, auth.ActionRoleAssign); err != nil {
		return ar, err
	}
	if existing, err := e.Repo.GetAgentRole(ctx, tx, opts.AgentID, opts.RoleID); err == nil {
		return ar, conflictErr("agent already holds role", details{"agent_role_id": existing.ID})
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ar, err
	}
	ar = domain.AgentRole{
		ID:           newID(),
		AgentID:      opts.AgentID,
		RoleID:       opts.RoleID,
		AssignedByID: opts.AssignedByID,
		AssignedAt:   e.stamp(e.now()),
	}
	if err := e.Repo.InsertAgentRole(ctx, tx, ar); err != nil {
		if repo.IsUniqueViolation(err) {
			return ar, conflictErr("agent already holds role", nil)
		}
		return ar, fmt.Errorf("insert agent role: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.RoleAssigned, ActorID: opts.AssignedByID, TargetType: events.TargetAgentRole, TargetID: opts.AgentID + ":" + opts.RoleID,
		Payload: events.EventPayload{"agent_id": opts.AgentID, "role_id": opts.RoleID},
	}); err != nil {
		return ar, err
	}
	if err := tx.Commit(); err != nil {
		return ar, err
	}
	return ar, nil
}

type RevokeRoleOptions struct {
	AgentID     string
	RoleID      string
	RevokedByID string
}

type RevokeRoleResult struct {
	Revoked bool   `json:"revoked"`
	AgentID string `json:"agent_id"`
	RoleID  string `json:"role_id"`
}

// RevokeRole removes an assignment unless that would leave a critical
// permission without any holder.
func (e Engine) RevokeRole(ctx context.Context, opts RevokeRoleOptions) (res RevokeRoleResult, err error) {
	defer e.track("revoke_role", time.Now(), &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if err := e.requireAgent(ctx, tx, opts.RevokedByID); err != nil {
		return res, err
	}
	ar, err := e.Repo.GetAgentRole(ctx, tx, opts.AgentID, opts.RoleID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, notFound("agent does not hold role", details{"agent_id": opts.AgentID, "role_id": opts.RoleID})
	}
	if err != nil {
		return res, err
	}
	if err := e.authorize(ctx, tx, opts.RevokedByID, auth.ActionRoleRevoke); err != nil {
		return res, err
	}
	if err := e.Guard.CheckRevocation(ctx, tx, ar.RoleID); err != nil {
		var last auth.LastHolderError
		if errors.As(err, &last) {
			e.Metrics.Revocation("blocked")
			e.logger().Warn("role revocation blocked", "agent_id", opts.AgentID, "role_id", opts.RoleID, "permission", last.Permission)
			return res, forbiddenErr(last.Error(), details{"permission": last.Permission})
		}
		return res, err
	}
	if err := e.Repo.DeleteAgentRole(ctx, tx, ar.ID); err != nil {
		return res, fmt.Errorf("delete agent role: %w", err)
	}
	if err := e.emit(ctx, tx, events.Event{
		Type: events.RoleRevoked, ActorID: opts.RevokedByID, TargetType: events.TargetAgentRole, TargetID: ar.ID,
		Payload: events.EventPayload{"agent_id": opts.AgentID, "role_id": opts.RoleID},
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.Metrics.Revocation("revoked")
	return RevokeRoleResult{Revoked: true, AgentID: opts.AgentID, RoleID: opts.RoleID}, nil
}

func (e Engine) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx)
}

func (e Engine) ListRoles(ctx context.Context) ([]domain.Role, error) {
	return e.Repo.ListRoles(ctx)
}

// AgentPermissions lists the distinct codes an agent holds through its roles.
func (e Engine) AgentPermissions(ctx context.Context, agentID string) ([]string, error) {
	if err := e.requireAgent(ctx, nil, agentID); err != nil {
		return nil, err
	}
	return e.Repo.AgentPermissions(ctx, nil, agentID)
}
