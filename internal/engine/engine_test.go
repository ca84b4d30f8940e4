package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/domain"
	"concord/internal/engine"
	"concord/internal/engine/auth"
	"concord/internal/events"
	"concord/internal/metrics"
	"concord/internal/migrate"
	"concord/internal/repo"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *testClock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clock.Now
	eng.Metrics = metrics.New()
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock}
}

func (env testEnv) agent(t *testing.T, handle string) string {
	t.Helper()
	res, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Handle: handle})
	require.NoError(t, err)
	env.Clock.Advance(time.Second)
	return res.Agent.ID
}

func (env testEnv) agents(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.agent(t, fmt.Sprintf("voter-%02d", i))
	}
	return ids
}

func (env testEnv) resolution(t *testing.T, proposer string) string {
	t.Helper()
	res, err := env.Engine.CreateResolution(env.Ctx, engine.CreateResolutionOptions{
		Title:      "Adopt the charter",
		Summary:    "Ratify the community charter.",
		Content:    "Full charter text.",
		ProposerID: proposer,
	})
	require.NoError(t, err)
	return res.ID
}

func (env testEnv) open(t *testing.T, resolutionID, by string) engine.OpenVotingResult {
	t.Helper()
	out, err := env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: resolutionID, StartedByID: by})
	require.NoError(t, err)
	return out
}

func (env testEnv) vote(t *testing.T, resolutionID, agentID, choice string) engine.CastVoteResult {
	t.Helper()
	out, err := env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: resolutionID, AgentID: agentID, Choice: choice})
	require.NoError(t, err)
	return out
}

func (env testEnv) events(t *testing.T, evtType string) []domain.AuditEvent {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 200, 0, repo.EventFilter{Type: evtType})
	require.NoError(t, err)
	return evts
}

func requireKind(t *testing.T, err error, kind engine.Kind) *engine.Error {
	t.Helper()
	require.Error(t, err)
	var ee *engine.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, kind, ee.Kind, ee.Message)
	return ee
}

func ptr[T any](v T) *T { return &v }

func TestRegisterBootstrapsFounder(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Handle: "ada", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.True(t, first.IsBootstrap)
	require.NotNil(t, first.FounderRole)
	assert.Equal(t, "founder", first.FounderRole.Name)
	assert.Contains(t, first.FounderRole.PermissionCodes, "role.assign")
	assert.Equal(t, domain.AgentActive, first.Agent.Status)

	second, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Handle: "bob"})
	require.NoError(t, err)
	assert.False(t, second.IsBootstrap)
	assert.Nil(t, second.FounderRole)
	assert.Equal(t, "bob", second.Agent.DisplayName)

	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Handle: "bob"})
	requireKind(t, err, engine.KindConflict)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Handle: "x"})
	requireKind(t, err, engine.KindBadRequest)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{Handle: "no spaces"})
	requireKind(t, err, engine.KindBadRequest)

	agents, err := env.Engine.ListAgents(env.Ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "ada", agents[0].Handle)
	assert.Equal(t, []string{"founder"}, agents[0].Roles)
	assert.Empty(t, agents[1].Roles)

	all := env.events(t, "")
	require.Len(t, all, 4)
	// newest first: bob registered, founder assigned, founder created, ada registered
	assert.Equal(t, events.AgentRegistered, all[0].Type)
	assert.Equal(t, events.RoleAssigned, all[1].Type)
	assert.Equal(t, events.RoleCreated, all[2].Type)
	assert.Equal(t, events.AgentRegistered, all[3].Type)
}

func TestCreateAndAssignRoles(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	bob := env.agent(t, "bob")

	role, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{
		Name:            "moderator",
		CreatedByID:     ada,
		PermissionCodes: []string{" membership.reinstate ", "audit.read", "audit.read"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"audit.read", "membership.reinstate"}, role.PermissionCodes)

	_, err = env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{Name: "moderator", CreatedByID: ada, PermissionCodes: []string{"audit.read"}})
	requireKind(t, err, engine.KindConflict)
	_, err = env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{Name: "empty", CreatedByID: ada})
	requireKind(t, err, engine.KindBadRequest)
	_, err = env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{Name: "ghost", CreatedByID: "nobody", PermissionCodes: []string{"audit.read"}})
	requireKind(t, err, engine.KindNotFound)

	_, err = env.Engine.AssignRole(env.Ctx, engine.AssignRoleOptions{AgentID: bob, RoleID: role.ID, AssignedByID: ada})
	require.NoError(t, err)
	_, err = env.Engine.AssignRole(env.Ctx, engine.AssignRoleOptions{AgentID: bob, RoleID: role.ID, AssignedByID: ada})
	requireKind(t, err, engine.KindConflict)
	_, err = env.Engine.AssignRole(env.Ctx, engine.AssignRoleOptions{AgentID: bob, RoleID: "missing", AssignedByID: ada})
	requireKind(t, err, engine.KindNotFound)

	roles, err := env.Engine.ListRoles(env.Ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "founder", roles[0].Name)
	assert.Equal(t, 1, roles[0].MemberCount)
	assert.Equal(t, "moderator", roles[1].Name)
	assert.Equal(t, 1, roles[1].MemberCount)

	perms, err := env.Engine.AgentPermissions(env.Ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit.read", "membership.reinstate"}, perms)
}

func TestResolutionVersions(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	id := env.resolution(t, ada)

	v2, err := env.Engine.ReviseResolution(env.Ctx, engine.ReviseResolutionOptions{ResolutionID: id, Content: "Amended text.", ChangeNote: "typo", EditorID: ada})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNo)

	detail, err := env.Engine.GetResolution(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.CurrentVersion)
	require.Len(t, detail.Versions, 2)
	assert.Equal(t, 2, detail.Versions[0].VersionNo)
	assert.Equal(t, "initial version", detail.Versions[1].ChangeNote)
	assert.Nil(t, detail.Session)

	env.open(t, id, ada)
	_, err = env.Engine.ReviseResolution(env.Ctx, engine.ReviseResolutionOptions{ResolutionID: id, Content: "Late edit.", EditorID: ada})
	requireKind(t, err, engine.KindBadRequest)

	_, err = env.Engine.CreateResolution(env.Ctx, engine.CreateResolutionOptions{Title: "", Summary: "s", Content: "c", ProposerID: ada})
	requireKind(t, err, engine.KindBadRequest)
	_, err = env.Engine.GetResolution(env.Ctx, "missing")
	requireKind(t, err, engine.KindNotFound)

	list, err := env.Engine.ListResolutions(env.Ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ResolutionVoting, list[0].Status)
}

// Scenario A: a simple majority passes.
func TestSimplePass(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 4)
	res := env.resolution(t, ids[0])
	opened := env.open(t, res, ids[0])
	assert.Equal(t, 0.5, opened.AppliedThreshold)
	assert.Equal(t, 72, opened.AppliedDurationHours)
	assert.Equal(t, "2024-01-04T00:00:04.000000Z", opened.ScheduledEndAt)

	env.vote(t, res, ids[0], domain.ChoiceApprove)
	env.vote(t, res, ids[1], domain.ChoiceApprove)
	env.vote(t, res, ids[2], domain.ChoiceApprove)
	last := env.vote(t, res, ids[3], domain.ChoiceReject)
	assert.Equal(t, 3, last.CurrentTally.Approve)
	assert.Equal(t, 1, last.CurrentTally.Reject)

	closed, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPassed, closed.FinalStatus)
	assert.InDelta(t, 0.75, closed.FinalTally.ApprovalRate, 1e-9)
	assert.True(t, closed.FinalTally.QuorumMet)
	assert.Equal(t, 4, closed.FinalTally.TotalEligibleVoters)

	detail, err := env.Engine.GetResolution(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPassed, detail.Status)
	require.NotNil(t, detail.Session)
	assert.True(t, detail.Session.IsClosed)
	require.NotNil(t, detail.Session.FinalResult)
	assert.Equal(t, domain.ResultPassed, *detail.Session.FinalResult)

	closedEvents := env.events(t, events.VoteClosed)
	require.Len(t, closedEvents, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(closedEvents[0].Payload), &payload))
	assert.Equal(t, "PASSED", payload["final_result"])
	assert.Equal(t, float64(3), payload["approve_count"])
}

// Scenario B: quorum not met rejects regardless of approval rate.
func TestQuorumFailure(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 20)
	_, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{
		UpdatedByID:      ids[0],
		RequireQuorum:    ptr(true),
		QuorumPercentage: ptr(0.3),
	})
	require.NoError(t, err)
	res := env.resolution(t, ids[0])
	env.open(t, res, ids[0])
	env.vote(t, res, ids[1], domain.ChoiceApprove)
	env.vote(t, res, ids[2], domain.ChoiceApprove)
	env.vote(t, res, ids[3], domain.ChoiceReject)

	closed, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	assert.False(t, closed.FinalTally.QuorumMet)
	assert.Equal(t, domain.ResultQuorumNotMet, closed.FinalTally.FinalResult)
	assert.Equal(t, domain.ResolutionRejected, closed.FinalStatus)
	assert.InDelta(t, 2.0/3.0, closed.FinalTally.ApprovalRate, 1e-9)
}

// Scenario C: a second ballot is refused when vote changes are disallowed.
func TestVoteChangeDisallowed(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 2)
	res := env.resolution(t, ids[0])
	env.open(t, res, ids[0])
	env.vote(t, res, ids[1], domain.ChoiceApprove)

	_, err := env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceReject})
	ee := requireKind(t, err, engine.KindConflict)
	assert.Equal(t, domain.ChoiceApprove, ee.Details["existing_choice"])

	votes, err := env.Engine.Votes(env.Ctx, res)
	require.NoError(t, err)
	require.Len(t, votes.Votes, 1)
	assert.Equal(t, domain.ChoiceApprove, votes.Votes[0].Choice)
	assert.Equal(t, 1, votes.Tally.Approve)
	assert.Empty(t, env.events(t, events.VoteChanged))
}

func TestVoteChangeAllowed(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 2)
	_, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: ids[0], AllowVoteChange: ptr(true)})
	require.NoError(t, err)
	res := env.resolution(t, ids[0])
	env.open(t, res, ids[0])
	first := env.vote(t, res, ids[1], domain.ChoiceApprove)
	second := env.vote(t, res, ids[1], domain.ChoiceReject)
	assert.True(t, second.Changed)
	assert.Equal(t, first.VoteID, second.VoteID)
	assert.Equal(t, 0, second.CurrentTally.Approve)
	assert.Equal(t, 1, second.CurrentTally.Reject)

	changed := env.events(t, events.VoteChanged)
	require.Len(t, changed, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(changed[0].Payload), &payload))
	assert.Equal(t, domain.ChoiceApprove, payload["previous_choice"])
	assert.Equal(t, domain.ChoiceReject, payload["new_choice"])
}

// Scenario D: the last holder of a critical permission keeps it.
func TestRevocationGuard(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	bob := env.agent(t, "bob")
	roles, err := env.Engine.ListRoles(env.Ctx)
	require.NoError(t, err)
	founder := roles[0]

	_, err = env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: ada, RoleID: founder.ID, RevokedByID: ada})
	ee := requireKind(t, err, engine.KindForbidden)
	assert.Equal(t, "role.assign", ee.Details["permission"])
	assert.Empty(t, env.events(t, events.RoleRevoked))
	agents, err := env.Engine.ListAgents(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"founder"}, agents[0].Roles)

	_, err = env.Engine.AssignRole(env.Ctx, engine.AssignRoleOptions{AgentID: bob, RoleID: founder.ID, AssignedByID: ada})
	require.NoError(t, err)
	out, err := env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: ada, RoleID: founder.ID, RevokedByID: bob})
	require.NoError(t, err)
	assert.True(t, out.Revoked)
	assert.Len(t, env.events(t, events.RoleRevoked), 1)

	// bob is now the only holder again
	_, err = env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: bob, RoleID: founder.ID, RevokedByID: bob})
	requireKind(t, err, engine.KindForbidden)

	_, err = env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: ada, RoleID: founder.ID, RevokedByID: bob})
	requireKind(t, err, engine.KindNotFound)
	_, err = env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: bob, RoleID: founder.ID, RevokedByID: "nobody"})
	requireKind(t, err, engine.KindNotFound)
}

func TestRevocationOfNonCriticalRole(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	bob := env.agent(t, "bob")
	role, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{Name: "reader", CreatedByID: ada, PermissionCodes: []string{"audit.read"}})
	require.NoError(t, err)
	_, err = env.Engine.AssignRole(env.Ctx, engine.AssignRoleOptions{AgentID: bob, RoleID: role.ID, AssignedByID: ada})
	require.NoError(t, err)
	out, err := env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: bob, RoleID: role.ID, RevokedByID: ada})
	require.NoError(t, err)
	assert.Equal(t, bob, out.AgentID)
}

func TestGuardCountsDistinctAgents(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	roles, err := env.Engine.ListRoles(env.Ctx)
	require.NoError(t, err)
	founder := roles[0]
	// A second role granting role.assign to the same agent does not add a holder.
	extra, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{Name: "assigner", CreatedByID: ada, PermissionCodes: []string{"role.assign"}})
	require.NoError(t, err)
	_, err = env.Engine.AssignRole(env.Ctx, engine.AssignRoleOptions{AgentID: ada, RoleID: extra.ID, AssignedByID: ada})
	require.NoError(t, err)

	_, err = env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: ada, RoleID: extra.ID, RevokedByID: ada})
	requireKind(t, err, engine.KindForbidden)
	_, err = env.Engine.RevokeRole(env.Ctx, engine.RevokeRoleOptions{AgentID: ada, RoleID: founder.ID, RevokedByID: ada})
	requireKind(t, err, engine.KindForbidden)
}

// Scenario E: ballots after the deadline are refused but close still works.
func TestLateVote(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 2)
	res := env.resolution(t, ids[0])
	_, err := env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: res, StartedByID: ids[0], DurationHours: ptr(1)})
	require.NoError(t, err)

	// the scheduled end itself still accepts ballots
	env.Clock.Advance(time.Hour)
	env.vote(t, res, ids[0], domain.ChoiceReject)

	env.Clock.Advance(time.Microsecond)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceApprove})
	ee := requireKind(t, err, engine.KindBadRequest)
	assert.Contains(t, ee.Details, "scheduled_end_at")

	env.Clock.Advance(2 * time.Hour)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceApprove})
	requireKind(t, err, engine.KindBadRequest)

	closed, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, 1, closed.FinalTally.TotalVotes)
	assert.Equal(t, domain.ResolutionRejected, closed.FinalStatus)
}

func TestOpenVotingPreconditions(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	res := env.resolution(t, ada)

	_, err := env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: res, StartedByID: "nobody"})
	requireKind(t, err, engine.KindNotFound)
	_, err = env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: "missing", StartedByID: ada})
	requireKind(t, err, engine.KindNotFound)
	_, err = env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: res, StartedByID: ada, DurationHours: ptr(0)})
	requireKind(t, err, engine.KindBadRequest)

	opened := env.open(t, res, ada)
	_, err = env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: res, StartedByID: ada})
	ee := requireKind(t, err, engine.KindConflict)
	assert.Equal(t, opened.SessionID, ee.Details["voting_session_id"])
	assert.Equal(t, domain.ResolutionVoting, ee.Details["current_status"])

	_, err = env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ada})
	require.NoError(t, err)
	_, err = env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: res, StartedByID: ada})
	ee = requireKind(t, err, engine.KindBadRequest)
	assert.Equal(t, domain.ResolutionRejected, ee.Details["current_status"])
	assert.Len(t, env.events(t, events.VoteStarted), 1)
}

func TestCastVotePreconditions(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 3)
	res := env.resolution(t, ids[0])

	_, err := env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceApprove})
	requireKind(t, err, engine.KindBadRequest)

	env.open(t, res, ids[0])
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: "nobody", Choice: domain.ChoiceApprove})
	requireKind(t, err, engine.KindNotFound)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: "missing", AgentID: ids[1], Choice: domain.ChoiceApprove})
	requireKind(t, err, engine.KindNotFound)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: "MAYBE"})
	requireKind(t, err, engine.KindBadRequest)

	_, err = env.Engine.SetAgentStatus(env.Ctx, engine.SetAgentStatusOptions{AgentID: ids[2], Status: domain.AgentSuspended, ChangedByID: ids[0]})
	require.NoError(t, err)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[2], Choice: domain.ChoiceApprove})
	ee := requireKind(t, err, engine.KindForbidden)
	assert.Equal(t, domain.AgentSuspended, ee.Details["agent_status"])

	_, err = env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: ids[0], AllowAbstain: ptr(false)})
	require.NoError(t, err)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceAbstain})
	requireKind(t, err, engine.KindBadRequest)

	_, err = env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceApprove})
	requireKind(t, err, engine.KindBadRequest)
}

func TestCloseIsNotRepeatable(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 2)
	res := env.resolution(t, ids[0])

	_, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	requireKind(t, err, engine.KindBadRequest)

	opened := env.open(t, res, ids[0])
	env.vote(t, res, ids[1], domain.ChoiceApprove)
	first, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPassed, first.FinalStatus)

	_, err = env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	requireKind(t, err, engine.KindBadRequest)
	n, err := env.Engine.Repo.CountEvents(env.Ctx, events.VoteClosed, opened.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	detail, err := env.Engine.GetResolution(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPassed, detail.Status)
}

func TestRulesFrozenAtOpen(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 4)
	res := env.resolution(t, ids[0])
	env.open(t, res, ids[0])
	env.vote(t, res, ids[0], domain.ChoiceApprove)
	env.vote(t, res, ids[1], domain.ChoiceApprove)
	env.vote(t, res, ids[2], domain.ChoiceReject)

	cfg, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{
		UpdatedByID:       ids[0],
		ApprovalThreshold: ptr(0.9),
		RequireQuorum:     ptr(true),
		QuorumPercentage:  ptr(1.0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)

	closed, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, 0.5, closed.FinalTally.Threshold)
	assert.True(t, closed.FinalTally.QuorumMet)
	assert.Equal(t, domain.ResolutionPassed, closed.FinalStatus)

	votes, err := env.Engine.Votes(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, votes.Session.ConfigVersion)
	assert.False(t, votes.Session.AppliedRequireQuorum)
}

func TestQuorumBasis(t *testing.T) {
	run := func(t *testing.T, basis string) engine.CloseVotingResult {
		env := newTestEnv(t)
		ids := env.agents(t, 4)
		_, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{
			UpdatedByID:      ids[0],
			RequireQuorum:    ptr(true),
			QuorumPercentage: ptr(0.5),
			QuorumBasis:      ptr(basis),
		})
		require.NoError(t, err)
		res := env.resolution(t, ids[0])
		env.open(t, res, ids[0])
		for i := 0; i < 6; i++ {
			env.agent(t, fmt.Sprintf("late-%d", i))
		}
		env.vote(t, res, ids[0], domain.ChoiceApprove)
		env.vote(t, res, ids[1], domain.ChoiceApprove)
		out, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
		require.NoError(t, err)
		return out
	}

	t.Run("snapshot", func(t *testing.T) {
		out := run(t, domain.QuorumBasisSnapshot)
		assert.Equal(t, 4, out.FinalTally.TotalEligibleVoters)
		assert.True(t, out.FinalTally.QuorumMet)
		assert.Equal(t, domain.ResolutionPassed, out.FinalStatus)
	})
	t.Run("live", func(t *testing.T) {
		out := run(t, domain.QuorumBasisLive)
		assert.Equal(t, 10, out.FinalTally.TotalEligibleVoters)
		assert.False(t, out.FinalTally.QuorumMet)
		assert.Equal(t, domain.ResolutionRejected, out.FinalStatus)
	})
}

func TestVotesReadModel(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 3)
	res := env.resolution(t, ids[0])

	_, err := env.Engine.Votes(env.Ctx, res)
	requireKind(t, err, engine.KindNotFound)

	env.open(t, res, ids[0])
	env.vote(t, res, ids[1], domain.ChoiceApprove)
	env.Clock.Advance(time.Minute)
	env.vote(t, res, ids[2], domain.ChoiceAbstain)

	out, err := env.Engine.Votes(env.Ctx, res)
	require.NoError(t, err)
	require.Len(t, out.Votes, 2)
	assert.Equal(t, "voter-02", out.Votes[0].AgentHandle)
	assert.Equal(t, "voter-01", out.Votes[1].AgentHandle)
	assert.Equal(t, 1, out.Tally.Approve)
	assert.Equal(t, 1, out.Tally.Abstain)
	assert.Equal(t, 3, out.Tally.TotalEligibleVoters)
	assert.False(t, out.Session.IsClosed)
}

func TestVotesReadModelKeepsClosingTally(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 2)
	_, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{
		UpdatedByID:      ids[0],
		RequireQuorum:    ptr(true),
		QuorumPercentage: ptr(0.5),
		QuorumBasis:      ptr(domain.QuorumBasisLive),
	})
	require.NoError(t, err)
	res := env.resolution(t, ids[0])
	env.open(t, res, ids[0])
	env.vote(t, res, ids[1], domain.ChoiceApprove)

	closed, err := env.Engine.CloseVoting(env.Ctx, engine.CloseVotingOptions{ResolutionID: res, ClosedByID: ids[0]})
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPassed, closed.FinalStatus)
	assert.Equal(t, 2, closed.FinalTally.TotalEligibleVoters)

	for i := 0; i < 6; i++ {
		env.agent(t, fmt.Sprintf("late-%d", i))
	}

	out, err := env.Engine.Votes(env.Ctx, res)
	require.NoError(t, err)
	require.NotNil(t, out.Session.FinalResult)
	require.NotNil(t, out.Session.EligibleVotersAtClose)
	assert.Equal(t, 2, *out.Session.EligibleVotersAtClose)
	assert.Equal(t, *out.Session.FinalResult, out.Tally.FinalResult)
	assert.Equal(t, closed.FinalTally, out.Tally)

	detail, err := env.Engine.GetResolution(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, detail.Status, out.Tally.ResultingStatus)
}

func TestVotingConfigLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Voting.ApprovalThreshold = 0.66
	env := newTestEnvWithConfig(t, cfg)
	ada := env.agent(t, "ada")

	got, err := env.Engine.VotingConfig(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.66, got.ApprovalThreshold)
	assert.Equal(t, 1, got.Version)
	assert.Nil(t, got.UpdatedByID)

	_, err = env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: ada, ApprovalThreshold: ptr(1.5)})
	requireKind(t, err, engine.KindBadRequest)
	_, err = env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: ada, QuorumBasis: ptr("sometimes")})
	requireKind(t, err, engine.KindBadRequest)
	_, err = env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: "nobody", AllowAbstain: ptr(false)})
	requireKind(t, err, engine.KindNotFound)

	updated, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: ada, DefaultDurationHours: ptr(24)})
	require.NoError(t, err)
	assert.Equal(t, 24, updated.DefaultDurationHours)
	assert.Equal(t, 0.66, updated.ApprovalThreshold)
	assert.Equal(t, 2, updated.Version)
	require.NotNil(t, updated.UpdatedByID)
	assert.Equal(t, ada, *updated.UpdatedByID)
	assert.Len(t, env.events(t, events.VotingConfigUpdated), 1)
}

func TestPermissionAuthorizer(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	bob := env.agent(t, "bob")
	env.Engine.Authorizer = auth.PermissionAuthorizer{Repo: env.Engine.Repo, Permissions: auth.DefaultActionPermissions()}

	_, err := env.Engine.UpdateVotingConfig(env.Ctx, engine.UpdateVotingConfigOptions{UpdatedByID: bob, AllowAbstain: ptr(false)})
	ee := requireKind(t, err, engine.KindForbidden)
	assert.Equal(t, "config.update", ee.Details["permission"])

	_, err = env.Engine.CreateRole(env.Ctx, engine.CreateRoleOptions{Name: "reader", CreatedByID: ada, PermissionCodes: []string{"audit.read"}})
	require.NoError(t, err)
}

func TestConcurrentOpenHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ada := env.agent(t, "ada")
	res := env.resolution(t, ada)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.OpenVoting(env.Ctx, engine.OpenVotingOptions{ResolutionID: res, StartedByID: ada})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, engine.KindConflict, engine.KindOf(err), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, env.events(t, events.VoteStarted), 1)
}

func TestConcurrentFirstBallots(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 2)
	res := env.resolution(t, ids[0])
	env.open(t, res, ids[0])

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{ResolutionID: res, AgentID: ids[1], Choice: domain.ChoiceApprove})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, engine.KindConflict, engine.KindOf(err))
	}
	assert.Equal(t, 1, wins)
	votes, err := env.Engine.Votes(env.Ctx, res)
	require.NoError(t, err)
	assert.Len(t, votes.Votes, 1)
}

func TestListAuditEvents(t *testing.T) {
	env := newTestEnv(t)
	ids := env.agents(t, 3)
	env.resolution(t, ids[0])

	all, err := env.Engine.ListAuditEvents(env.Ctx, 0, 0, repo.EventFilter{})
	require.NoError(t, err)
	// 3 registrations, founder role + assignment, resolution + version
	require.Len(t, all, 7)
	assert.Greater(t, all[0].ID, all[1].ID)

	page, err := env.Engine.ListAuditEvents(env.Ctx, 2, all[1].ID, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)

	regs, err := env.Engine.ListAuditEvents(env.Ctx, 500, 0, repo.EventFilter{Type: events.AgentRegistered})
	require.NoError(t, err)
	assert.Len(t, regs, 3)
}
