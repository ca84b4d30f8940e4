package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/engine"
	"concord/internal/metrics"
	"concord/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	m := metrics.New()
	e := engine.New(conn, config.Default())
	e.Metrics = m
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: authCfg, Metrics: m})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, apiResponse) {
	t.Helper()
	status, data := doJSON(t, s.client, method, s.URL+path, body, headers)
	var out apiResponse
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return status, out
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func (s *testServer) register(t *testing.T, handle string) string {
	t.Helper()
	status, res := s.do(t, http.MethodPost, "/v1/agents/register", map[string]any{"handle": handle}, nil)
	require.Equal(t, http.StatusCreated, status)
	out := decode[engine.RegisterAgentResult](t, res.Data)
	return out.Agent.ID
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	status, res := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Data))
}

func TestVotingFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ada := srv.register(t, "ada")
	bob := srv.register(t, "bob")
	cy := srv.register(t, "cy")

	status, res := srv.do(t, http.MethodPost, "/v1/resolutions", map[string]any{
		"title":             "Adopt the charter",
		"summary":           "Ratify it.",
		"content":           "Charter text.",
		"proposer_agent_id": ada,
	}, nil)
	require.Equal(t, http.StatusCreated, status, res.Error)
	created := decode[engine.ResolutionDetail](t, res.Data)
	assert.Equal(t, "DRAFT", created.Status)
	id := created.ID

	status, res = srv.do(t, http.MethodPost, "/v1/resolutions/"+id+"/vote/start", map[string]any{
		"started_by_agent_id": ada,
		"duration_hours":      24,
	}, nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	opened := decode[map[string]any](t, res.Data)
	assert.Equal(t, float64(24), opened["applied_duration_hours"])
	assert.NotEmpty(t, opened["voting_session_id"])

	for voter, choice := range map[string]string{ada: "APPROVE", bob: "APPROVE", cy: "REJECT"} {
		status, res = srv.do(t, http.MethodPost, "/v1/resolutions/"+id+"/vote", map[string]any{
			"agent_id": voter,
			"choice":   choice,
		}, nil)
		require.Equal(t, http.StatusOK, status, res.Error)
	}

	status, res = srv.do(t, http.MethodPost, "/v1/resolutions/"+id+"/vote", map[string]any{
		"agent_id": cy,
		"choice":   "APPROVE",
	}, nil)
	require.Equal(t, http.StatusConflict, status)
	assert.False(t, res.Success)
	assert.Equal(t, "conflict", res.Error.Code)
	assert.Equal(t, "REJECT", res.Error.Details["existing_choice"])

	status, res = srv.do(t, http.MethodGet, "/v1/resolutions/"+id+"/votes", nil, nil)
	require.Equal(t, http.StatusOK, status)
	votes := decode[engine.VotesResult](t, res.Data)
	assert.Len(t, votes.Votes, 3)
	assert.Equal(t, 2, votes.Tally.Approve)

	status, res = srv.do(t, http.MethodPost, "/v1/resolutions/"+id+"/vote/close", map[string]any{"closed_by_agent_id": ada}, nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	closed := decode[map[string]any](t, res.Data)
	assert.Equal(t, "PASSED", closed["final_status"])
	tally := closed["final_tally"].(map[string]any)
	assert.Equal(t, float64(2), tally["approve"])
	assert.Equal(t, float64(1), tally["reject"])
	assert.Equal(t, "PASSED", tally["final_result"])

	status, res = srv.do(t, http.MethodPost, "/v1/resolutions/"+id+"/vote/close", map[string]any{"closed_by_agent_id": ada}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", res.Error.Code)

	status, res = srv.do(t, http.MethodGet, "/v1/resolutions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, status)
	detail := decode[engine.ResolutionDetail](t, res.Data)
	assert.Equal(t, "PASSED", detail.Status)
	require.NotNil(t, detail.Session)
	assert.True(t, detail.Session.IsClosed)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ada := srv.register(t, "ada")

	status, res := srv.do(t, http.MethodGet, "/v1/resolutions/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.Error.Code)

	status, res = srv.do(t, http.MethodPost, "/v1/agents/register", map[string]any{"handle": "ada"}, nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", res.Error.Code)

	status, res = srv.do(t, http.MethodPost, "/v1/roles", map[string]any{"name": "incomplete"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", res.Error.Code)

	status, res = srv.do(t, http.MethodGet, "/v1/roles", nil, nil)
	require.Equal(t, http.StatusOK, status)
	roles := decode[RoleList](t, res.Data)
	require.Len(t, roles.Items, 1)

	status, res = srv.do(t, http.MethodPost, "/v1/roles/revoke", map[string]any{
		"agent_id":            ada,
		"role_id":             roles.Items[0].ID,
		"revoked_by_agent_id": ada,
	}, nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", res.Error.Code)
	assert.Equal(t, "role.assign", res.Error.Details["permission"])

	status, res = srv.do(t, http.MethodGet, "/v1/audit/events?cursor=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid cursor", res.Error.Message)
}

func TestRolesAndConfig(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ada := srv.register(t, "ada")
	bob := srv.register(t, "bob")

	status, res := srv.do(t, http.MethodPost, "/v1/roles", map[string]any{
		"name":                "moderator",
		"created_by_agent_id": ada,
		"permission_codes":    []string{"membership.reinstate"},
	}, nil)
	require.Equal(t, http.StatusCreated, status, res.Error)
	role := decode[map[string]any](t, res.Data)

	status, res = srv.do(t, http.MethodPost, "/v1/roles/assign", map[string]any{
		"agent_id":             bob,
		"role_id":              role["id"],
		"assigned_by_agent_id": ada,
	}, nil)
	require.Equal(t, http.StatusOK, status, res.Error)

	status, res = srv.do(t, http.MethodPost, "/v1/agents/"+bob+"/status", map[string]any{
		"status":              "SUSPENDED",
		"changed_by_agent_id": ada,
	}, nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	agent := decode[map[string]any](t, res.Data)
	assert.Equal(t, "SUSPENDED", agent["status"])

	status, res = srv.do(t, http.MethodGet, "/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, status)
	agents := decode[AgentList](t, res.Data)
	require.Len(t, agents.Items, 2)
	assert.Equal(t, []string{"moderator"}, agents.Items[1].Roles)

	status, res = srv.do(t, http.MethodGet, "/v1/voting-config", nil, nil)
	require.Equal(t, http.StatusOK, status)
	cfg := decode[map[string]any](t, res.Data)
	assert.Equal(t, float64(1), cfg["version"])

	status, res = srv.do(t, http.MethodPost, "/v1/voting-config", map[string]any{
		"updated_by_agent_id": ada,
		"allow_vote_change":   true,
	}, nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	cfg = decode[map[string]any](t, res.Data)
	assert.Equal(t, float64(2), cfg["version"])
	assert.Equal(t, true, cfg["allow_vote_change"])

	status, res = srv.do(t, http.MethodPost, "/v1/voting-config", map[string]any{
		"updated_by_agent_id": ada,
		"approval_threshold":  0,
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAuditEventsPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	srv.register(t, "ada")
	srv.register(t, "bob")
	srv.register(t, "cy")

	status, res := srv.do(t, http.MethodGet, "/v1/audit/events?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[EventPage](t, res.Data)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "agent.registered", page.Items[0].Type)
	assert.Equal(t, "cy", page.Items[0].Payload["handle"])
	require.NotEmpty(t, page.NextCursor)

	status, res = srv.do(t, http.MethodGet, "/v1/audit/events?limit=50&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, status)
	rest := decode[EventPage](t, res.Data)
	// ada's registration, founder role creation and assignment
	assert.Len(t, rest.Items, 3)
	assert.Empty(t, rest.NextCursor)

	status, res = srv.do(t, http.MethodGet, "/v1/audit/events?type=role.assigned", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assigned := decode[EventPage](t, res.Data)
	assert.Len(t, assigned.Items, 1)
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret, Required: true})

	status, res := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)

	status, res = srv.do(t, http.MethodGet, "/v1/agents", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", res.Error.Code)

	status, res = srv.do(t, http.MethodGet, "/v1/agents", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", res.Error.Code)

	wrong, err := SignToken("other-secret", "agent-1", time.Hour)
	require.NoError(t, err)
	status, _ = srv.do(t, http.MethodGet, "/v1/agents", nil, map[string]string{"Authorization": "Bearer " + wrong})
	require.Equal(t, http.StatusUnauthorized, status)

	token, err := SignToken(secret, "agent-1", time.Hour)
	require.NoError(t, err)
	status, res = srv.do(t, http.MethodGet, "/v1/agents", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)

	expired, err := SignToken(secret, "agent-1", -time.Minute)
	require.NoError(t, err)
	status, _ = srv.do(t, http.MethodGet, "/v1/agents", nil, map[string]string{"Authorization": "Bearer " + expired})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ada := srv.register(t, "ada")
	status, res := srv.do(t, http.MethodPost, "/v1/resolutions", map[string]any{
		"title":             "T",
		"summary":           "S",
		"content":           "C",
		"proposer_agent_id": ada,
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	created := decode[engine.ResolutionDetail](t, res.Data)
	status, _ = srv.do(t, http.MethodPost, "/v1/resolutions/"+created.ID+"/vote/start", map[string]any{"started_by_agent_id": ada}, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(string(body), "concord_voting_sessions_opened_total 1"), string(body))
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	status, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/resolutions/{id}/vote/close")
	assert.Contains(t, paths, "/v1/roles/revoke")
}

func TestDiscussionAndCharterRoutes(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ada := srv.register(t, "ada")

	status, res := srv.do(t, http.MethodPost, "/v1/discussions", map[string]any{
		"title": "Meeting cadence", "body": "Weekly?", "tags": []string{"process"}, "author_agent_id": ada,
	}, nil)
	require.Equal(t, http.StatusCreated, status, res.Error)
	d := decode[struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}](t, res.Data)
	assert.Equal(t, "OPEN", d.State)

	status, _ = srv.do(t, http.MethodPost, "/v1/discussions/"+d.ID+"/replies", map[string]any{"author_agent_id": ada, "body": "Yes."}, nil)
	require.Equal(t, http.StatusCreated, status)
	status, _ = srv.do(t, http.MethodPatch, "/v1/discussions/"+d.ID+"/state", map[string]any{"state": "LOCKED", "changed_by_agent_id": ada}, nil)
	require.Equal(t, http.StatusOK, status)
	status, res = srv.do(t, http.MethodPost, "/v1/discussions/"+d.ID+"/replies", map[string]any{"author_agent_id": ada, "body": "Late."}, nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", res.Error.Code)

	status, res = srv.do(t, http.MethodGet, "/v1/discussions/"+d.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	detail := decode[struct {
		ReplyCount int               `json:"reply_count"`
		Replies    []json.RawMessage `json:"replies"`
	}](t, res.Data)
	assert.Equal(t, 1, detail.ReplyCount)
	assert.Len(t, detail.Replies, 1)
	status, _ = srv.do(t, http.MethodGet, "/v1/discussions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, res = srv.do(t, http.MethodGet, "/v1/charter", nil, nil)
	require.Equal(t, http.StatusOK, status)
	type charter struct {
		VersionNo   int    `json:"version_no"`
		PublishedBy string `json:"published_by_agent_id"`
	}
	assert.Equal(t, charter{VersionNo: 1, PublishedBy: "system"}, decode[charter](t, res.Data))

	status, res = srv.do(t, http.MethodPost, "/v1/charter", map[string]any{"title": "Charter", "content": "Text.", "published_by_agent_id": ada}, nil)
	require.Equal(t, http.StatusCreated, status, res.Error)
	assert.Equal(t, charter{VersionNo: 2, PublishedBy: ada}, decode[charter](t, res.Data))

	status, res = srv.do(t, http.MethodGet, "/v1/charter/versions", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[struct {
		Items []charter `json:"items"`
	}](t, res.Data).Items, 2)
	status, _ = srv.do(t, http.MethodGet, "/v1/charter/versions/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
