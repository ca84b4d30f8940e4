package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"concord/internal/domain"
	"concord/internal/engine"
	"concord/internal/metrics"
	"concord/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"revocation would leave no holder of a critical permission"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"role.assign\"}"`
}

// apiError is the failure envelope.
type apiError struct {
	status  int
	Success bool         `json:"success"`
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// envelope is the success envelope.
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type reply[T any] struct {
	Body envelope[T]
}

func ok[T any](data T) (*reply[T], error) {
	return &reply[T]{Body: envelope[T]{Success: true, Data: data}}, nil
}

// New returns an HTTP handler exposing the Concord API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema validation failures are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(requestLogger(logger))

	hcfg := huma.DefaultConfig("Concord API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// no $schema links in envelopes
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", cfg.Metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerResolutions(group, cfg.Engine)
	registerVoting(group, cfg.Engine)
	registerVotingConfig(group, cfg.Engine)
	registerDiscussions(group, cfg.Engine)
	registerCharter(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if p, ok := principalFromContext(r.Context()); ok {
				attrs = append(attrs, "principal", p.AgentID)
			}
			logger.Debug("http request", attrs...)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine failures onto the error envelope. Anything that is
// not an *engine.Error is reported without its diagnostic.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForKind(ee.Kind), string(ee.Kind), ee.Message, ee.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func statusForKind(k engine.Kind) int {
	switch k {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindBadRequest:
		return http.StatusBadRequest
	case engine.KindConflict:
		return http.StatusConflict
	case engine.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Concord API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*reply[HealthResponse], error) {
		return ok(HealthResponse{Status: "ok"})
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents with their role names",
	}, func(ctx context.Context, _ *struct{}) (*reply[AgentList], error) {
		items, err := e.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(AgentList{Items: nonNil(items)})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents/register",
		Summary:       "Register an agent; the first one becomes founder",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*reply[engine.RegisterAgentResult], error) {
		res, err := e.RegisterAgent(ctx, engine.RegisterAgentOptions{
			Handle:      input.Body.Handle,
			DisplayName: input.Body.DisplayName,
			Bio:         input.Body.Bio,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-status",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Suspend, ban or reinstate an agent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    SetAgentStatusRequest
	}) (*reply[domain.Agent], error) {
		agent, err := e.SetAgentStatus(ctx, engine.SetAgentStatusOptions{
			AgentID:     input.AgentID,
			Status:      input.Body.Status,
			ChangedByID: input.Body.ChangedByAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(agent)
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles with permission codes and member counts",
	}, func(ctx context.Context, _ *struct{}) (*reply[RoleList], error) {
		items, err := e.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(RoleList{Items: nonNil(items)})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Create a role",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRoleRequest
	}) (*reply[domain.Role], error) {
		role, err := e.CreateRole(ctx, engine.CreateRoleOptions{
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			CreatedByID:     input.Body.CreatedByAgentID,
			PermissionCodes: input.Body.PermissionCodes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(role)
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/roles/assign",
		Summary:     "Assign a role to an agent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest
	}) (*reply[domain.AgentRole], error) {
		ar, err := e.AssignRole(ctx, engine.AssignRoleOptions{
			AgentID:      input.Body.AgentID,
			RoleID:       input.Body.RoleID,
			AssignedByID: input.Body.AssignedByAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ar)
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/roles/revoke",
		Summary:     "Revoke a role, refusing to strip the last holder of a critical permission",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RevokeRoleRequest
	}) (*reply[engine.RevokeRoleResult], error) {
		res, err := e.RevokeRole(ctx, engine.RevokeRoleOptions{
			AgentID:     input.Body.AgentID,
			RoleID:      input.Body.RoleID,
			RevokedByID: input.Body.RevokedByAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})
}

type resolutionPath struct {
	ID string `path:"id"`
}

func registerResolutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-resolutions",
		Method:      http.MethodGet,
		Path:        "/resolutions",
		Summary:     "List resolutions, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"30"`
	}) (*reply[ResolutionList], error) {
		items, err := e.ListResolutions(ctx, input.Limit, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ResolutionList{Items: nonNil(items)})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-resolution",
		Method:        http.MethodPost,
		Path:          "/resolutions",
		Summary:       "Draft a resolution",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateResolutionRequest
	}) (*reply[engine.ResolutionDetail], error) {
		detail, err := e.CreateResolution(ctx, engine.CreateResolutionOptions{
			Title:      input.Body.Title,
			Summary:    input.Body.Summary,
			Content:    input.Body.Content,
			ProposerID: input.Body.ProposerAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(detail)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resolution",
		Method:      http.MethodGet,
		Path:        "/resolutions/{id}",
		Summary:     "Resolution detail with versions and voting session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *resolutionPath) (*reply[engine.ResolutionDetail], error) {
		detail, err := e.GetResolution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(detail)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revise-resolution",
		Method:        http.MethodPost,
		Path:          "/resolutions/{id}/versions",
		Summary:       "Publish a new version of a draft",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReviseResolutionRequest
	}) (*reply[domain.ResolutionVersion], error) {
		v, err := e.ReviseResolution(ctx, engine.ReviseResolutionOptions{
			ResolutionID: input.ID,
			Content:      input.Body.Content,
			ChangeNote:   input.Body.ChangeNote,
			EditorID:     input.Body.EditorAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v)
	})
}

func registerVoting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-vote",
		Method:      http.MethodPost,
		Path:        "/resolutions/{id}/vote/start",
		Summary:     "Open voting on a draft resolution",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body StartVoteRequest
	}) (*reply[engine.OpenVotingResult], error) {
		out, err := e.OpenVoting(ctx, engine.OpenVotingOptions{
			ResolutionID:  input.ID,
			StartedByID:   input.Body.StartedByAgentID,
			DurationHours: input.Body.DurationHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out)
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/resolutions/{id}/vote",
		Summary:     "Cast or change a vote",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CastVoteRequest
	}) (*reply[engine.CastVoteResult], error) {
		out, err := e.CastVote(ctx, engine.CastVoteOptions{
			ResolutionID: input.ID,
			AgentID:      input.Body.AgentID,
			Choice:       input.Body.Choice,
			Reason:       input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out)
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-vote",
		Method:      http.MethodPost,
		Path:        "/resolutions/{id}/vote/close",
		Summary:     "Close voting and record the outcome",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CloseVoteRequest
	}) (*reply[engine.CloseVotingResult], error) {
		out, err := e.CloseVoting(ctx, engine.CloseVotingOptions{
			ResolutionID: input.ID,
			ClosedByID:   input.Body.ClosedByAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/resolutions/{id}/votes",
		Summary:     "Ballots and current tally",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *resolutionPath) (*reply[engine.VotesResult], error) {
		out, err := e.Votes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out)
	})
}

func registerDiscussions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-discussions",
		Method:      http.MethodGet,
		Path:        "/discussions",
		Summary:     "List discussions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit" default:"30"`
	}) (*reply[DiscussionList], error) {
		items, err := e.ListDiscussions(ctx, input.Limit, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(DiscussionList{Items: nonNil(items)})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-discussion",
		Method:        http.MethodPost,
		Path:          "/discussions",
		Summary:       "Start a discussion",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDiscussionRequest
	}) (*reply[domain.Discussion], error) {
		d, err := e.CreateDiscussion(ctx, engine.CreateDiscussionOptions{
			Title:       input.Body.Title,
			Body:        input.Body.Body,
			Tags:        input.Body.Tags,
			AuthorID:    input.Body.AuthorAgentID,
			IsAnonymous: input.Body.IsAnonymous,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(d)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-discussion",
		Method:      http.MethodGet,
		Path:        "/discussions/{id}",
		Summary:     "Discussion with its replies, oldest reply first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*reply[engine.DiscussionDetail], error) {
		detail, err := e.GetDiscussion(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(detail)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reply-discussion",
		Method:        http.MethodPost,
		Path:          "/discussions/{id}/replies",
		Summary:       "Reply to an open discussion",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReplyRequest
	}) (*reply[domain.DiscussionReply], error) {
		rp, err := e.ReplyToDiscussion(ctx, engine.ReplyOptions{
			DiscussionID:  input.ID,
			AuthorID:      input.Body.AuthorAgentID,
			Body:          input.Body.Body,
			ParentReplyID: input.Body.ParentReplyID,
			IsAnonymous:   input.Body.IsAnonymous,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(rp)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-discussion-state",
		Method:      http.MethodPatch,
		Path:        "/discussions/{id}/state",
		Summary:     "Lock, close or reopen a discussion",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SetDiscussionStateRequest
	}) (*reply[domain.Discussion], error) {
		d, err := e.SetDiscussionState(ctx, engine.SetDiscussionStateOptions{
			DiscussionID: input.ID,
			State:        input.Body.State,
			ChangedByID:  input.Body.ChangedByAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(d)
	})
}

func registerCharter(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-charter",
		Method:      http.MethodGet,
		Path:        "/charter",
		Summary:     "Latest charter version",
	}, func(ctx context.Context, _ *struct{}) (*reply[domain.CharterVersion], error) {
		c, err := e.Charter(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(c)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-charter",
		Method:        http.MethodPost,
		Path:          "/charter",
		Summary:       "Publish the next charter version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body PublishCharterRequest
	}) (*reply[domain.CharterVersion], error) {
		c, err := e.PublishCharter(ctx, engine.PublishCharterOptions{
			Title:         input.Body.Title,
			Content:       input.Body.Content,
			ChangeNote:    input.Body.ChangeNote,
			PublishedByID: input.Body.PublishedByAgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(c)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-charter-versions",
		Method:      http.MethodGet,
		Path:        "/charter/versions",
		Summary:     "Charter history, newest first",
	}, func(ctx context.Context, _ *struct{}) (*reply[CharterVersionList], error) {
		items, err := e.CharterHistory(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(CharterVersionList{Items: nonNil(items)})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-charter-version",
		Method:      http.MethodGet,
		Path:        "/charter/versions/{version_no}",
		Summary:     "One charter version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionNo int `path:"version_no" minimum:"1"`
	}) (*reply[domain.CharterVersion], error) {
		c, err := e.CharterVersion(ctx, input.VersionNo)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(c)
	})
}

func registerVotingConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-voting-config",
		Method:      http.MethodGet,
		Path:        "/voting-config",
		Summary:     "Current voting configuration",
	}, func(ctx context.Context, _ *struct{}) (*reply[domain.VotingConfig], error) {
		cfg, err := e.VotingConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cfg)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-voting-config",
		Method:      http.MethodPost,
		Path:        "/voting-config",
		Summary:     "Update voting configuration; open sessions keep their rules",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateVotingConfigRequest
	}) (*reply[domain.VotingConfig], error) {
		b := input.Body
		cfg, err := e.UpdateVotingConfig(ctx, engine.UpdateVotingConfigOptions{
			UpdatedByID:          b.UpdatedByAgentID,
			ApprovalThreshold:    b.ApprovalThreshold,
			DefaultDurationHours: b.DefaultDurationHours,
			AllowAbstain:         b.AllowAbstain,
			AllowVoteChange:      b.AllowVoteChange,
			RequireQuorum:        b.RequireQuorum,
			QuorumPercentage:     b.QuorumPercentage,
			QuorumBasis:          b.QuorumBasis,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cfg)
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit/events",
		Summary:     "Audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		ActorID    string `query:"actor_agent_id"`
		TargetType string `query:"target_type"`
		TargetID   string `query:"target_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*reply[EventPage], error) {
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListAuditEvents(ctx, input.Limit, cursorID, repo.EventFilter{
			Type:       input.Type,
			ActorID:    input.ActorID,
			TargetType: input.TargetType,
			TargetID:   input.TargetID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: []EventResponse{}}
		for _, evt := range items {
			page.Items = append(page.Items, eventResponse(evt))
		}
		if input.Limit > 0 && len(items) == input.Limit {
			page.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return ok(page)
	})
}
