package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"traceline/internal/assign"
	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/repo"
	"traceline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot transition story from draft to approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"holder\":\"alice\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerPrograms(group, cfg.Engine)
	registerStories(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerTestCases(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerDefects(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	var rej engine.RejectionError
	if errors.As(err, &rej) {
		status := http.StatusConflict
		switch rej.Code {
		case engine.CodeRoleDenied:
			status = http.StatusForbidden
		case engine.CodeNotesRequired:
			status = http.StatusUnprocessableEntity
		}
		return newAPIError(status, rej.Code, rej.Message, nil)
	}
	var held engine.LockHeldError
	if errors.As(err, &held) {
		return newAPIError(http.StatusConflict, "lock_held", err.Error(), map[string]any{
			"holder": held.Holder,
			"since":  held.Since,
		})
	}
	if errors.Is(err, engine.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrCycleLocked) {
		return newAPIError(http.StatusConflict, "cycle_locked", err.Error(), nil)
	}
	if errors.Is(err, assign.ErrNoActiveTesters) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "validators_per_test") || strings.Contains(lowered, "cross_validation"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "nesting") || strings.Contains(lowered, "different program"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// rolePrecedence orders role selection when an actor holds several grants
// and does not say which one they are acting as.
var rolePrecedence = []string{
	workflow.RoleAdmin, workflow.RoleBusinessAnalyst, workflow.RoleClinicalSME,
	workflow.RoleStakeholder, workflow.RoleDeveloper, workflow.RoleTester,
	workflow.RoleVerifier,
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// resolveActing returns the acting actor and role for a program-scoped
// operation. Roles come from the JWT claims when present, otherwise from
// the program's role grants. A requested role must be held; only the
// legacy header path trusts an unverified request.
func resolveActing(ctx context.Context, e engine.Engine, programID, requested string) (string, string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", "", authErr
	}
	roles := principal.Roles
	if len(roles) == 0 && programID != "" {
		granted, err := e.Repo.ActorRoles(ctx, programID, principal.ActorID)
		if err != nil {
			return "", "", err
		}
		roles = granted
	}
	requested = strings.TrimSpace(requested)
	if requested != "" {
		if !workflow.KnownRole(requested) {
			return "", "", newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown role %q", requested), nil)
		}
		if principal.Source == "legacy_header" || containsRole(roles, requested) {
			return principal.ActorID, requested, nil
		}
		return "", "", newAPIError(http.StatusForbidden, "role_denied", fmt.Sprintf("actor does not hold role %s", requested), nil)
	}
	for _, r := range rolePrecedence {
		if containsRole(roles, r) {
			return principal.ActorID, r, nil
		}
	}
	return "", "", newAPIError(http.StatusForbidden, "role_denied", "actor holds no roles in this program; grant one or pass as_role", nil)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Traceline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "program-status",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/status",
		Summary:     "Program status",
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProgram(ctx, input.ProgramID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountStoriesByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"program_id":   p.ID,
			"status":       p.Status,
			"story_counts": counts,
		}}, nil
	})
}

func registerPrograms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-program",
		Method:        http.MethodPost,
		Path:          "/programs",
		Summary:       "Create program",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProgramRequest `json:"body"`
	}) (*struct {
		Body ProgramResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProgram(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramResponse `json:"body"`
		}{Body: programResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-programs",
		Method:      http.MethodGet,
		Path:        "/programs",
		Summary:     "List programs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProgramResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPrograms(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProgramResponse, 0, len(items))
		for _, p := range items {
			res = append(res, programResponse(p))
		}
		return &struct {
			Body []ProgramResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}",
		Summary:     "Get program",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body ProgramResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProgram(ctx, input.ProgramID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramResponse `json:"body"`
		}{Body: programResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program-config",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/config",
		Summary:     "Get program config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body ProgramConfigResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.Repo.GetProgramConfig(ctx, input.ProgramID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	// Accepts the traceline.yml shape as the raw body; JSON parses as a
	// YAML subset so either serialization works.
	huma.Register(api, huma.Operation{
		OperationID: "import-program-config",
		Method:      http.MethodPut,
		Path:        "/programs/{program_id}/config",
		Summary:     "Import program config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		RawBody   []byte
	}) (*struct {
		Body ProgramConfigResponse `json:"body"`
	}, error) {
		_, role, err := resolveActing(ctx, e, input.ProgramID, "")
		if err != nil {
			return nil, handleError(err)
		}
		if role != workflow.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "role_denied", "only admin may import config", nil)
		}
		data := input.RawBody
		if len(data) == 0 {
			data = bodyBytes(ctx)
		}
		if len(data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg, err := config.FromYAML(data)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Program.ID = input.ProgramID
		if _, err := e.Repo.GetProgram(ctx, input.ProgramID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertProgramConfig(ctx, input.ProgramID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/stories",
		Summary:       "Create story",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		Body      CreateStoryRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, _, err := resolveActing(ctx, e, input.ProgramID, "")
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.StoryCreateOptions{
			ProgramID:   input.ProgramID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Priority:    input.Body.Priority,
			RelatedIDs:  input.Body.RelatedIDs,
			ActorID:     actorID,
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		s, err := e.CreateStory(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/stories",
		Summary:     "List stories",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		Status    string `query:"status"`
		ParentID  string `query:"parent_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedStories `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		stories, err := e.ListStories(ctx, repo.StoryFilters{
			ProgramID:       input.ProgramID,
			Status:          input.Status,
			Parent:          input.ParentID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedStories{Items: []StoryResponse{}}
		if len(stories) > limit {
			resp.NextCursor = composeCursor(stories[limit].CreatedAt, stories[limit].ID)
			stories = stories[:limit]
		}
		for _, s := range stories {
			resp.Items = append(resp.Items, storyResponse(s))
		}
		return &struct {
			Body paginatedStories `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{id}",
		Summary:     "Get story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetStory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-story",
		Method:      http.MethodPatch,
		Path:        "/stories/{id}",
		Summary:     "Update story",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateStoryRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		bodyMap := rawBodyMap(ctx)
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.StoryUpdateOptions{
			ID:            input.ID,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			AddRelated:    input.Body.AddRelated,
			RemoveRelated: input.Body.RemoveRelated,
			ActorID:       actorID,
		}
		if input.Body.Priority != nil {
			opts.Priority = input.Body.Priority
		} else if isNullRaw(bodyMap["priority"]) {
			opts.ClearPriority = true
		}
		if input.Body.ParentID != nil {
			opts.SetParent = input.Body.ParentID
		} else if isNullRaw(bodyMap["parent_id"]) {
			empty := ""
			opts.SetParent = &empty
		}
		s, err := e.UpdateStory(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-story",
		Method:      http.MethodDelete,
		Path:        "/stories/{id}",
		Summary:     "Delete story (soft)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Reason string `query:"reason"`
		AsRole string `query:"as_role"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		s, err := e.GetStory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, role, err := resolveActing(ctx, e, s.ProgramID, input.AsRole)
		if err != nil {
			return nil, handleError(err)
		}
		deleted, err := e.SoftDeleteStory(ctx, input.ID, actorID, role, input.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(deleted)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-story-transitions",
		Method:      http.MethodGet,
		Path:        "/stories/{id}/transitions",
		Summary:     "List allowed transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		AsRole string `query:"as_role"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		s, err := e.GetStory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		_, role, err := resolveActing(ctx, e, s.ProgramID, input.AsRole)
		if err != nil {
			return nil, handleError(err)
		}
		transitions, err := e.AllowedTransitions(ctx, input.ID, role)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TransitionResponse, 0, len(transitions))
		for _, t := range transitions {
			res = append(res, transitionResponse(t))
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-story",
		Method:      http.MethodPost,
		Path:        "/stories/{id}/transitions",
		Summary:     "Transition story",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body StoryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		s, err := e.GetStory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, role, err := resolveActing(ctx, e, s.ProgramID, input.Body.AsRole)
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := e.TransitionStory(ctx, input.ID, input.Body.To, input.Body.Notes, actorID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryResponse `json:"body"`
		}{Body: storyResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-story-versions",
		Method:      http.MethodGet,
		Path:        "/stories/{id}/versions",
		Summary:     "List story version snapshots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []StoryVersionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetStory(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		versions, err := e.Repo.ListStoryVersions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StoryVersionResponse, 0, len(versions))
		for _, v := range versions {
			res = append(res, versionResponse(v))
		}
		return &struct {
			Body []StoryVersionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-story-approvals",
		Method:      http.MethodGet,
		Path:        "/stories/{id}/approvals",
		Summary:     "List story approvals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetStory(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		approvals, err := e.Repo.ListStoryApprovals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ApprovalResponse, 0, len(approvals))
		for _, a := range approvals {
			res = append(res, approvalResponse(a))
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-story-lock",
		Method:      http.MethodPost,
		Path:        "/stories/{id}/lock",
		Summary:     "Acquire edit lock",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetStory(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		info, err := e.AcquireLock(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: lockResponse(info)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-story-lock",
		Method:      http.MethodDelete,
		Path:        "/stories/{id}/lock",
		Summary:     "Release edit lock",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseLock(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		info, err := e.InspectLock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: lockResponse(info)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story-lock",
		Method:      http.MethodGet,
		Path:        "/stories/{id}/lock",
		Summary:     "Inspect edit lock",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetStory(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		info, err := e.InspectLock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: lockResponse(info)}, nil
	})
}

func registerTestCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-test-case",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/test-cases",
		Summary:       "Create test case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string                `path:"program_id"`
		Body      CreateTestCaseRequest `json:"body"`
	}) (*struct {
		Body TestCaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TestCaseCreateOptions{
			ProgramID: input.ProgramID,
			StoryID:   input.Body.StoryID,
			Title:     input.Body.Title,
			ActorID:   actorID,
		}
		if len(input.Body.Steps) > 0 {
			b, err := json.Marshal(input.Body.Steps)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid steps", map[string]any{"error": err.Error()})
			}
			opts.StepsJSON = string(b)
		}
		tc, err := e.CreateTestCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestCaseResponse `json:"body"`
		}{Body: testCaseResponse(tc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-test-cases",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/test-cases",
		Summary:     "List test cases",
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		StoryID   string `query:"story_id"`
	}) (*struct {
		Body []TestCaseResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cases, err := e.Repo.ListTestCases(ctx, input.ProgramID, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TestCaseResponse, 0, len(cases))
		for _, tc := range cases {
			res = append(res, testCaseResponse(tc))
		}
		return &struct {
			Body []TestCaseResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-test-case",
		Method:      http.MethodGet,
		Path:        "/test-cases/{id}",
		Summary:     "Get test case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TestCaseResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tc, err := e.Repo.GetTestCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestCaseResponse `json:"body"`
		}{Body: testCaseResponse(tc)}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/cycles",
		Summary:       "Create UAT cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string             `path:"program_id"`
		Body      CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCycle(ctx, engine.CycleCreateOptions{
			ProgramID:                 input.ProgramID,
			Name:                      input.Body.Name,
			DistributionMethod:        input.Body.DistributionMethod,
			CrossValidationEnabled:    input.Body.CrossValidationEnabled,
			CrossValidationPercentage: input.Body.CrossValidationPercentage,
			ValidatorsPerTest:         input.Body.ValidatorsPerTest,
			ActorID:                   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/cycles",
		Summary:     "List UAT cycles",
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cycles, err := e.Repo.ListCycles(ctx, input.ProgramID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CycleResponse, 0, len(cycles))
		for _, c := range cycles {
			res = append(res, cycleResponse(c))
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{id}",
		Summary:     "Get UAT cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCycle(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-cycle-tester",
		Method:      http.MethodPut,
		Path:        "/cycles/{id}/testers",
		Summary:     "Add or update cycle tester",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body AddTesterRequest `json:"body"`
	}) (*struct {
		Body CycleTesterResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		active := true
		if input.Body.IsActive != nil {
			active = *input.Body.IsActive
		}
		t, err := e.AddCycleTester(ctx, input.ID, input.Body.UserID, input.Body.CapacityWeight, active, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleTesterResponse `json:"body"`
		}{Body: testerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycle-testers",
		Method:      http.MethodGet,
		Path:        "/cycles/{id}/testers",
		Summary:     "List cycle testers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body []CycleTesterResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCycle(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		testers, err := e.Repo.ListCycleTesters(ctx, input.ID, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CycleTesterResponse, 0, len(testers))
		for _, t := range testers {
			res = append(res, testerResponse(t))
		}
		return &struct {
			Body []CycleTesterResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-assignments",
		Method:      http.MethodGet,
		Path:        "/cycles/{id}/assignments/preview",
		Summary:     "Preview assignment distribution",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plan, err := e.PreviewAssignments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-assignments",
		Method:        http.MethodPost,
		Path:          "/cycles/{id}/assignments/execute",
		Summary:       "Execute assignment distribution",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.ExecuteAssignments(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(plan)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/cycles/{id}/assignments",
		Summary:     "List committed assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCycle(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AssignmentResponse, 0, len(items))
		for _, a := range items {
			res = append(res, assignmentResponse(a))
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "group-agreement",
		Method:      http.MethodGet,
		Path:        "/groups/{id}/agreement",
		Summary:     "Cross-validation group agreement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		result, err := e.GroupAgreement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(result)}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/cycles/{id}/executions",
		Summary:     "List cycle executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		TesterID string `query:"tester_id"`
		Status   string `query:"status"`
	}) (*struct {
		Body []ExecutionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCycle(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			CycleID:  input.ID,
			TesterID: input.TesterID,
			Status:   input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ExecutionResponse, 0, len(items))
		for _, ex := range items {
			res = append(res, executionResponse(ex))
		}
		return &struct {
			Body []ExecutionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ex, err := e.Repo.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{id}/transitions",
		Summary:     "Transition execution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body ExecutionTransitionRequest `json:"body"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		ex, err := e.Repo.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cycle, err := e.Repo.GetCycle(ctx, ex.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, role, err := resolveActing(ctx, e, cycle.ProgramID, input.Body.AsRole)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.ExecutionUpdateOptions{
			ID:      input.ID,
			To:      input.Body.To,
			Notes:   input.Body.Notes,
			ActorID: actorID,
			Role:    role,
		}
		if input.Body.StepResults != nil {
			b, err := json.Marshal(input.Body.StepResults)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid step_results", map[string]any{"error": err.Error()})
			}
			asStr := string(b)
			opts.StepResultsJSON = &asStr
		}
		updated, err := e.TransitionExecution(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(updated)}, nil
	})
}

func registerDefects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-defect",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/defects",
		Summary:       "Create defect",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string              `path:"program_id"`
		Body      CreateDefectRequest `json:"body"`
	}) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDefect(ctx, engine.DefectCreateOptions{
			ProgramID:   input.ProgramID,
			ExecutionID: input.Body.ExecutionID,
			TestCaseID:  input.Body.TestCaseID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Severity:    input.Body.Severity,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-defects",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/defects",
		Summary:     "List defects",
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []DefectResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDefects(ctx, input.ProgramID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]DefectResponse, 0, len(items))
		for _, d := range items {
			res = append(res, defectResponse(d))
		}
		return &struct {
			Body []DefectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-defect",
		Method:      http.MethodGet,
		Path:        "/defects/{id}",
		Summary:     "Get defect",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDefect(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-defect",
		Method:      http.MethodPost,
		Path:        "/defects/{id}/transitions",
		Summary:     "Transition defect",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		d, err := e.Repo.GetDefect(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, role, err := resolveActing(ctx, e, d.ProgramID, input.Body.AsRole)
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := e.TransitionDefect(ctx, input.ID, input.Body.To, input.Body.Notes, actorID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(updated)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/events",
		Summary:     "List activity events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProgramID  string `path:"program_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			ProgramID:  input.ProgramID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, ev := range items {
			resp.Items = append(resp.Items, eventResponse(ev))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/roles",
		Summary:       "Grant role to actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string            `path:"program_id"`
		Body      RoleChangeRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		if !workflow.KnownRole(input.Body.RoleID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown role %q", input.Body.RoleID), nil)
		}
		grantedBy, role, err := resolveActing(ctx, e, input.ProgramID, "")
		if err != nil {
			return nil, handleError(err)
		}
		if role != workflow.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "role_denied", "only admin may grant roles", nil)
		}
		if err := e.GrantRole(ctx, input.ProgramID, input.Body.ActorID, input.Body.RoleID, grantedBy); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"program_id": input.ProgramID,
			"actor_id":   input.Body.ActorID,
			"role_id":    input.Body.RoleID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/programs/{program_id}/actors/{actor_id}/roles/{role_id}",
		Summary:     "Revoke role from actor",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		ActorID   string `path:"actor_id"`
		RoleID    string `path:"role_id"`
	}) (*struct{}, error) {
		revokedBy, role, err := resolveActing(ctx, e, input.ProgramID, "")
		if err != nil {
			return nil, handleError(err)
		}
		if role != workflow.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "role_denied", "only admin may revoke roles", nil)
		}
		if err := e.RevokeRole(ctx, input.ProgramID, input.ActorID, input.RoleID, revokedBy); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/actors/{actor_id}/roles",
		Summary:     "List actor roles",
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		ActorID   string `path:"actor_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.Repo.ActorRoles(ctx, input.ProgramID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(roles)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		// The raw key is returned exactly once; only its hash is stored.
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, input *struct {
		ProgramID string `query:"program_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		programID := input.ProgramID
		if programID == "" && e.Config != nil {
			programID = e.Config.Program.ID
		}
		if len(roles) == 0 && programID != "" {
			granted, err := e.Repo.ActorRoles(ctx, programID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			roles = granted
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(roles),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
