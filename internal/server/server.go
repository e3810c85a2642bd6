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
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskpulse/internal/balance"
	"taskpulse/internal/config"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/engine/auth"
	"taskpulse/internal/logging"
	"taskpulse/internal/metrics"
	"taskpulse/internal/notify"
	"taskpulse/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   logging.Logger
	// Metrics, when set, backs the balancer's collector and is served at
	// <base>/metrics.
	Metrics *metrics.PrometheusCollector
	Notify  notify.Publisher
	// Claims is shared by every rebalance the server runs. A fresh one is
	// created when nil.
	Claims *balance.Claims
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"confirmation_required"`
	Message string         `json:"message" example:"high-priority reassignment requires confirmation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// handlers carries what every route needs.
type handlers struct {
	e       engine.Engine
	authz   auth.Service
	claims  *balance.Claims
	notify  notify.Publisher
	logger  logging.Logger
	metrics metrics.Collector
}

// New returns an HTTP handler exposing the taskpulse API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine has no database")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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

	h := handlers{
		e:       cfg.Engine,
		authz:   auth.Service{People: cfg.Engine.Repo},
		claims:  cfg.Claims,
		notify:  cfg.Notify,
		logger:  logging.OrNop(cfg.Logger),
		metrics: metrics.OrNop(cfg.Engine.Metrics),
	}
	if h.claims == nil {
		h.claims = balance.NewClaims()
	}
	if h.notify == nil {
		h.notify = notify.Nop{}
	}
	if cfg.Metrics != nil {
		h.metrics = cfg.Metrics
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, h.logger))
	hcfg := huma.DefaultConfig("taskpulse API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle(path.Join(basePath, "metrics"), cfg.Metrics.Handler())
	}
	registerHealth(group)
	registerMe(group, h)
	registerProjects(group, h)
	registerPeople(group, h)
	registerWorkItems(group, h)
	registerReassignment(group, h)
	registerWorkload(group, h)
	registerEvents(group, h)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action, "allowed_roles": fe.Allowed})
	}
	var pe *domain.PolicyError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, pe.Code, pe.Reason, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not in project"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

// authorize resolves the caller and checks their roles against allowed.
func (h handlers) authorize(ctx context.Context, allowed []string, action string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := h.authz.Authorize(ctx, principal.PersonID, principal.Roles, allowed, action); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

func (h handlers) actorID(ctx context.Context) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	return principal.PersonID, nil
}

// projectConfig loads a project's stored config. An empty id, or a project
// that exists without a stored config, gets the defaults.
func (h handlers) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	if projectID == "" {
		return config.Default(""), nil
	}
	cfg, err := h.e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if _, err := h.e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	return config.Default(projectID), nil
}

func (h handlers) balancer(cfg *config.Config) *balance.Service {
	opts := []balance.Option{
		balance.WithLogger(h.logger),
		balance.WithMetrics(h.metrics),
		balance.WithAudit(h.e.Audit),
		balance.WithClaims(h.claims),
	}
	if h.e.Now != nil {
		opts = append(opts, balance.WithClock(h.e.Now))
	}
	return balance.New(h.e.Repo, balance.SettingsFromConfig(cfg), opts...)
}

// publish delivers evt after a successful write. Failures are logged only.
func (h handlers) publish(ctx context.Context, evt notify.Event) {
	if err := h.notify.Publish(ctx, evt); err != nil {
		h.logger.Warn("notification not delivered", "type", evt.Type, "entity_id", evt.EntityID, "error", err)
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>taskpulse API Docs</title>
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

func registerMe(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, err := h.authz.Roles(ctx, principal.PersonID, principal.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			PersonID: principal.PersonID,
			Roles:    nonNilSlice(roles),
			Source:   principal.Source,
		}}, nil
	})
}

func registerProjects(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := h.e.InitProject(ctx, input.Body.ID, input.Body.Name, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get the balancing config of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		cfg, err := h.projectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-iteration",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/iterations",
		Summary:       "Create iteration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateIterationRequest `json:"body"`
	}) (*struct {
		Body IterationResponse `json:"body"`
	}, error) {
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		it, err := h.e.CreateIteration(ctx, domain.Iteration{
			ID:        input.Body.ID,
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Status:    input.Body.Status,
			StartsAt:  input.Body.StartsAt,
			EndsAt:    input.Body.EndsAt,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IterationResponse `json:"body"`
		}{Body: iterationResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/iterations",
		Summary:     "List iterations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []IterationResponse `json:"body"`
	}, error) {
		if _, err := h.e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(fmt.Errorf("project %s: %w", input.ProjectID, err))
		}
		items, err := h.e.Repo.ListIterations(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]IterationResponse, 0, len(items))
		for _, it := range items {
			out = append(out, iterationResponse(it))
		}
		return &struct {
			Body []IterationResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPeople(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-person",
		Method:        http.MethodPost,
		Path:          "/people",
		Summary:       "Create person",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreatePersonRequest `json:"body"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		p, err := h.e.CreatePerson(ctx, engine.PersonCreateOptions{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			Email:         input.Body.Email,
			Role:          input.Body.Role,
			TeamID:        input.Body.TeamID,
			Skills:        input.Body.Skills,
			CapacityHours: input.Body.CapacityHours,
			OnLeave:       input.Body.OnLeave,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		h.publish(ctx, notify.Event{Type: "person.created", EntityKind: "person", EntityID: p.ID, ActorID: actorID})
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-people",
		Method:      http.MethodGet,
		Path:        "/people",
		Summary:     "List people",
	}, func(ctx context.Context, input *struct {
		TeamID    string `query:"team_id"`
		Role      string `query:"role"`
		Active    bool   `query:"active"`
		Available bool   `query:"available"`
	}) (*struct {
		Body []PersonResponse `json:"body"`
	}, error) {
		people, err := h.e.Repo.ListPeople(ctx, repo.PeopleFilter{
			TeamID:     input.TeamID,
			Role:       input.Role,
			ActiveOnly: input.Active,
			Available:  input.Available,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PersonResponse, 0, len(people))
		for _, p := range people {
			out = append(out, personResponse(p))
		}
		return &struct {
			Body []PersonResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-person",
		Method:      http.MethodGet,
		Path:        "/people/{person_id}",
		Summary:     "Get person",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PersonID string `path:"person_id"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		p, err := h.e.Repo.GetPerson(ctx, input.PersonID)
		if err != nil {
			return nil, handleError(fmt.Errorf("person %s: %w", input.PersonID, err))
		}
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-person",
		Method:      http.MethodPatch,
		Path:        "/people/{person_id}",
		Summary:     "Update person",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PersonID string              `path:"person_id"`
		Body     UpdatePersonRequest `json:"body"`
	}) (*struct {
		Body PersonResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := h.actorID(ctx)
		if err != nil {
			return nil, err
		}
		opts := engine.PersonUpdateOptions{
			ID:            input.PersonID,
			Name:          input.Body.Name,
			Email:         input.Body.Email,
			Role:          input.Body.Role,
			TeamID:        input.Body.TeamID,
			Active:        input.Body.Active,
			OnLeave:       input.Body.OnLeave,
			CapacityHours: input.Body.CapacityHours,
			ActorID:       actorID,
		}
		if input.Body.Skills != nil {
			opts.Skills = &input.Body.Skills
		}
		p, err := h.e.UpdatePerson(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		h.publish(ctx, notify.Event{Type: "person.updated", EntityKind: "person", EntityID: p.ID, ActorID: actorID})
		return &struct {
			Body PersonResponse `json:"body"`
		}{Body: personResponse(p)}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, repo.EventFilter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
