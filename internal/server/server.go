package server

import (
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/guard"
	"reportline/internal/idempotency"
	"reportline/internal/metrics"
	"reportline/internal/repo"
	"reportline/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	Idempotency *idempotency.Cache
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rule_denied"`
	Message string         `json:"message" example:"editor role or higher is required to update reports"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"rule\":\"role_floor\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reportline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Reportline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerReports(group, cfg)
	registerAudit(group, cfg.Engine)
	registerOps(group, cfg.Engine)
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
	var de *rules.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, "rule_denied", de.Reason, map[string]any{"rule": de.Rule})
	}
	var vc *guard.VersionConflictError
	if errors.As(err, &vc) {
		return newAPIError(http.StatusConflict, "version_conflict", vc.Error(), map[string]any{
			"report_id": vc.ReportID,
			"expected":  vc.Expected,
			"actual":    vc.Actual,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, idempotency.ErrInvalidKey) {
		return newAPIError(http.StatusBadRequest, "invalid_idempotency_key", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "status transition"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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

func resolveActor(ctx context.Context, e engine.Engine) (domain.Actor, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	actor, err := e.ResolveActor(ctx, p.ActorID, p.Role, p.Tier)
	if err != nil {
		return domain.Actor{}, handleError(err)
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Role != domain.RoleAdmin {
		return newAPIError(http.StatusForbidden, "forbidden", "administrator role required", nil)
	}
	return nil
}

// reportEnvelope carries a report body plus the replay marker header set when
// the response was served from the idempotency cache. Replayed is a string so
// huma omits the header entirely on first responses; Status, when non-zero,
// overrides the operation's default so a replay echoes the recorded code.
type reportEnvelope struct {
	Status   int
	Replayed string         `header:"Idempotency-Replayed"`
	Body     ReportResponse `json:"body"`
}

// replayLookup returns the cached response for key, if any. An empty key
// means the client opted out of idempotent handling.
func replayLookup(cfg Config, key string) (*reportEnvelope, huma.StatusError) {
	if key == "" || cfg.Idempotency == nil {
		return nil, nil
	}
	entry, ok, err := cfg.Idempotency.Lookup(key)
	if err != nil {
		return nil, handleError(err)
	}
	if !ok {
		cfg.Metrics.ObserveIdempotency("miss")
		return nil, nil
	}
	cfg.Metrics.ObserveIdempotency("hit")
	var rr ReportResponse
	if err := json.Unmarshal(entry.Body, &rr); err != nil {
		return nil, newAPIError(http.StatusInternalServerError, "internal_error", "corrupt idempotency entry", nil)
	}
	return &reportEnvelope{Status: entry.StatusCode, Replayed: "true", Body: rr}, nil
}

func recordReplay(cfg Config, key string, status int, rr ReportResponse) {
	if key == "" || cfg.Idempotency == nil {
		return
	}
	body, err := json.Marshal(rr)
	if err != nil {
		return
	}
	_ = cfg.Idempotency.Record(key, status, body)
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Reportline API Docs</title>
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

func registerReports(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Create report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           CreateReportRequest `json:"body"`
	}) (*reportEnvelope, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if cached, herr := replayLookup(cfg, input.IdempotencyKey); herr != nil {
			return nil, herr
		} else if cached != nil {
			return cached, nil
		}
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateReportOptions{
			Title:         input.Body.Title,
			Collaborators: input.Body.Collaborators,
			Actor:         actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Body != nil {
			opts.Body = *input.Body.Body
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		rep, err := e.CreateReport(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		rr := reportResponse(rep)
		recordReplay(cfg, input.IdempotencyKey, http.StatusCreated, rr)
		return &reportEnvelope{Status: http.StatusCreated, Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		OwnerID string `query:"owner_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListReports(ctx, repo.ListFilter{
			OwnerID: input.OwnerID,
			Status:  input.Status,
			Limit:   input.Limit,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: mapReports(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.GetReport(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-report",
		Method:      http.MethodPatch,
		Path:        "/reports/{id}",
		Summary:     "Update report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID             string              `path:"id"`
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           UpdateReportRequest `json:"body"`
	}) (*reportEnvelope, error) {
		if cached, herr := replayLookup(cfg, input.IdempotencyKey); herr != nil {
			return nil, herr
		} else if cached != nil {
			return cached, nil
		}
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
			ID: input.ID,
			Changes: guard.Changes{
				Title:         input.Body.Title,
				Body:          input.Body.Body,
				Status:        input.Body.Status,
				Collaborators: input.Body.Collaborators,
			},
			ExpectedVersion: input.Body.ExpectedVersion,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		rr := reportResponse(rep)
		recordReplay(cfg, input.IdempotencyKey, http.StatusOK, rr)
		return &reportEnvelope{Status: http.StatusOK, Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/archive",
		Summary:     "Archive report",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID             string               `path:"id"`
		IdempotencyKey string               `header:"Idempotency-Key"`
		Body           ArchiveReportRequest `json:"body"`
	}) (*reportEnvelope, error) {
		if cached, herr := replayLookup(cfg, input.IdempotencyKey); herr != nil {
			return nil, herr
		} else if cached != nil {
			return cached, nil
		}
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.ArchiveReport(ctx, input.ID, input.Body.ExpectedVersion, actor)
		if err != nil {
			return nil, handleError(err)
		}
		rr := reportResponse(rep)
		recordReplay(cfg, input.IdempotencyKey, http.StatusOK, rr)
		return &reportEnvelope{Status: http.StatusOK, Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-report",
		Method:        http.MethodDelete,
		Path:          "/reports/{id}",
		Summary:       "Delete report",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteReport(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-artifact",
		Method:        http.MethodPost,
		Path:          "/reports/{id}/artifacts",
		Summary:       "Account an artifact upload",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID             string                `path:"id"`
		IdempotencyKey string                `header:"Idempotency-Key"`
		Body           UploadArtifactRequest `json:"body"`
	}) (*reportEnvelope, error) {
		if cached, herr := replayLookup(cfg, input.IdempotencyKey); herr != nil {
			return nil, herr
		} else if cached != nil {
			return cached, nil
		}
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.UploadArtifact(ctx, input.ID, input.Body.SizeBytes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		rr := reportResponse(rep)
		recordReplay(cfg, input.IdempotencyKey, http.StatusCreated, rr)
		return &reportEnvelope{Status: http.StatusCreated, Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-editor-slot",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/editors/claim",
		Summary:     "Claim a concurrent editor slot",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.ClaimEditorSlot(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-editor-slot",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/editors/release",
		Summary:     "Release a concurrent editor slot",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.ReleaseEditorSlot(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-entries",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResourceType string `query:"resource_type"`
		ResourceID   string `query:"resource_id"`
		Limit        int    `query:"limit" default:"100"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		entries, err := e.Audit.List(ctx, input.ResourceType, input.ResourceID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, auditEntryResponse(entry))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/ops/breakers",
		Summary:     "Circuit breaker status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BreakerResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		out := []BreakerResponse{}
		if e.Async != nil {
			for _, st := range e.Async.BreakerStatuses() {
				out = append(out, breakerResponse(st))
			}
		}
		return &struct {
			Body []BreakerResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-breaker",
		Method:      http.MethodPost,
		Path:        "/ops/breakers/reset",
		Summary:     "Reset circuit breakers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if e.Async != nil {
			if input.Kind == "" {
				e.Async.ResetAllBreakers()
			} else {
				e.Async.ResetBreaker(input.Kind)
			}
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "reset"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/ops/deadletters",
		Summary:     "List dead-lettered operations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []DeadLetterResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		letters, err := e.Repo.ListDeadLetters(ctx, input.Kind, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeadLetterResponse, 0, len(letters))
		for _, d := range letters {
			out = append(out, deadLetterResponse(d))
		}
		return &struct {
			Body []DeadLetterResponse `json:"body"`
		}{Body: out}, nil
	})
}
