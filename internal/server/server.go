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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quoteline/internal/correlator"
	"quoteline/internal/domain"
	"quoteline/internal/engine"
	"quoteline/internal/optimistic"
	"quoteline/internal/repo"
	"quoteline/internal/workflow"
)

// Cycler runs one correlation pass on demand.
type Cycler interface {
	Cycle(ctx context.Context) (correlator.Report, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine     *engine.Engine
	Correlator Cycler
	BasePath   string
	Auth       AuthConfig
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid event CONFIRM in state draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"draft\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Quoteline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(middleware.RequestID)
	router.Use(loggingMiddleware(cfg.Logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Quoteline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerQuotations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerCorrelator(group, cfg.Correlator)
	registerOperations(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return otelhttp.NewHandler(router, "quoteline-api"), nil
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"event":  string(ve.Event),
			"state":  string(ve.State),
			"reason": ve.Reason,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, optimistic.ErrEntityBusy) {
		return newAPIError(http.StatusConflict, "busy", err.Error(), nil)
	}
	var conflict *optimistic.ConflictError
	if errors.As(err, &conflict) || errors.Is(err, repo.ErrVersionMismatch) || errors.Is(err, repo.ErrAlreadyExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var fatal *optimistic.FatalInconsistencyError
	if errors.As(err, &fatal) {
		return newAPIError(http.StatusInternalServerError, "fatal_inconsistency", err.Error(), map[string]any{"operation_id": fatal.OperationID})
	}
	var se *optimistic.SyncError
	if errors.As(err, &se) {
		details := map[string]any{"code": string(se.Code)}
		var exhausted *optimistic.RetryableSyncError
		if errors.As(err, &exhausted) {
			details["attempts"] = exhausted.Attempts
		}
		return newAPIError(http.StatusBadGateway, "sync_failed", err.Error(), details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
		for _, op := range pathOperations(item) {
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

func pathOperations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range pathOperations(item) {
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
    <title>Quoteline API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerQuotations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-quotation",
		Method:        http.MethodPost,
		Path:          "/quotations",
		Summary:       "Create a draft quotation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateQuotationRequest `json:"body"`
	}) (*struct {
		Body QuotationResponse `json:"body"`
	}, error) {
		q, err := e.Create(ctx, input.Body.Supplier, input.Body.Items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotationResponse `json:"body"`
		}{Body: quotationResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quotations",
		Method:      http.MethodGet,
		Path:        "/quotations",
		Summary:     "List quotations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state" doc:"Canonical state or any known alias"`
		Supplier string `query:"supplier" doc:"Supplier email"`
		Pending  string `query:"pending" enum:"true,false"`
		Limit    int    `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body []QuotationResponse `json:"body"`
	}, error) {
		f := repo.Filter{SupplierEmail: input.Supplier, Limit: normalizeLimit(input.Limit)}
		if input.State != "" {
			s := e.Machine.Normalizer.Normalize(input.State)
			if !s.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown state "+input.State, nil)
			}
			f.State = s
		}
		if input.Pending != "" {
			p := input.Pending == "true"
			f.Pending = &p
		}
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QuotationResponse `json:"body"`
		}{Body: mapQuotations(items)}, nil
	})

	type idPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-quotation",
		Method:      http.MethodGet,
		Path:        "/quotations/{id}",
		Summary:     "Get a quotation with its history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body QuotationResponse `json:"body"`
	}, error) {
		q, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotationResponse `json:"body"`
		}{Body: quotationResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quotation-history",
		Method:      http.MethodGet,
		Path:        "/quotations/{id}/history",
		Summary:     "Transition history of a quotation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		h, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: nonNilHistory(h)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-event",
		Method:      http.MethodPost,
		Path:        "/quotations/{id}/events",
		Summary:     "Dispatch a workflow event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body EventRequest `json:"body"`
	}) (*struct {
		Body QuotationResponse `json:"body"`
	}, error) {
		evt, err := input.Body.toEvent()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		q, err := e.Dispatch(ctx, input.ID, evt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotationResponse `json:"body"`
		}{Body: quotationResponse(q)}, nil
	})
}

func registerCorrelator(api huma.API, c Cycler) {
	huma.Register(api, huma.Operation{
		OperationID: "correlator-cycle",
		Method:      http.MethodPost,
		Path:        "/correlator/cycle",
		Summary:     "Run one reply correlation cycle",
		Errors:      []int{http.StatusServiceUnavailable, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body correlator.Report `json:"body"`
	}, error) {
		if c == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "mailbox_disabled", "mailbox is not configured", nil)
		}
		rep, err := c.Cycle(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadGateway, "cycle_failed", err.Error(), nil)
		}
		return &struct {
			Body correlator.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerOperations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "Optimistic updates still in flight",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []optimistic.Record `json:"body"`
	}, error) {
		return &struct {
			Body []optimistic.Record `json:"body"`
		}{Body: e.Pending()}, nil
	})
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
