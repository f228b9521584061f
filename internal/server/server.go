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

	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_current_custodian"`
	Message string         `json:"message" example:"actor is not the current custodian"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
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
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBatches(group, cfg.Engine)
	registerTransfers(group, cfg.Engine)
	registerTrace(group, cfg.Engine)
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

// handleError maps ledger error kinds to envelope codes. transfer_in_progress
// is the only retryable one.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateBatch):
		return newAPIError(http.StatusConflict, "duplicate_batch", err.Error(), nil)
	case errors.Is(err, engine.ErrTransferInProgress):
		return newAPIError(http.StatusConflict, "transfer_in_progress", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrNotCurrentCustodian):
		return newAPIError(http.StatusForbidden, "not_current_custodian", err.Error(), nil)
	case errors.Is(err, engine.ErrBatchClosed):
		return newAPIError(http.StatusConflict, "batch_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidReference):
		return newAPIError(http.StatusBadRequest, "invalid_reference", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Register batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterBatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		if input.Body.Commodity == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "commodity is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RegisterOptions{
			IDHint:         stringOrEmpty(input.Body.ID),
			Commodity:      input.Body.Commodity,
			Variety:        stringOrEmpty(input.Body.Variety),
			Quantity:       input.Body.Quantity,
			Unit:           stringOrEmpty(input.Body.Unit),
			Origin:         stringOrEmpty(input.Body.Origin),
			HarvestDate:    stringOrEmpty(input.Body.HarvestDate),
			Notes:          stringOrEmpty(input.Body.Notes),
			Certifications: input.Body.Certifications,
			ActorID:        actorID,
		}
		b, err := e.RegisterBatch(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: BatchResponse{Batch: b, QRPayload: e.TracePayload(b.ID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Custodian string `query:"custodian"`
		Commodity string `query:"commodity"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedBatches `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		batches, err := e.Repo.ListBatches(ctx, repo.BatchFilters{
			Status:          input.Status,
			Custodian:       input.Custodian,
			Commodity:       input.Commodity,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedBatches{Items: []BatchResponse{}}
		if len(batches) > limit {
			resp.NextCursor = composeCursor(batches[limit].CreatedAt, batches[limit].ID)
			batches = batches[:limit]
		}
		for _, b := range batches {
			resp.Items = append(resp.Items, BatchResponse{Batch: b, QRPayload: e.TracePayload(b.ID)})
		}
		return &struct {
			Body paginatedBatches `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: BatchResponse{Batch: b, QRPayload: e.TracePayload(b.ID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batch-events",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/events",
		Summary:     "Batch custody history",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		history, err := e.History(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(history)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/verify",
		Summary:     "Verify batch hash chain",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body domain.VerificationResult `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Verify(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-qr-payload",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/qr",
		Summary:     "QR payload string",
		Description: "Returns the string payload to encode; rendering the scannable symbol is the caller's concern.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body QRPayloadResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetBatch(ctx, input.BatchID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QRPayloadResponse `json:"body"`
		}{Body: QRPayloadResponse{BatchID: input.BatchID, Payload: e.TracePayload(input.BatchID)}}, nil
	})
}

func registerTransfers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/transfer",
		Summary:     "Transfer custody",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string               `path:"batch_id"`
		Body    TransferBatchRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		if input.Body.ToActor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_actor is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var conditions engine.TransferConditions
		if c := input.Body.Conditions; c != nil {
			conditions = engine.TransferConditions{
				Destination:      c.Destination,
				DestinationType:  c.DestinationType,
				TemperatureC:     c.TemperatureC,
				ExpectedDelivery: c.ExpectedDelivery,
				Notes:            c.Notes,
			}
		}
		ev, err := e.Transfer(ctx, input.BatchID, actorID, input.Body.ToActor, conditions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/acknowledge",
		Summary:     "Acknowledge receipt",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string                  `path:"batch_id"`
		Body    AcknowledgeBatchRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Acknowledge(ctx, input.BatchID, actorID, input.Body.Location)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/close",
		Summary:     "Close batch",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Close(ctx, input.BatchID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-test",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_id}/tests",
		Summary:       "Record test results",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string            `path:"batch_id"`
		Body    RecordTestRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.RecordTest(ctx, input.BatchID, actorID, input.Body.Location, input.Body.Results)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})
}

func registerTrace(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-trace",
		Method:      http.MethodGet,
		Path:        "/trace",
		Summary:     "Resolve a batch reference",
		Description: "Accepts a bare batch identifier or a QR payload string. The verification result is part of the view; an invalid chain is reported, not hidden.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `query:"ref" required:"true"`
	}) (*struct {
		Body domain.TraceView `json:"body"`
	}, error) {
		view, err := e.Resolve(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TraceView `json:"body"`
		}{Body: view}, nil
	})
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
	open := map[string]bool{
		path.Join(basePath, "health"): true,
		path.Join(basePath, "trace"):  true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
