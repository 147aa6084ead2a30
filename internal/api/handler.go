// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/ingest"
	"github-knowledge-store/internal/model"
	"github-knowledge-store/internal/query"
)

const maxBodyBytes = 1 << 20

// Catalog runs named read operations.
type Catalog interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (any, error)
	Describe() []query.Descriptor
}

// Ingester runs and manages user ingestions.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
	Purge(ctx context.Context, handle string) error
	Status(ctx context.Context, handle string) (model.User, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	catalog       Catalog
	ingester      Ingester
	logger        *slog.Logger
	ingestTimeout time.Duration
}

// NewRouter creates and configures a new chi router with all API routes. Ingestion runs are
// detached from the request that started them and bounded by ingestTimeout instead.
func NewRouter(catalog Catalog, ingester Ingester, logger *slog.Logger, ingestTimeout time.Duration) http.Handler {
	h := &Handler{
		catalog:       catalog,
		ingester:      ingester,
		logger:        logger,
		ingestTimeout: ingestTimeout,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/catalog", h.describeCatalog)
			r.Post("/query/{operation}", h.executeQuery)
			r.Get("/users/{user}", h.getUser)
			r.Delete("/users/{user}", h.purgeUser)
		})
		// Ingestion is bounded by its own run timeout.
		r.Post("/users/{user}/ingest", h.ingestUser)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type catalogResponse struct {
	Version    string             `json:"version"`
	Operations []query.Descriptor `json:"operations"`
}

// GET /v1/catalog
func (h *Handler) describeCatalog(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, catalogResponse{Version: query.Version, Operations: h.catalog.Describe()})
}

type queryResponse struct {
	Operation string `json:"operation"`
	Version   string `json:"version"`
	Result    any    `json:"result"`
}

// executeQuery runs one catalog operation with the request body as its input.
// POST /v1/query/{operation}
func (h *Handler) executeQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "operation")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	result, err := h.catalog.Execute(r.Context(), name, body)
	if err != nil {
		h.respondWithDomainError(w, "Query failed", err)
		return
	}
	respondWithJSON(w, http.StatusOK, queryResponse{Operation: name, Version: query.Version, Result: result})
}

// ingestUser runs (or joins) an ingestion for the user. The GitHub token is taken from the
// Authorization header when present. Other callers may be coalesced onto the run, so a client
// disconnect does not cancel it.
// POST /v1/users/{user}/ingest?force=true
func (h *Handler) ingestUser(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'force' parameter. Must be true or false.")
			return
		}
		force = parsed
	}

	ctx := context.WithoutCancel(r.Context())
	if h.ingestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.ingestTimeout)
		defer cancel()
	}
	res, err := h.ingester.Ingest(ctx, ingest.Request{
		Handle: chi.URLParam(r, "user"),
		Token:  bearerToken(r),
		Force:  force,
	})
	if err != nil {
		h.respondWithDomainError(w, "Ingestion failed", err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// GET /v1/users/{user}
func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.ingester.Status(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.respondWithDomainError(w, "Failed to get user", err)
		return
	}
	respondWithJSON(w, http.StatusOK, user)
}

// DELETE /v1/users/{user}
func (h *Handler) purgeUser(w http.ResponseWriter, r *http.Request) {
	if err := h.ingester.Purge(r.Context(), chi.URLParam(r, "user")); err != nil {
		h.respondWithDomainError(w, "Failed to purge user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// respondWithDomainError maps the error taxonomy onto HTTP statuses. Unexpected errors are
// logged and hidden from the client.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		respondWithError(w, status, "Internal server error")
		return
	}
	respondWithError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case custom_errors.IsValidation(err):
		return http.StatusBadRequest
	case custom_errors.IsNotFound(err), custom_errors.IsUnknownOperation(err):
		return http.StatusNotFound
	case custom_errors.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
