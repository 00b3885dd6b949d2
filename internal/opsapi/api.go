package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/credential"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/portfolio"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/version"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// EventSource defines the interface for reading the audit trail.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]events.Event, error)
	Dropped() uint64
}

// PortfolioSource defines the interface for reading watcher sweep state.
type PortfolioSource interface {
	Report() portfolio.Report
}

// CredentialSource defines the interface for reading credential cache
// state. Status carries no token material.
type CredentialSource interface {
	Status() credential.Status
}

// API implements the operational JSON endpoints.
type API struct {
	events     EventSource
	portfolio  PortfolioSource
	credential CredentialSource
	logger     log.Logger
}

// NewAPI creates the ops API handler. Any source may be nil when the
// corresponding subsystem is disabled; its endpoint then answers 503.
func NewAPI(events EventSource, portfolio PortfolioSource, creds CredentialSource, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		events:     events,
		portfolio:  portfolio,
		credential: creds,
		logger:     logger,
	}
}

// RegisterRoutes attaches the ops endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/security/events", api.HandleRecentEvents)
	r.Get("/portfolio/status", api.HandlePortfolioStatus)
	r.Get("/credential/status", api.HandleCredentialStatus)
	r.Get("/version", api.HandleVersion)
}

// HandleRecentEvents serves the newest audit events, newest first.
// ?limit=n caps the result, clamped to maxEventLimit.
func (api *API) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if api.events == nil {
		http.Error(w, `{"error":"event persistence disabled"}`, http.StatusServiceUnavailable)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		limit = n
	}

	evs, err := api.events.Recent(ctx, limit)
	if err != nil {
		api.logger.Warn(ctx, "event query failed", "err_msg", err.Error())
		http.Error(w, `{"error":"event query failed"}`, http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}

	api.writeJSON(ctx, w, http.StatusOK, EventsResponse{
		Events:     evs,
		Count:      len(evs),
		Dropped:    api.events.Dropped(),
		ServerTime: time.Now().UTC().Truncate(time.Second),
	})
}

// HandlePortfolioStatus serves the latest watcher sweep snapshot.
func (api *API) HandlePortfolioStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if api.portfolio == nil {
		http.Error(w, `{"error":"portfolio watcher disabled"}`, http.StatusServiceUnavailable)
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, PortfolioStatusResponse{
		Report:     api.portfolio.Report(),
		ServerTime: time.Now().UTC().Truncate(time.Second),
	})
}

// HandleCredentialStatus serves the credential cache state: whether a
// validated token is cached, its type and scopes. Never the token itself.
func (api *API) HandleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if api.credential == nil {
		http.Error(w, `{"error":"credential manager disabled"}`, http.StatusServiceUnavailable)
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, CredentialStatusResponse{
		Status:     api.credential.Status(),
		ServerTime: time.Now().UTC().Truncate(time.Second),
	})
}

// HandleVersion serves build and version information.
func (api *API) HandleVersion(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, version.Get())
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "err_msg", err.Error())
	}
}
