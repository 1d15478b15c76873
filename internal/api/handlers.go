// Package api exposes HTTP handlers for the sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/trisync/internal/auth"
	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/normalize"
	"example.com/trisync/internal/observability"
	"example.com/trisync/internal/persistence"
	"example.com/trisync/internal/syncer"
)

// Syncer runs one sync pass.
type Syncer interface {
	Run(ctx context.Context, req syncer.Request) (syncer.Report, error)
}

// CodeExchanger trades an authorization code for a token pair.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (domain.TokenPair, error)
}

// Dependencies groups what the handlers need.
type Dependencies struct {
	Service    *domain.Service
	Runs       domain.SyncRunStore
	Syncer     Syncer
	Tokens     CodeExchanger
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
	// Report receives server-side failures; defaults to Sentry.
	Report func(err error, tags map[string]string)
	// Ready checks backing services for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
	// StoreTimeout bounds store calls made outside the request context.
	StoreTimeout time.Duration
}

const defaultStoreTimeout = 5 * time.Second

// Handler coordinates HTTP requests with the sync pipeline and read service.
type Handler struct {
	service    *domain.Service
	runs       domain.SyncRunStore
	syncer     Syncer
	tokens     CodeExchanger
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	report     func(error, map[string]string)
	ready      func(context.Context) error
	timeout    time.Duration
}

// NewHandler builds a Handler.
func NewHandler(deps Dependencies) *Handler {
	h := &Handler{
		service:    deps.Service,
		runs:       deps.Runs,
		syncer:     deps.Syncer,
		tokens:     deps.Tokens,
		normalizer: deps.Normalizer,
		logger:     deps.Logger,
		report:     deps.Report,
		ready:      deps.Ready,
		timeout:    deps.StoreTimeout,
	}
	if h.timeout <= 0 {
		h.timeout = defaultStoreTimeout
	}
	if h.normalizer == nil {
		h.normalizer = normalize.New(nil)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.report == nil {
		h.report = observability.CaptureError
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/sync/runs", h.listRuns)
	mux.HandleFunc("/v1/connect", h.connect)
	mux.HandleFunc("/v1/activities", h.listActivities)
	mux.HandleFunc("/v1/activities/normalize", h.normalize)
	mux.HandleFunc("/v1/sport-mappings", h.sportMappings)
	mux.HandleFunc("/healthz", healthz)
	mux.HandleFunc("/readyz", h.readyz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz fails while a backing service is unreachable.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// authorize resolves the owner a request acts for. Callers may name another
// owner only with the admin scope.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, requested string, scopes ...string) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	allowed := claims.HasScope(auth.ScopeSyncAdmin)
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			allowed = true
		}
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+strings.Join(scopes, " or ")+" required")
		return "", false
	}

	requested = strings.TrimSpace(requested)
	if requested == "" || requested == claims.OwnerID {
		return claims.OwnerID, true
	}
	if !claims.HasScope(auth.ScopeSyncAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "owner_id does not match token")
		return "", false
	}
	return requested, true
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	ownerID, ok := h.authorize(w, r, r.URL.Query().Get("owner_id"), auth.ScopeActivitiesRead)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	rows, next, err := h.service.ListActivities(r.Context(), ownerID, cursor, limit)
	if err != nil {
		h.serverError(w, err, "list activities", ownerID)
		return
	}

	resp := ListActivitiesResponse{
		Items:      make([]ActivityView, 0, len(rows)),
		NextCursor: persistence.EncodeCursor(next),
		Totals:     make(map[domain.Discipline]DisciplineTotals, 3),
	}
	for _, row := range rows {
		resp.Items = append(resp.Items, toActivityView(row))
	}
	for discipline, s := range domain.Summarize(rows) {
		resp.Totals[discipline] = DisciplineTotals{Count: s.Count, DistanceM: s.Distance, MovingTimeS: int64(s.MovingTime.Seconds())}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) normalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := h.authorize(w, r, "", auth.ScopeActivitiesRead, auth.ScopeSyncWrite); !ok {
		return
	}

	var in domain.VendorActivity
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	outcome := h.normalizer.Normalize(in)
	resp := NormalizeResponse{Supported: outcome.Kind == normalize.Supported}
	switch outcome.Kind {
	case normalize.Supported:
		resp.Activity = &outcome.Activity
	case normalize.Unsupported:
		resp.UnsupportedType = outcome.Tag
	case normalize.Invalid:
		resp.Reason = outcome.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) sportMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mappings": h.normalizer.Table().Entries()})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	ownerID, ok := h.authorize(w, r, r.URL.Query().Get("owner_id"), auth.ScopeActivitiesRead, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	runs, err := h.runs.ListSyncRuns(r.Context(), ownerID, limit)
	if err != nil {
		h.serverError(w, err, "list sync runs", ownerID)
		return
	}
	if runs == nil {
		runs = []domain.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": runs})
}

func (h *Handler) serverError(w http.ResponseWriter, err error, op, ownerID string) {
	h.logger.Error(op+" failed", "owner_id", ownerID, "error", err)
	h.report(err, map[string]string{"op": op})
	if errors.Is(err, domain.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "activity store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
