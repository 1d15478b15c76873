package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/trisync/internal/auth"
	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/syncer"
)

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	ownerID, ok := h.authorize(w, r, req.OwnerID, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	report, err := h.syncer.Run(r.Context(), syncer.Request{
		OwnerID: ownerID,
		Token: domain.TokenPair{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		},
		After:  req.After,
		Before: req.Before,
	})

	// History is best effort: a pass that already wrote rows is still reported.
	if h.runs != nil && !errors.Is(err, syncer.ErrOwnerRequired) {
		h.recordRun(r.Context(), report.Run(ownerID))
	}

	if err != nil {
		h.syncError(w, err, report, ownerID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// recordRun outlives a cancelled request but not a hung store.
func (h *Handler) recordRun(parent context.Context, run domain.SyncRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.timeout)
	defer cancel()
	if err := h.runs.RecordSyncRun(ctx, run); err != nil {
		h.logger.Warn("record sync run failed", "sync_id", run.SyncID, "owner_id", run.OwnerID, "error", err)
	}
}

// syncError maps a failed pass onto a status code. The partial report is
// always returned so callers can persist refreshed tokens and counts.
func (h *Handler) syncError(w http.ResponseWriter, err error, report syncer.Report, ownerID string) {
	var (
		rateErr  *domain.RateLimitError
		authErr  *domain.VendorAuthError
		fatalErr *domain.FatalStoreError
		apiErr   *domain.APIError
		netErr   *domain.TransportError
	)
	resp := SyncErrorResponse{Detail: err.Error(), Report: report}

	switch {
	// Checked first: vendor and store errors wrap the context error of an
	// abandoned request.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		resp.Type = "cancelled"
		writeJSON(w, http.StatusGatewayTimeout, resp)
	case errors.Is(err, domain.ErrReauthRequired):
		resp.Type = "reauthentication_required"
		writeJSON(w, http.StatusUnauthorized, resp)
	case errors.As(err, &authErr):
		resp.Type = "vendor_unauthorized"
		writeJSON(w, http.StatusUnauthorized, resp)
	case errors.As(err, &rateErr):
		resp.Type = "rate_limited"
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
	case errors.As(err, &fatalErr), errors.Is(err, domain.ErrStoreUnavailable):
		h.capture(err, report, ownerID)
		resp.Type = "store_unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case errors.As(err, &apiErr), errors.As(err, &netErr):
		h.capture(err, report, ownerID)
		resp.Type = "vendor_error"
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		h.capture(err, report, ownerID)
		resp.Type = "server_error"
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (h *Handler) capture(err error, report syncer.Report, ownerID string) {
	h.report(err, map[string]string{"op": "sync", "sync_id": report.SyncID, "owner_id": ownerID})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	ownerID, ok := h.authorize(w, r, "", auth.ScopeSyncWrite)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "code is required")
		return
	}

	pair, err := h.tokens.Exchange(r.Context(), req.Code)
	if err != nil {
		var authErr *domain.VendorAuthError
		switch {
		case errors.As(err, &authErr):
			writeError(w, http.StatusUnauthorized, "vendor_unauthorized", "authorization code rejected")
		case errors.Is(err, domain.ErrMissingCredentials):
			h.serverError(w, err, "token exchange", ownerID)
		default:
			h.logger.Warn("token exchange failed", "owner_id", ownerID, "error", err)
			h.report(err, map[string]string{"op": "token exchange"})
			writeError(w, http.StatusBadGateway, "vendor_error", "token exchange failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// SyncRequest is the payload for POST /v1/sync.
type SyncRequest struct {
	OwnerID      string    `json:"owner_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	After        time.Time `json:"after"`
	Before       time.Time `json:"before"`
}

// Validate ensures request correctness.
func (r SyncRequest) Validate() error {
	if strings.TrimSpace(r.AccessToken) == "" && strings.TrimSpace(r.RefreshToken) == "" {
		return errors.New("access_token or refresh_token is required")
	}
	if !r.After.IsZero() && !r.Before.IsZero() && !r.After.Before(r.Before) {
		return errors.New("after must be earlier than before")
	}
	return nil
}

// SyncErrorResponse carries the problem type and the partial report.
type SyncErrorResponse struct {
	Type   string        `json:"type"`
	Detail string        `json:"detail"`
	Report syncer.Report `json:"report"`
}

// ConnectRequest is the payload for POST /v1/connect.
type ConnectRequest struct {
	Code string `json:"code"`
}
