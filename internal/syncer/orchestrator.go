// Package syncer runs a single Strava sync pass: token check, fetch, normalize, write.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/normalize"
	"example.com/trisync/internal/observability"
	"example.com/trisync/internal/strava"
	"example.com/trisync/internal/writer"
)

// TokenRefresher renews an expired access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
}

// ActivityFetcher lists one page of vendor activities.
type ActivityFetcher interface {
	ListActivities(ctx context.Context, accessToken string, params strava.ListParams) ([]domain.VendorActivity, error)
}

// BatchWriter persists normalized activities.
type BatchWriter interface {
	Write(ctx context.Context, ownerID, syncID string, records []domain.NormalizedActivity) (writer.Result, error)
}

const (
	defaultMaxPages         = 10
	defaultRefreshMargin    = 60 * time.Second
	defaultRateLimitBackoff = 15 * time.Second
	defaultMaxBackoff       = 60 * time.Second
)

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides the context-aware wait used for rate limit backoff.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithMaxPages bounds how many pages a pass may request.
func WithMaxPages(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxPages = n
		}
	}
}

// WithPageSize sets per_page; it is clamped to the vendor maximum.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = strava.ClampPerPage(n)
		}
	}
}

// WithRefreshMargin sets how long before expiry a token is treated as expired.
func WithRefreshMargin(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.refreshMargin = d
		}
	}
}

// WithRateLimitBackoff sets the wait used when a 429 has no Retry-After.
func WithRateLimitBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithMaxBackoff caps the single 429 wait.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.maxBackoff = d
		}
	}
}

// Orchestrator holds only configuration; every Run is independent.
type Orchestrator struct {
	tokens     TokenRefresher
	activities ActivityFetcher
	normalizer *normalize.Normalizer
	writer     BatchWriter

	logger        *slog.Logger
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error
	maxPages      int
	pageSize      int
	refreshMargin time.Duration
	backoff       time.Duration
	maxBackoff    time.Duration
}

// New wires an Orchestrator. A nil normalizer uses the default mapping table.
func New(tokens TokenRefresher, activities ActivityFetcher, normalizer *normalize.Normalizer, w BatchWriter, opts ...Option) *Orchestrator {
	if normalizer == nil {
		normalizer = normalize.New(nil)
	}
	o := &Orchestrator{
		tokens:        tokens,
		activities:    activities,
		normalizer:    normalizer,
		writer:        w,
		logger:        slog.Default(),
		now:           time.Now,
		sleep:         sleepContext,
		maxPages:      defaultMaxPages,
		pageSize:      strava.MaxPerPage,
		refreshMargin: defaultRefreshMargin,
		backoff:       defaultRateLimitBackoff,
		maxBackoff:    defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request describes one pass. Zero After/Before leave the window open.
type Request struct {
	OwnerID string
	Token   domain.TokenPair
	After   time.Time
	Before  time.Time
}

// ErrOwnerRequired is returned when a Request carries no owner.
var ErrOwnerRequired = errors.New("sync request requires an owner id")

// Run executes one sync pass. The returned Report is always populated, even
// on failure, and its State is StateIdle only on success.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Report, error) {
	started := o.now()
	report := Report{
		SyncID:    uuid.NewString(),
		State:     StateIdle,
		StartedAt: started.UTC(),
	}
	logger := o.logger.With("sync_id", report.SyncID, "owner_id", req.OwnerID)

	err := o.run(ctx, logger, req, &report)

	report.FinishedAt = o.now().UTC()
	if err != nil {
		report.Error = err.Error()
		o.transition(logger, &report, StateFailed)
		logger.Warn("sync pass failed", "error", err, "fetched", report.Fetched, "created", report.Written.Created, "updated", report.Written.Updated)
	} else {
		logger.Info("sync pass completed",
			"fetched", report.Fetched, "normalized", report.Normalized, "skipped", report.Skipped,
			"created", report.Written.Created, "updated", report.Written.Updated, "failed", report.Written.Failed,
			"truncated", report.Truncated)
	}
	observability.RecordSyncPass(string(report.State), report.FinishedAt.Sub(report.StartedAt))
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, req Request, report *Report) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return ErrOwnerRequired
	}

	o.transition(logger, report, StateTokenCheck)
	token, err := o.checkToken(ctx, logger, req.Token, report)
	if err != nil {
		return err
	}

	o.transition(logger, report, StateFetching)
	fetched, truncated, err := o.fetch(ctx, logger, token.AccessToken, req)
	if err != nil {
		return err
	}
	report.Fetched = len(fetched)
	report.Truncated = truncated
	observability.RecordSyncActivities("fetched", report.Fetched)

	o.transition(logger, report, StateWriting)
	supported := make([]domain.NormalizedActivity, 0, len(fetched))
	for _, activity := range fetched {
		outcome := o.normalizer.Normalize(activity)
		switch outcome.Kind {
		case normalize.Supported:
			supported = append(supported, outcome.Activity)
		case normalize.Unsupported:
			report.Unsupported++
			if report.UnsupportedTypes == nil {
				report.UnsupportedTypes = make(map[string]int)
			}
			report.UnsupportedTypes[unsupportedKey(outcome.Tag)]++
		default:
			report.Invalid++
			logger.Debug("discarding malformed activity", "vendor_activity_id", activity.ID, "reason", outcome.Reason)
		}
	}
	report.Normalized = len(supported)
	report.Skipped = report.Fetched - report.Normalized
	observability.RecordSyncActivities("normalized", report.Normalized)
	observability.RecordSyncActivities("unsupported", report.Unsupported)
	observability.RecordSyncActivities("invalid", report.Invalid)

	if len(supported) > 0 {
		result, err := o.writer.Write(ctx, req.OwnerID, report.SyncID, supported)
		report.applyWrite(result)
		if err != nil {
			return err
		}
	}

	o.transition(logger, report, StateIdle)
	return nil
}

func (o *Orchestrator) checkToken(ctx context.Context, logger *slog.Logger, token domain.TokenPair, report *Report) (domain.TokenPair, error) {
	if !token.Expired(o.now(), o.refreshMargin) {
		return token, nil
	}
	if strings.TrimSpace(token.RefreshToken) == "" {
		return domain.TokenPair{}, fmt.Errorf("%w: access token expired and no refresh token is stored", domain.ErrReauthRequired)
	}

	logger.Debug("access token expired, refreshing", "expires_at", token.ExpiresAt)
	refreshed, err := o.tokens.Refresh(ctx, token.RefreshToken)
	if err != nil {
		observability.RecordTokenRefresh(false)
		var authErr *domain.VendorAuthError
		if errors.As(err, &authErr) || errors.Is(err, domain.ErrInvalidGrant) {
			return domain.TokenPair{}, fmt.Errorf("%w: %w", domain.ErrReauthRequired, err)
		}
		return domain.TokenPair{}, fmt.Errorf("refresh access token: %w", err)
	}
	observability.RecordTokenRefresh(true)
	report.Token = &refreshed
	return refreshed, nil
}

// fetch pages until an empty or short page. The bool reports that MaxPages
// stopped the loop while full pages were still arriving.
func (o *Orchestrator) fetch(ctx context.Context, logger *slog.Logger, accessToken string, req Request) ([]domain.VendorActivity, bool, error) {
	var (
		out     []domain.VendorActivity
		seen    = make(map[domain.VendorID]struct{})
		retried bool
	)
	for page := 1; page <= o.maxPages; page++ {
		items, err := o.activities.ListActivities(ctx, accessToken, strava.ListParams{
			After:   req.After,
			Before:  req.Before,
			Page:    page,
			PerPage: o.pageSize,
		})
		if err != nil {
			var limited *domain.RateLimitError
			if errors.As(err, &limited) && !retried {
				retried = true
				wait := o.backoffFor(limited.RetryAfter)
				logger.Warn("vendor rate limited, backing off once", "page", page, "wait", wait)
				if err := o.sleep(ctx, wait); err != nil {
					return nil, false, fmt.Errorf("rate limit backoff: %w", err)
				}
				page--
				continue
			}
			return nil, false, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(items) == 0 {
			return out, false, nil
		}
		for _, item := range items {
			if _, dup := seen[item.ID]; dup && item.ID != "" {
				continue
			}
			seen[item.ID] = struct{}{}
			out = append(out, item)
		}
		logger.Debug("fetched activity page", "page", page, "items", len(items))
		if len(items) < o.pageSize {
			return out, false, nil
		}
	}
	return out, true, nil
}

func (o *Orchestrator) backoffFor(retryAfter time.Duration) time.Duration {
	wait := retryAfter
	if wait <= 0 {
		wait = o.backoff
	}
	if wait > o.maxBackoff {
		wait = o.maxBackoff
	}
	return wait
}

func (o *Orchestrator) transition(logger *slog.Logger, report *Report, next State) {
	logger.Debug("sync state transition", "from", report.State, "to", next)
	report.State = next
}

func unsupportedKey(tag string) string {
	if strings.TrimSpace(tag) == "" {
		return "unknown"
	}
	return tag
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
