package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/observability"
)

const (
	// MaxPerPage is the largest page size Strava honours.
	MaxPerPage     = 200
	defaultPerPage = 30
	maxBodyBytes   = 8 << 20
)

// ListParams filters and pages /athlete/activities. Zero times are omitted.
type ListParams struct {
	After   time.Time
	Before  time.Time
	Page    int
	PerPage int
}

// ActivityClient lists athlete activities.
type ActivityClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewActivityClient builds an ActivityClient against baseURL (DefaultAPIBaseURL when empty).
func NewActivityClient(baseURL string, client *http.Client) *ActivityClient {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ActivityClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, now: time.Now}
}

// ListActivities fetches one page. An empty slice means there are no more pages.
func (c *ActivityClient) ListActivities(ctx context.Context, accessToken string, params ListParams) ([]domain.VendorActivity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/athlete/activities?"+params.query().Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build activities request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	started := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.RecordVendorRequest("athlete_activities", 0, c.now().Sub(started))
		return nil, &domain.TransportError{Op: "strava list activities", Err: err}
	}
	defer resp.Body.Close()
	observability.RecordVendorRequest("athlete_activities", resp.StatusCode, c.now().Sub(started))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.TransportError{Op: "read activities response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &domain.VendorAuthError{StatusCode: resp.StatusCode, Body: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()), Body: string(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &domain.APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var page []domain.VendorActivity
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &domain.TransportError{Op: "decode activities response", Err: err}
	}
	return page, nil
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	if !p.After.IsZero() {
		q.Set("after", strconv.FormatInt(p.After.Unix(), 10))
	}
	if !p.Before.IsZero() {
		q.Set("before", strconv.FormatInt(p.Before.Unix(), 10))
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(ClampPerPage(p.PerPage)))
	return q
}

// ClampPerPage bounds a requested page size to [1, MaxPerPage]; zero selects the vendor default.
func ClampPerPage(n int) int {
	switch {
	case n == 0:
		return defaultPerPage
	case n < 1:
		return 1
	case n > MaxPerPage:
		return MaxPerPage
	}
	return n
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unknown values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
