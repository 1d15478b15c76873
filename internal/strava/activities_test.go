package strava

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/trisync/internal/domain"
)

func TestListActivitiesSendsQueryAndDecodes(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/athlete/activities", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		q := r.URL.Query()
		require.Equal(t, "1704067200", q.Get("after"))
		require.Empty(t, q.Get("before"))
		require.Equal(t, "2", q.Get("page"))
		require.Equal(t, "200", q.Get("per_page"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": 1, "type": "Swim", "distance": 2000, "moving_time": 3600, "start_date": "2024-01-15T08:00:00Z"},
			{"id": 2, "sport_type": "Ride", "start_date": "2024-01-16T08:00:00Z"}]`))
	}))
	defer srv.Close()

	client := NewActivityClient(srv.URL+"/api/v3/", srv.Client())
	page, err := client.ListActivities(context.Background(), "tok", ListParams{After: after, Page: 2, PerPage: 500})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, domain.VendorID("1"), page[0].ID)
	require.Equal(t, 2000.0, *page[0].Distance)
	require.Nil(t, page[1].Distance)
}

func TestListActivitiesEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	page, err := NewActivityClient(srv.URL, srv.Client()).ListActivities(context.Background(), "tok", ListParams{})
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestListActivitiesErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header map[string]string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *domain.VendorAuthError
				require.True(t, errors.As(err, &authErr))
				require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
				require.Contains(t, authErr.Body, "Authorization Error")
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "7"},
			check: func(t *testing.T, err error) {
				var limited *domain.RateLimitError
				require.True(t, errors.As(err, &limited))
				require.Equal(t, 7*time.Second, limited.RetryAfter)
				require.True(t, domain.Retryable(err))
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var apiErr *domain.APIError
				require.True(t, errors.As(err, &apiErr))
				require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
				require.False(t, domain.Retryable(err))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"message":"Authorization Error","errors":[]}`))
			}))
			defer srv.Close()

			_, err := NewActivityClient(srv.URL, srv.Client()).ListActivities(context.Background(), "tok", ListParams{})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestListActivitiesMalformedBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	defer srv.Close()

	_, err := NewActivityClient(srv.URL, srv.Client()).ListActivities(context.Background(), "tok", ListParams{})
	var transport *domain.TransportError
	require.True(t, errors.As(err, &transport))
}

func TestListActivitiesHonoursClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewActivityClient(srv.URL, &http.Client{Timeout: 50 * time.Millisecond})
	_, err := client.ListActivities(context.Background(), "tok", ListParams{})
	var transport *domain.TransportError
	require.True(t, errors.As(err, &transport))
}

func TestClampPerPage(t *testing.T) {
	require.Equal(t, 30, ClampPerPage(0))
	require.Equal(t, 1, ClampPerPage(-4))
	require.Equal(t, 50, ClampPerPage(50))
	require.Equal(t, MaxPerPage, ClampPerPage(10_000))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	require.Equal(t, 15*time.Second, parseRetryAfter("15", now))
	require.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, parseRetryAfter("soon", now))
	require.Zero(t, parseRetryAfter("", now))
}
