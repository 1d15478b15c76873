// Package strava talks to the Strava OAuth and activities endpoints.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/observability"
)

const (
	// DefaultTokenURL is Strava's OAuth token endpoint.
	DefaultTokenURL = "https://www.strava.com/oauth/token"
	// DefaultAPIBaseURL is the Strava v3 REST root.
	DefaultAPIBaseURL = "https://www.strava.com/api/v3"
)

// Grant carries exactly one of an authorization code or a refresh token.
type Grant struct {
	Code         string
	RefreshToken string
}

// TokenConfig configures a TokenClient.
type TokenConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

// TokenClient exchanges codes and refresh tokens for token pairs.
type TokenClient struct {
	oauth  *oauth2.Config
	client *http.Client
	now    func() time.Time
}

// NewTokenClient builds a TokenClient. Missing credentials are reported on use, not here.
func NewTokenClient(cfg TokenConfig) *TokenClient {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
		now:    time.Now,
	}
}

// Exchange trades an authorization code from the connect flow for a token pair.
func (c *TokenClient) Exchange(ctx context.Context, code string) (domain.TokenPair, error) {
	return c.Obtain(ctx, Grant{Code: code})
}

// Refresh renews an access token. Strava may rotate the refresh token.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	return c.Obtain(ctx, Grant{RefreshToken: refreshToken})
}

// Obtain validates the grant and performs the token request.
func (c *TokenClient) Obtain(ctx context.Context, grant Grant) (domain.TokenPair, error) {
	code := strings.TrimSpace(grant.Code)
	refresh := strings.TrimSpace(grant.RefreshToken)
	if (code == "") == (refresh == "") {
		return domain.TokenPair{}, domain.ErrInvalidGrant
	}
	if c.oauth.ClientID == "" || c.oauth.ClientSecret == "" {
		return domain.TokenPair{}, domain.ErrMissingCredentials
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	started := c.now()

	var (
		tok *oauth2.Token
		err error
	)
	if code != "" {
		tok, err = c.oauth.Exchange(ctx, code)
	} else {
		tok, err = c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	}
	if err != nil {
		mapped := mapTokenError(err)
		observability.RecordVendorRequest("oauth_token", statusOf(mapped), c.now().Sub(started))
		return domain.TokenPair{}, mapped
	}
	observability.RecordVendorRequest("oauth_token", http.StatusOK, c.now().Sub(started))

	pair := domain.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if at, ok := expiresAt(tok); ok {
		pair.ExpiresAt = at
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refresh
	}
	if pair.AccessToken == "" {
		return domain.TokenPair{}, &domain.VendorAuthError{StatusCode: http.StatusOK, Body: "token response carried no access token"}
	}
	return pair, nil
}

// expiresAt reads Strava's absolute expiry, which is more precise than the
// expires_in derived oauth2.Token.Expiry.
func expiresAt(tok *oauth2.Token) (time.Time, bool) {
	var secs int64
	switch v := tok.Extra("expires_at").(type) {
	case float64:
		secs = int64(v)
	case int64:
		secs = v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		secs = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = n
	default:
		return time.Time{}, false
	}
	if secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

func mapTokenError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		body := string(retrieve.Body)
		if status >= http.StatusInternalServerError {
			return &domain.APIError{StatusCode: status, Body: body}
		}
		return &domain.VendorAuthError{StatusCode: status, Body: body}
	}
	return &domain.TransportError{Op: "strava token request", Err: err}
}

func statusOf(err error) int {
	var auth *domain.VendorAuthError
	var api *domain.APIError
	switch {
	case errors.As(err, &auth):
		return auth.StatusCode
	case errors.As(err, &api):
		return api.StatusCode
	}
	return 0
}
