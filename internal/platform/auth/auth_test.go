package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "trisync-test"}

func sign(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "athlete-1",
		"iss":    "trisync-test",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{"sync:write", "activities:read"},
	}
}

func TestParseDefaultsOwnerToSubject(t *testing.T) {
	claims, err := Parse(sign(t, validClaims(), testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.Equal(t, "athlete-1", claims.Subject)
	require.Equal(t, "athlete-1", claims.OwnerID)
	require.True(t, claims.HasScope("sync:write"))
	require.False(t, claims.HasScope("sync:admin"))
}

func TestParseReadsOwnerAndSpaceSeparatedScope(t *testing.T) {
	c := validClaims()
	delete(c, "scopes")
	c["scope"] = "activities:read  sync:admin"
	c["owner_id"] = "owner-9"

	claims, err := Parse(sign(t, c, testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.Equal(t, "owner-9", claims.OwnerID)
	require.True(t, claims.HasScope("sync:admin"))
	require.True(t, claims.HasScope("activities:read"))
}

func TestParseRejects(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	noSub := validClaims()
	delete(noSub, "sub")
	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"

	cases := map[string]string{
		"expired":      sign(t, expired, testConfig.Secret),
		"no exp":       sign(t, noExp, testConfig.Secret),
		"no sub":       sign(t, noSub, testConfig.Secret),
		"wrong issuer": sign(t, wrongIssuer, testConfig.Secret),
		"wrong secret": sign(t, validClaims(), "other"),
		"garbage":      "not.a.jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(token, testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	mw := NewMiddleware(testConfig, func(r *http.Request) bool { return r.URL.Path == "/healthz" })
	handler := mw.Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/activities", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing bearer token")

	req := httptest.NewRequest(http.MethodGet, "/v1/activities", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/activities", nil)
	req.Header.Set("Authorization", "bearer "+sign(t, validClaims(), testConfig.Secret))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "athlete-1", seen.OwnerID)
}
