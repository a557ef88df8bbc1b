package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "secret", Issuer: "fitfolio.test"}

func TestParseRoundTrip(t *testing.T) {
	token, err := Issue(testConfig, "user-1", []string{ScopeRead, ScopeWrite}, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeRead))
	require.True(t, claims.HasScope(ScopeWrite))
	require.False(t, claims.HasScope(ScopeAdmin))
	require.True(t, claims.CanActOn("user-1"))
	require.False(t, claims.CanActOn("user-2"))
}

func TestAdminActsOnAnyone(t *testing.T) {
	token, err := Issue(testConfig, "ops", []string{ScopeAdmin}, time.Hour)
	require.NoError(t, err)
	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeRead))
	require.True(t, claims.CanActOn("someone-else"))
}

func TestParseRejects(t *testing.T) {
	wrongIssuer, err := Issue(Config{Secret: "secret", Issuer: "other"}, "u", nil, time.Hour)
	require.NoError(t, err)
	wrongSecret, err := Issue(Config{Secret: "nope", Issuer: testConfig.Issuer}, "u", nil, time.Hour)
	require.NoError(t, err)
	expired, err := Issue(testConfig, "u", nil, -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testConfig.Issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"issuer":  wrongIssuer,
		"secret":  wrongSecret,
		"expired": expired,
		"subject": noSubject,
		"garbage": "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(token, testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestScopesAcceptArrayClaim(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "u",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeRead, ""},
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Len(t, claims.Scopes, 1)
	require.True(t, claims.HasScope(ScopeRead))
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	handler := NewMiddleware(testConfig, PublicPaths).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"type":"unauthorized"`)

	req := httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := Issue(testConfig, "user-1", []string{ScopeRead}, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-1", seen.Subject)
}
