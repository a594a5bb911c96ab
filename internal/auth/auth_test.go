package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("any-key-works-since-verification-is-skipped"))
	require.NoError(t, err)
	return s
}

func TestPrincipalMissingHeaderIsAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	assert.Equal(t, AnonymousPrincipal, Principal(req))
}

func TestPrincipalNonBearerSchemeIsAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, AnonymousPrincipal, Principal(req))
}

func TestPrincipalMalformedTokenIsAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, AnonymousPrincipal, Principal(req))
}

func TestPrincipalExtractsSubjectClaim(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "user-123", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, "user-123", Principal(req))
}

func TestPrincipalAcceptsExpiredTokenSinceSignatureIsNotVerified(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "user-expired", "exp": time.Now().Add(-time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, "user-expired", Principal(req))
}

func TestPrincipalMissingSubjectIsAnonymous(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"other": "value"})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, AnonymousPrincipal, Principal(req))
}
