package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OptiInfra/Platform/rollout/internal/auth"
)

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/rollouts", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestDisabledModeAllowsEverything(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{Mode: auth.ModeDisabled})
	require.NoError(t, err)

	assert.NoError(t, v.VerifyRequest(request("")))
	assert.NoError(t, v.VerifyRequest(request("anything")))
}

func TestTokenMode(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{Mode: auth.ModeToken, StaticToken: "opti-secret"})
	require.NoError(t, err)

	assert.NoError(t, v.VerifyRequest(request("opti-secret")))
	assert.Error(t, v.VerifyRequest(request("wrong")))
	assert.Error(t, v.VerifyRequest(request("")))
}

func TestTokenMode_RequiresToken(t *testing.T) {
	_, err := auth.NewVerifier(auth.Config{Mode: auth.ModeToken})
	assert.Error(t, err)
}

func TestJWTMode_ScopeClaim(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{
		Mode:          auth.ModeJWT,
		HMACSecret:    "signing-secret",
		RequiredScope: "rollouts:write",
		Issuer:        "optiinfra",
	})
	require.NoError(t, err)

	good := signHS256(t, "signing-secret", jwt.MapClaims{
		"iss":   "optiinfra-control-plane",
		"scope": "rollouts:read rollouts:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.NoError(t, v.VerifyRequest(request(good)))

	missingScope := signHS256(t, "signing-secret", jwt.MapClaims{
		"iss":   "optiinfra-control-plane",
		"scope": "rollouts:read",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, v.VerifyRequest(request(missingScope)))

	wrongSecret := signHS256(t, "other-secret", jwt.MapClaims{
		"iss":   "optiinfra-control-plane",
		"scope": "rollouts:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, v.VerifyRequest(request(wrongSecret)))

	expired := signHS256(t, "signing-secret", jwt.MapClaims{
		"iss":   "optiinfra-control-plane",
		"scope": "rollouts:write",
		"exp":   time.Now().Add(-time.Hour).Unix(),
	})
	assert.Error(t, v.VerifyRequest(request(expired)))

	badIssuer := signHS256(t, "signing-secret", jwt.MapClaims{
		"iss":   "someone-else",
		"scope": "rollouts:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, v.VerifyRequest(request(badIssuer)))
}

func TestJWTMode_RolesArray(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{
		Mode:          auth.ModeJWT,
		HMACSecret:    "signing-secret",
		RequiredScope: "rollouts:write",
	})
	require.NoError(t, err)

	withRole := signHS256(t, "signing-secret", jwt.MapClaims{
		"roles": []string{"viewer", "rollouts:write"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.NoError(t, v.VerifyRequest(request(withRole)))

	withoutRole := signHS256(t, "signing-secret", jwt.MapClaims{
		"roles": []string{"viewer"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, v.VerifyRequest(request(withoutRole)))

	neither := signHS256(t, "signing-secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.Error(t, v.VerifyRequest(request(neither)))
}

func TestJWTMode_RequiresKeyMaterial(t *testing.T) {
	_, err := auth.NewVerifier(auth.Config{Mode: auth.ModeJWT})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{Mode: auth.ModeToken, StaticToken: "opti-secret"})
	require.NoError(t, err)

	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("opti-secret"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("bad"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
