package jwtauth_test

import (
	"testing"
	"time"

	"github.com/conduithq/conduit/internal/config"
	"github.com/conduithq/conduit/internal/jwtauth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:       "jwt-secret",
		BuildableSecret: "buildable-secret",
		Audiences:       []string{"default", "fallback"},
		Issuers:         []string{"default", "fallback"},
	}
}

func sign(t *testing.T, secret string, claims jwtauth.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func baseClaims() jwtauth.Claims {
	now := time.Now()
	return jwtauth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"default"},
			Issuer:    "default",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			Subject:   "user-1",
		},
	}
}

func TestVerifyBuildableCoreTokenAccepted(t *testing.T) {
	cfg := testConfig()
	claims := baseClaims()
	claims.IsBuildableCore = true
	token := sign(t, cfg.BuildableSecret+cfg.JWTSecret, claims)

	access, err := jwtauth.NewVerifier(cfg).Verify(token)
	require.NoError(t, err)
	assert.True(t, access.IsBuildableCore)
}

func TestVerifyBuildableCoreTokenSignedWithWrongKeyRejected(t *testing.T) {
	cfg := testConfig()
	claims := baseClaims()
	claims.IsBuildableCore = true
	// Signed as if it were a user token with a buildable_id — wrong key for this class.
	claims.BuildableId = "t1"
	token := sign(t, cfg.JWTSecret+"t1", claims)

	_, err := jwtauth.NewVerifier(cfg).Verify(token)
	require.Error(t, err)
}

func TestVerifyUserTokenWithBuildableIdAccepted(t *testing.T) {
	cfg := testConfig()
	claims := baseClaims()
	claims.BuildableId = "t1"
	token := sign(t, cfg.JWTSecret+"t1", claims)

	access, err := jwtauth.NewVerifier(cfg).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "t1", access.BuildableId)
	assert.False(t, access.IsBuildableCore)
}

func TestVerifyPlainUserTokenAccepted(t *testing.T) {
	cfg := testConfig()
	claims := baseClaims()
	token := sign(t, cfg.JWTSecret, claims)

	access, err := jwtauth.NewVerifier(cfg).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "default", access.Issuer)
}

func TestVerifyRejectsUnknownAudience(t *testing.T) {
	cfg := testConfig()
	claims := baseClaims()
	claims.Audience = jwt.ClaimStrings{"someone-else"}
	token := sign(t, cfg.JWTSecret, claims)

	_, err := jwtauth.NewVerifier(cfg).Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	_, err := jwtauth.NewVerifier(testConfig()).Verify("not-a-jwt")
	assert.Error(t, err)
}
