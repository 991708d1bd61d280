// Package jwtauth implements the gateway's dual-mode bearer-token
// verification: peek the claims without verifying the
// signature to classify the token, derive the signing key for that class,
// then re-verify fully with the derived key.
package jwtauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/conduithq/conduit/internal/apperror"
	"github.com/conduithq/conduit/internal/config"
	"github.com/conduithq/conduit/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

type contextKey string

const eventAccessKey contextKey = "eventAccess"

// Claims is the JWT payload shape the gateway expects.
type Claims struct {
	jwt.RegisteredClaims
	IsBuildableCore bool      `json:"isBuildableCore"`
	BuildableId     string    `json:"buildableId"`
	Ownership       Ownership `json:"ownership"`
	Environment     string    `json:"environment"`
}

type Ownership struct {
	BuildableId string `json:"buildableId"`
}

// Verifier validates bearer tokens per the two-stage key-derivation scheme.
type Verifier struct {
	cfg config.AuthConfig
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{cfg: cfg}
}

// Verify runs the full two-stage check and returns the validated EventAccess.
func (v *Verifier) Verify(tokenString string) (*models.EventAccess, error) {
	peeked := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, peeked)
	if err != nil {
		return nil, apperror.Unauthorized("invalid token structure")
	}

	secret := v.deriveSecret(peeked)

	final := &Claims{}
	_, err = jwt.ParseWithClaims(tokenString, final, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, apperror.Forbidden("invalid token signature")
	}

	if !audienceValid(final.Audience, v.cfg.Audiences) {
		return nil, apperror.Forbidden("invalid token audience")
	}
	if !oneOf(final.Issuer, v.cfg.Issuers) {
		return nil, apperror.Forbidden("invalid token issuer")
	}

	return &models.EventAccess{
		BuildableId:     final.BuildableId,
		IsBuildableCore: final.IsBuildableCore,
		Ownership:       models.Ownership{BuildableId: final.Ownership.BuildableId},
		Environment:     models.Environment(final.Environment),
		Issuer:          final.Issuer,
		Audience:        firstOrEmpty(final.Audience),
	}, nil
}

// deriveSecret picks the signing key by claim class: buildable-core tokens
// use the combined secret, tenant-scoped tokens mix in the buildable id,
// everything else falls back to the base JWT secret.
func (v *Verifier) deriveSecret(peeked *Claims) string {
	if peeked.IsBuildableCore {
		return v.cfg.BuildableSecret + v.cfg.JWTSecret
	}
	if peeked.BuildableId != "" {
		return v.cfg.JWTSecret + peeked.BuildableId
	}
	return v.cfg.JWTSecret
}

func audienceValid(aud jwt.ClaimStrings, allowed []string) bool {
	for _, a := range aud {
		if oneOf(a, allowed) {
			return true
		}
	}
	return false
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func firstOrEmpty(ss jwt.ClaimStrings) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// Middleware extracts, verifies, and attaches the EventAccess to the
// request context. Failure modes: missing/malformed header or a token that
// cannot be decoded → unauthorized; a decodable token that fails
// verification with the derived key → forbidden. The forbidden response is
// the same whichever key class was derived.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, bearerPrefix) {
				apperror.WriteJSON(w, apperror.Unauthorized("you are not authorized to access this resource"))
				return
			}
			token := strings.TrimPrefix(header, bearerPrefix)

			access, err := verifier.Verify(token)
			if err != nil {
				apperror.WriteJSON(w, apperror.As(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), access)))
		})
	}
}

// NewContext attaches access to ctx the same way Middleware does. Exported
// so handler tests can inject validated claims without signing a token.
func NewContext(ctx context.Context, access *models.EventAccess) context.Context {
	return context.WithValue(ctx, eventAccessKey, access)
}

// FromContext returns the EventAccess attached by Middleware.
func FromContext(ctx context.Context) (*models.EventAccess, bool) {
	v, ok := ctx.Value(eventAccessKey).(*models.EventAccess)
	return v, ok
}
