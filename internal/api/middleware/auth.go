package middleware

import (
	"net/http"

	"github.com/conduithq/conduit/internal/jwtauth"
)

// Auth wires the dual-mode JWT verifier into the chi middleware chain.
func Auth(verifier *jwtauth.Verifier) func(http.Handler) http.Handler {
	return jwtauth.Middleware(verifier)
}
