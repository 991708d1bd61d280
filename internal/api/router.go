package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/conduithq/conduit/internal/api/handlers"
	custommw "github.com/conduithq/conduit/internal/api/middleware"
	"github.com/conduithq/conduit/internal/config"
	"github.com/conduithq/conduit/internal/jwtauth"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the gateway's HTTP surface behind the standard
// middleware chain: request id, real ip, recovery, compression, structured
// logging, tracing, then CORS. JWT auth is applied per route group to /v1
// and /passthrough, after CORS.
func NewRouter(cfg *config.Config, h *handlers.Handlers, verifier *jwtauth.Verifier) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(custommw.Logger)
	r.Use(custommw.Telemetry)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", cfg.Headers.ConnectionHeader, cfg.Headers.SecretHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/v1", func(r chi.Router) {
		r.Use(custommw.Auth(verifier))

		r.Route("/connection-model-definitions", func(r chi.Router) {
			r.Get("/", h.ListConnectionModelDefinitions)
			r.Post("/", h.CreateConnectionModelDefinition)
			r.Patch("/", h.BatchUpdateConnectionModelDefinitions)
			r.Get("/actions/{platform}", h.ListActionsForPlatform)
			r.Post("/test/{id}", h.TestConnection)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConnectionModelDefinition)
				r.Patch("/", h.UpdateConnectionModelDefinition)
			})
		})

		r.Route("/connection-variable-mappings", func(r chi.Router) {
			r.Get("/", h.ListConnectionVariableMappings)
			r.Post("/", h.CreateConnectionVariableMapping)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConnectionVariableMapping)
				r.Patch("/", h.UpdateConnectionVariableMapping)
				r.Delete("/", h.DeleteConnectionVariableMapping)
			})
		})

		r.Get("/knowledge", h.ListKnowledge)
	})

	r.Route("/passthrough", func(r chi.Router) {
		r.Use(custommw.Auth(verifier))
		r.Handle("/*", http.HandlerFunc(h.Passthrough))
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("GATEWAY_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "conduit-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "conduit-gateway",
		})
	}
}
