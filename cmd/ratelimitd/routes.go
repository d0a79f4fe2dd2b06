package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/iradwatkins/stepperslife-events-sub003/httplimit"
	"github.com/iradwatkins/stepperslife-events-sub003/limiter"
)

// newRouter wires each endpoint to its catalog policy.
func newRouter(gate *limiter.Gate, sel *limiter.Selector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(sel))

	r.Route("/auth", func(r chi.Router) {
		r.With(limited(gate, limiter.PolicyAuth)).Post("/login", acceptedHandler("login"))
		r.With(limited(gate, limiter.PolicyPasswordReset)).Post("/password-reset", acceptedHandler("password reset"))
		r.With(limited(gate, limiter.PolicyMagicLink)).Post("/magic-link", acceptedHandler("magic link"))
		r.With(limited(gate, limiter.PolicyVerification)).Post("/verify", acceptedHandler("verification"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(limited(gate, limiter.PolicyAPI))
		r.HandleFunc("/*", acceptedHandler("api"))
	})

	return r
}

func limited(gate *limiter.Gate, policy limiter.Policy) func(http.Handler) http.Handler {
	return httplimit.Middleware(gate, policy, httplimit.WithKeyFunc(httplimit.ClientIPOrRemoteAddr))
}

func acceptedHandler(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "accepted", "action": action}
		if d, ok := httplimit.DecisionFromContext(r.Context()); ok {
			body["remaining"] = d.Remaining
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func healthHandler(sel *limiter.Selector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storage := limiter.StorageMemory
		if sel.Distributed() {
			storage = limiter.StorageRedis
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"storage":     storage,
			"distributed": sel.Distributed(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
