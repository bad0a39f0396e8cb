package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (c controller) GetMux() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(c.requestIdMw)
	r.Use(c.requestLoggingMw)
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(c.authMw)

		if c.relayHub != nil {
			r.Get("/relay/scopes/{scope-id}", c.relay)
		}
		r.Get("/ws/scopes/{scope-id}", c.observeScope)

		r.Route("/api/scopes", func(r chi.Router) {
			r.Get("/", c.listScopes)
			r.Route("/{scope-id}", func(r chi.Router) {
				r.Post("/open", c.openScope)
				r.Post("/close", c.closeScope)
				r.Post("/retry", c.retryScope)
				r.Post("/events", c.publishEvent)
				r.Post("/status", c.updateStatus)
				r.Get("/members", c.getMembers)
				r.Get("/activity", c.getActivity)
				r.Get("/status", c.getStatus)
			})
		})
	})

	return r
}

func (c controller) relay(w http.ResponseWriter, r *http.Request) {
	c.relayHub.ServeScope(w, r, chi.URLParam(r, "scope-id"))
}
