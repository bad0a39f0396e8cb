package controller

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sharetube/teamsync/internal/identity"
	"github.com/sharetube/teamsync/pkg/ctxlogger"
)

func (c controller) generateTimeBasedId() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func (c controller) requestIdMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = ctxlogger.AppendCtx(ctx, slog.String("request_id", c.generateTimeBasedId()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (c controller) requestLoggingMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		c.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"url", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// authMw requires a valid bearer token when a secret is configured. Browsers
// cannot set headers on websocket upgrades, so the token query parameter is
// accepted too.
func (c controller) authMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			var ok bool
			token, ok = strings.CutPrefix(header, "Bearer ")
			if !ok {
				c.writeError(w, r, identity.ErrInvalidToken)
				return
			}
		}

		id, err := identity.ParseToken(token, c.cfg.Secret)
		if err != nil {
			c.logger.InfoContext(r.Context(), "rejected token", "error", err)
			c.writeError(w, r, err)
			return
		}

		ctx := ctxlogger.AppendCtx(r.Context(), slog.String("user_id", id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
