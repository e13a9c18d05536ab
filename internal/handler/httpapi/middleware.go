package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sealedchat/conv-gateway/internal/auth"
	"github.com/sealedchat/conv-gateway/internal/domain/model"
	"github.com/sealedchat/conv-gateway/internal/service"
)

type contextKey string

// SessionContextKey carries the validated session for downstream handlers.
const SessionContextKey contextKey = "gateway_session"

// RequireSession rejects requests without a live bearer session token and
// injects the session into the request context.
func RequireSession(sessions service.SessionManager, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// [PRE_AUTH] Validate identity before the handler runs
			token, ok := auth.FromHeader(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, log, model.NewError(model.CodeUnauthorized, "missing bearer token"))
				return
			}
			sess, err := sessions.Validate(r.Context(), token)
			if err != nil {
				writeError(w, log, err)
				return
			}

			// [ENRICHMENT] Inject the identity into the context
			ctx := context.WithValue(r.Context(), SessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom extracts the authenticated session from a request context.
func SessionFrom(ctx context.Context) (model.Session, bool) {
	sess, ok := ctx.Value(SessionContextKey).(model.Session)
	return sess, ok
}

// mustSession is for handlers mounted behind RequireSession; a miss means
// the route table is wired wrong, not a client fault.
func mustSession(ctx context.Context) model.Session {
	sess, ok := SessionFrom(ctx)
	if !ok {
		panic("httpapi: handler reached without session middleware")
	}
	return sess
}
