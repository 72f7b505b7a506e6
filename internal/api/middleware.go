package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// RequireSameOrigin rejects cross-origin requests on state-changing
// endpoints. Requests without an Origin header (curl, the CLI) pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Cross-origin request rejected", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// AuthedHandler receives the resolved user id of the caller.
type AuthedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) token(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the session token and tracks activity: every
// authenticated request bumps the user's persisted last-seen timestamp.
// The bump is best-effort and never fails the request.
func (a *API) RequireAuth(next AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.token(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if err := a.auth.RecordSeen(userID, time.Now().Unix()); err != nil {
			slog.Warn("failed to record last seen", "user_id", userID, "error", err)
		}

		next(w, r, userID)
	}
}
