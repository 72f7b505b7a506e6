package http

import (
	"io/fs"
	"net/http"
	"strings"

	"govorilka/internal/auth"
)

// NewFileServerHandler serves the embedded static pages. The chat page
// itself is token-gated: without a valid session the browser is sent to
// the login page.
func NewFileServerHandler(authService *auth.AuthService, assets fs.FS) http.HandlerFunc {
	fileServer := http.FileServer(http.FS(assets))

	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			cookie, err := r.Cookie("token")
			if err != nil || cookie.Value == "" {
				http.Redirect(w, r, "/login.html", http.StatusFound)
				return
			}

			if _, err := authService.GetUserID(cookie.Value); err != nil {
				http.Redirect(w, r, "/login.html", http.StatusFound)
				return
			}
		}

		// Prevent serving the static.go file
		if strings.HasSuffix(r.URL.Path, "/static.go") {
			http.NotFound(w, r)
			return
		}

		fileServer.ServeHTTP(w, r)
	}
}
