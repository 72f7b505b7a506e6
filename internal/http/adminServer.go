package http

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"sync"

	"govorilka/internal/api"
	"govorilka/internal/auth"
	"govorilka/internal/ws"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.AuthService, hub *ws.Hub, baseURL, password, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, hub, baseURL)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", requireBasicAuth(password, adminHandler.AddUserHandler))
	mux.HandleFunc("DELETE /admin/users", requireBasicAuth(password, adminHandler.DeleteUserHandler))
	mux.HandleFunc("POST /admin/users/reset-password", requireBasicAuth(password, adminHandler.ResetUserPasswordHandler))

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func requireBasicAuth(password string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte("admin")) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
