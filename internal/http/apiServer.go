package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"govorilka/internal/api"
	"govorilka/internal/auth"
	"govorilka/internal/conversation"
	"govorilka/internal/filestore"
	"govorilka/internal/message"
	"govorilka/internal/presence"
	"govorilka/internal/storage"
	"govorilka/internal/ws"
	"govorilka/static"

	"github.com/gorilla/websocket"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

type APIServerDeps struct {
	Auth           *auth.AuthService
	Hub            *ws.Hub
	Messages       *message.Store
	Conversations  *conversation.Aggregator
	Tracker        *presence.Tracker
	Storage        *storage.BboltStorage
	Files          filestore.FileStore
	VAPIDPublicKey string
}

func NewAPIServer(deps APIServerDeps, addr string) *APIServer {
	wsServer := ws.NewServer(deps.Auth, deps.Hub, deps.Messages, deps.Conversations, deps.Tracker)
	apiHandlers := api.New(deps.Auth, deps.Messages, deps.Conversations, deps.Tracker, deps.Storage, deps.Files, deps.VAPIDPublicKey)

	mux := http.NewServeMux()

	// Serve static files with auth check
	mux.HandleFunc("/", NewFileServerHandler(deps.Auth, static.Content))

	// Session lifecycle
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(apiHandlers.RegisterHandler))
	mux.HandleFunc("GET /api/register-info", apiHandlers.RegisterInfoHandler)
	mux.HandleFunc("POST /api/reset-password", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.ResetPasswordHandler)))

	// Users and profile
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("POST /api/users/me/avatar", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadAvatarHandler)))
	mux.HandleFunc("POST /api/users/me/display-name", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UpdateDisplayNameHandler)))

	// Conversations and messages
	mux.HandleFunc("GET /api/chat/users/{id}", apiHandlers.RequireAuth(apiHandlers.ChatHistoryHandler))
	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SendMessageHandler)))
	mux.HandleFunc("POST /api/messages/{id}/delivered", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.MarkDeliveredHandler)))
	mux.HandleFunc("POST /api/messages/{id}/seen", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.MarkSeenHandler)))
	mux.HandleFunc("POST /api/messages/{id}/edit", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.EditMessageHandler)))
	mux.HandleFunc("DELETE /api/messages/{id}", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.DeleteMessageHandler)))
	mux.HandleFunc("GET /api/messages/unread-count", apiHandlers.RequireAuth(apiHandlers.UnreadCountHandler))

	// Push notifications
	mux.HandleFunc("GET /api/push/public-key", apiHandlers.PushPublicKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler)))

	// Images
	mux.HandleFunc("POST /api/upload/image", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadImageHandler)))
	mux.HandleFunc("GET /api/images/{id}", apiHandlers.GetImageHandler)

	// /api/chat serves both the websocket upgrade and the summary list.
	summaries := apiHandlers.RequireAuth(apiHandlers.ChatHandler)
	mux.HandleFunc("GET /api/chat", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			wsServer.HandleConnections(w, r)
			return
		}
		summaries(w, r)
	})

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
