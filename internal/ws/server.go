package ws

import (
	"log"
	"net/http"

	"govorilka/internal/auth"
	"govorilka/internal/conversation"
	"govorilka/internal/message"
	"govorilka/internal/presence"

	"github.com/gorilla/websocket"
)

type Server struct {
	auth     *auth.AuthService
	hub      *Hub
	messages *message.Store
	convs    *conversation.Aggregator
	tracker  *presence.Tracker
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.AuthService, hub *Hub, messages *message.Store, convs *conversation.Aggregator, tracker *presence.Tracker) *Server {
	return &Server{
		auth:     auth,
		hub:      hub,
		messages: messages,
		convs:    convs,
		tracker:  tracker,
		upgrader: &websocket.Upgrader{
			// Session tokens gate the upgrade; the cookie is same-site.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(s.token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	session := NewSession(userID, s.messages, s.convs, s.tracker)
	conn := NewConnection(s.hub, ws, session, userID)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection error for user %s: %v", userID, err)
	}
}

func (s *Server) token(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
