package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"govorilka/internal/auth"
	"govorilka/internal/content"
	"govorilka/internal/conversation"
	"govorilka/internal/filestore"
	"govorilka/internal/message"
	"govorilka/internal/models"
	"govorilka/internal/presence"
	"govorilka/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxUploadSize = 10 << 20 // 10 MiB

type API struct {
	auth     *auth.AuthService
	messages *message.Store
	convs    *conversation.Aggregator
	tracker  *presence.Tracker
	db       *storage.BboltStorage
	files    filestore.FileStore

	vapidPublicKey string
}

func New(auth *auth.AuthService, messages *message.Store, convs *conversation.Aggregator, tracker *presence.Tracker, db *storage.BboltStorage, files filestore.FileStore, vapidPublicKey string) *API {
	return &API{
		auth:           auth,
		messages:       messages,
		convs:          convs,
		tracker:        tracker,
		db:             db,
		files:          files,
		vapidPublicKey: vapidPublicKey,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy to HTTP statuses. User errors travel
// verbatim, everything else becomes an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *models.ValidationError
		ae *models.AuthorizationError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: ve.Error()})
	case errors.As(err, &ae):
		writeJSON(w, http.StatusForbidden, models.APIResponse{Success: false, Message: ae.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "not found"})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{Success: false, Message: "internal error"})
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and form bodies; the login page posts a form.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
		if t := r.FormValue("totp"); t != "" {
			_, _ = fmt.Sscanf(t, "%d", &req.TOTP)
		}
	}

	loginResp, _ := a.auth.Login(req)
	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.token(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.auth.Register(req); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: err.Error()})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) RegisterInfoHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}

	info, err := a.auth.RegistrationInfo(token)
	if err != nil {
		writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "invalid or expired token"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ResetPasswordHandler lets a logged-in user reset their own password. The
// account goes back to the invite flow and all sessions are revoked.
func (a *API) ResetPasswordHandler(w http.ResponseWriter, r *http.Request, userID string) {
	token, err := a.auth.ResetPassword(userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.ResetPasswordResponse{
		APIResponse: models.APIResponse{Success: true, Message: "Password reset, complete registration again"},
		SetupLink:   "/register.html?token=" + token,
	})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.auth.GetUser(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.withPresence(user))
}

// UsersHandler returns the directory: every active user except the caller,
// with the live online flag attached.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.auth.GetUsers()
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID == userID || u.Status != models.UserStatusActive {
			continue
		}
		out = append(out, a.withPresence(u))
	}
	writeJSON(w, http.StatusOK, out)
}

// ChatHandler returns the caller's conversation summaries.
func (a *API) ChatHandler(w http.ResponseWriter, r *http.Request, userID string) {
	summaries, err := a.convs.ListForUser(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range summaries {
		summaries[i].Counterpart = a.withPresence(summaries[i].Counterpart)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// ChatHistoryHandler returns the full history with one counterpart. Opening
// a conversation implies receipt, so undelivered messages are bulk-marked
// delivered before the list is built.
func (a *API) ChatHistoryHandler(w http.ResponseWriter, r *http.Request, userID string) {
	counterpartID := r.PathValue("id")
	if counterpartID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	if _, err := a.messages.MarkConversationDelivered(userID, counterpartID); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := a.messages.ListConversation(userID, counterpartID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	Image      *models.Image `json:"image,omitempty"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.messages.Send(userID, req.ReceiverID, req.Content, req.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) MarkDeliveredHandler(w http.ResponseWriter, r *http.Request, userID string) {
	msg, _, err := a.messages.MarkDelivered(r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) MarkSeenHandler(w http.ResponseWriter, r *http.Request, userID string) {
	msg, _, err := a.messages.MarkSeen(r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) EditMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.messages.EditOwn(r.PathValue("id"), userID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.messages.DeleteOwn(r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) UnreadCountHandler(w http.ResponseWriter, r *http.Request, userID string) {
	total, err := a.convs.UnreadTotal(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": total})
}

func (a *API) PushPublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidPublicKey})
}

// PushSubscribeHandler stores a browser push subscription. The payload is
// kept opaque; only the endpoint is pulled out as the record key.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var probe struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Endpoint == "" {
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	err = a.db.UpsertPushSubscription(storage.DBPushSubscription{
		UserID:   userID,
		Endpoint: probe.Endpoint,
		Payload:  payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// saveUpload sniffs, hashes and stores an uploaded image, returning the
// metadata record. Only real image content is accepted, whatever the
// declared content type says.
func (a *API) saveUpload(r *http.Request, userID string) (storage.FileMetadata, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return storage.FileMetadata{}, models.Validationf("empty upload")
	}
	if len(data) > maxUploadSize {
		return storage.FileMetadata{}, models.Validationf("upload exceeds %d bytes", maxUploadSize)
	}

	if !filetype.IsImage(data) {
		return storage.FileMetadata{}, models.Validationf("only image uploads are allowed")
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("failed to sniff upload: %w", err)
	}

	hash := filestore.Hash(data)
	if err := a.files.Save(strings.NewReader(string(data)), hash); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("failed to store upload: %w", err)
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
		UserID:    userID,
	}
	if err := a.db.UpsertFileMetadata(meta); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("failed to store file metadata: %w", err)
	}
	return meta, nil
}

func (a *API) UploadImageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	meta, err := a.saveUpload(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Image{
		URL:  "/api/images/" + meta.ID,
		Path: meta.Hash,
	})
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.db.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f, err := a.files.Get(meta.Hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("failed to serve image %s: %v", meta.ID, err)
	}
}

func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request, userID string) {
	meta, err := a.saveUpload(r, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	avatarURL := "/api/images/" + meta.ID
	if err := a.auth.UpdateProfile(userID, func(u *models.User) {
		u.AvatarURL = avatarURL
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"avatarUrl": avatarURL})
}

func (a *API) UpdateDisplayNameHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	displayName := content.PlainText(req.DisplayName)
	if displayName == "" {
		writeError(w, models.Validationf("display name cannot be empty"))
		return
	}

	if err := a.auth.UpdateProfile(userID, func(u *models.User) {
		u.DisplayName = displayName
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) withPresence(u models.User) models.User {
	u.Presence.Online = a.tracker.IsOnline(u.ID)
	return u
}
