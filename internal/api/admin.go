package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"govorilka/internal/auth"
	"govorilka/internal/content"
	"govorilka/internal/models"
	"govorilka/internal/ws"
)

type AdminHandler struct {
	authService *auth.AuthService
	hub         *ws.Hub
	baseURL     string
}

func NewAdminHandler(authService *auth.AuthService, hub *ws.Hub, baseURL string) *AdminHandler {
	return &AdminHandler{authService: authService, hub: hub, baseURL: baseURL}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Username  string `json:"username,omitempty"`
	SetupLink string `json:"setupLink,omitempty"`
}

func (h *AdminHandler) setupLink(token string) string {
	base := strings.TrimRight(h.baseURL, "/")
	return fmt.Sprintf("%s/register.html?token=%s", base, url.QueryEscape(token))
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	displayName := content.PlainText(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	token, err := h.authService.AddUser(req.Username, displayName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:   true,
		Username:  req.Username,
		SetupLink: h.setupLink(token),
	})
}

func (h *AdminHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	if err := h.authService.DeleteUser(userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, models.APIResponse{
				Success: false,
				Message: "User not found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to delete user: %v", err),
		})
		return
	}

	h.hub.DisconnectUser(userID)

	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("User %s deleted", userID),
	})
}

func (h *AdminHandler) ResetUserPasswordHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	token, err := h.authService.ResetPassword(userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, models.APIResponse{
				Success: false,
				Message: "User not found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to reset user password: %v", err),
		})
		return
	}

	h.hub.DisconnectUser(userID)

	writeJSON(w, http.StatusOK, models.ResetPasswordResponse{
		APIResponse: models.APIResponse{
			Success: true,
			Message: fmt.Sprintf("Password for user %s reset successfully", userID),
		},
		SetupLink: h.setupLink(token),
	})
}
