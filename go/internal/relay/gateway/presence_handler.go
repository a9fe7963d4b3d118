package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	ActiveUsers int    `json:"active_users"`
	Timestamp   string `json:"timestamp"`
}

// OnlineUsersResponse is returned by GET /users/online
type OnlineUsersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// UserStatusResponse is returned by GET /users/{id}/status
type UserStatusResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// PresenceHandler serves presence queries over HTTP
type PresenceHandler struct {
	service *Service
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(service *Service) *PresenceHandler {
	return &PresenceHandler{service: service}
}

// HandleHealth handles GET /health
func (h *PresenceHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.onlineUsers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to count active users")
		http.Error(w, "Failed to read presence", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, HealthResponse{
		Status:      "healthy",
		ActiveUsers: len(users),
		Timestamp:   h.service.clock.Now().Format(time.RFC3339),
	})
}

// HandleOnlineUsers handles GET /users/online
func (h *PresenceHandler) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.onlineUsers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list online users")
		http.Error(w, "Failed to read presence", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, OnlineUsersResponse{Count: len(users), Users: users})
}

// HandleUserStatus handles GET /users/{id}/status
func (h *PresenceHandler) HandleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	online, err := h.service.connectionManager.isOnline(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to get user status")
		http.Error(w, "Failed to read presence", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, UserStatusResponse{UserID: userID, Online: online})
}

// RegisterPresenceRoutes registers presence-related HTTP routes
func (h *PresenceHandler) RegisterPresenceRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /users/online", h.HandleOnlineUsers)
	mux.HandleFunc("GET /users/{id}/status", h.HandleUserStatus)
	// Older clients query the singular path.
	mux.HandleFunc("GET /user/{id}/status", h.HandleUserStatus)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
