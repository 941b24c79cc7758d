package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler exposes the login endpoint and the auth middleware to the server.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers auth routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/login", h.handleLogin)
}

// Middleware returns the token-validation middleware for API routes.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return Middleware(h.svc.Tokens())
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"` // Seconds
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := h.svc.Login(req.Password)
	if err != nil {
		h.logger.Warn("login rejected", zap.String("remote", r.RemoteAddr))
		writeAuthError(w, "invalid credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loginResponse{
		AccessToken: token,
		ExpiresIn:   int(h.svc.Tokens().TTL().Seconds()),
	})
}
