package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"sensorwatch/internal/auth"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authenticator auth.Authenticator
	jwtManager    *auth.JWTManager
	wsTokenStore  *auth.WSTokenStore
	rateLimiter   *auth.LoginRateLimiter
	logger        zerolog.Logger
}

// NewAuthHandler creates new auth handler
func NewAuthHandler(authenticator auth.Authenticator, jwtManager *auth.JWTManager, wsTokenStore *auth.WSTokenStore, limiter *auth.LoginRateLimiter, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		wsTokenStore:  wsTokenStore,
		rateLimiter:   limiter,
		logger:        logger,
	}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	User    *auth.User `json:"user,omitempty"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.jwtManager == nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{Message: "Authentication is disabled"})
		return
	}

	clientIP := getClientIP(r)

	// Check rate limit before touching bcrypt
	if allowed, retryAfter := h.rateLimiter.Allow(clientIP); !allowed {
		h.logger.Warn().Str("ip", clientIP).Int("retry_after", retryAfter).Msg("Login rate limited")
		writeJSON(w, http.StatusTooManyRequests, LoginResponse{Message: "Too many login attempts"})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{Message: "Invalid request body"})
		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, LoginResponse{Message: "Username and password are required"})
		return
	}

	user, err := h.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		h.logger.Warn().Str("username", req.Username).Str("ip", clientIP).Msg("Login failed")
		writeJSON(w, http.StatusUnauthorized, LoginResponse{Message: "Invalid username or password"})
		return
	}

	h.rateLimiter.Reset(clientIP)

	token, err := h.jwtManager.GenerateToken(user)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, LoginResponse{Message: "Failed to generate token"})
		return
	}

	auth.SetAuthCookie(w, r, token, int(h.jwtManager.Duration().Seconds()))
	h.logger.Info().Str("username", user.Username).Str("ip", clientIP).Msg("Login")

	writeJSON(w, http.StatusOK, LoginResponse{Success: true, User: user})
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	username := ""
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		username = user.Username
	}

	auth.ClearAuthCookie(w)
	h.logger.Info().Str("username", username).Str("ip", getClientIP(r)).Msg("Logout")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// WSToken handles GET /api/auth/ws-token
// Returns a one-time token for the live reading websocket
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.wsTokenStore.Generate(user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
