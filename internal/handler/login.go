package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bodegaops/gatekeeper/internal/auth"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/guard"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_json", "Invalid request body", nil)
		return
	}
	req.Login = strings.TrimSpace(req.Login)
	if req.Login == "" || req.Password == "" {
		WriteAPIError(w, http.StatusBadRequest, "validation", "login and password are required", nil)
		return
	}

	result, err := h.auth.Login(r.Context(), auth.LoginRequest{
		Login:       req.Login,
		Password:    req.Password,
		IP:          guard.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Fingerprint: devices.Fingerprint(r),
	})
	if err != nil {
		var locked *auth.LockedError
		switch {
		case errors.As(err, &locked):
			msg := fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", locked.MinutesLeft)
			WriteAPIError(w, http.StatusTooManyRequests, "locked_out", msg, nil)
		case errors.Is(err, auth.ErrRateLimited):
			WriteAPIError(w, http.StatusTooManyRequests, "rate_limited", "Too many login requests, slow down", nil)
		case errors.Is(err, auth.ErrInvalidCredentials):
			WriteAPIError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid login or password", nil)
		default:
			h.logger.Error("login", "error", err)
			WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Login failed", nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      result.Token,
		"user":       result.User,
		"suspicious": result.Suspicious,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.logger.Error("logout", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Logout failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

// handleRegisterPushToken stores an Expo push token for the current user.
func (h *Handler) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_json", "Invalid request body", nil)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		WriteAPIError(w, http.StatusBadRequest, "validation", "token is required", map[string]string{"token": "required"})
		return
	}

	user := UserFromContext(r.Context())
	_, err := h.db.ExecContext(r.Context(),
		`INSERT INTO push_tokens (user_id, token) VALUES (?, ?)
		 ON CONFLICT(user_id, token) DO NOTHING`,
		user.ID, req.Token)
	if err != nil {
		h.logger.Error("register push token", "user_id", user.ID, "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to register token", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": true})
}
