package handler

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bodegaops/gatekeeper/internal/auth"
	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/bruteforce"
	"github.com/bodegaops/gatekeeper/internal/cache"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/guard"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// Handler serves the security management API.
type Handler struct {
	db        *sql.DB
	blocks    *blocklist.Store
	decisions *cache.TypedCache[model.BlockedIP]
	ledger    *bruteforce.Ledger
	events    *events.Service
	registry  *devices.Registry
	auth      *auth.Service
	notifier  bruteforce.Notifier
	logger    *slog.Logger
}

// New creates the API handler. decisions is the blocklist guard's block
// decision cache; nil when the guard runs uncached.
func New(db *sql.DB, blocks *blocklist.Store, decisions *cache.TypedCache[model.BlockedIP], ledger *bruteforce.Ledger, ev *events.Service, registry *devices.Registry, authSvc *auth.Service, notifier bruteforce.Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		db:        db,
		blocks:    blocks,
		decisions: decisions,
		ledger:    ledger,
		events:    ev,
		registry:  registry,
		auth:      authSvc,
		notifier:  notifier,
		logger:    logger,
	}
}

// Routes mounts the API. Security routes require an admin session.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/login", h.handleLogin)
	r.Get("/my-ip", h.handleMyIP)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(h.auth))
		r.Post("/auth/logout", h.handleLogout)
		r.Post("/push/register", h.handleRegisterPushToken)

		r.Route("/security", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/blocked-ips", h.handleListBlockedIPs)
			r.Post("/block-ip", h.handleBlockIP)
			r.Delete("/blocked-ips/{ip}", h.handleUnblockIP)
			r.Get("/events", h.handleListEvents)
			r.Get("/brute-force-attempts", h.handleListAttempts)
			r.Delete("/brute-force-attempts", h.handleClearAllAttempts)
			r.Delete("/brute-force-attempts/{identifier}", h.handleClearAttempts)
			r.Get("/blocked-accounts", h.handleBlockedAccounts)
			r.Get("/users/{id}/devices", h.handleUserDevices)
			r.Get("/stats", h.handleStats)
		})
	})

	return r
}

type blockedIPResponse struct {
	IP           string     `json:"ip"`
	Reason       string     `json:"reason"`
	BlockedAt    time.Time  `json:"blocked_at"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Attempts     int        `json:"attempts"`
}

func toBlockedIPResponse(b model.BlockedIP) blockedIPResponse {
	resp := blockedIPResponse{
		IP:        b.IP,
		Reason:    b.Reason,
		BlockedAt: b.BlockedAt,
		Attempts:  b.Attempts,
	}
	if b.BlockedUntil.Valid {
		until := b.BlockedUntil.Time
		resp.BlockedUntil = &until
	}
	return resp
}

func (h *Handler) handleListBlockedIPs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blocks.List(r.Context())
	if err != nil {
		h.logger.Error("list blocked IPs", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list blocked IPs", nil)
		return
	}

	out := make([]blockedIPResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toBlockedIPResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked_ips": out, "count": len(out)})
}

type blockIPRequest struct {
	IP              string `json:"ip"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (h *Handler) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	var req blockIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_json", "Invalid request body", nil)
		return
	}
	req.IP = strings.TrimSpace(req.IP)
	if req.IP == "" {
		WriteAPIError(w, http.StatusBadRequest, "validation", "ip is required", map[string]string{"ip": "required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "Manually blocked by administrator"
	}

	var until *time.Time
	if req.DurationMinutes > 0 {
		t := time.Now().UTC().Add(time.Duration(req.DurationMinutes) * time.Minute).Truncate(time.Second)
		until = &t
	}

	if err := h.blocks.Block(r.Context(), req.IP, req.Reason, until); err != nil {
		h.logger.Error("manual block", "ip", req.IP, "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to block IP", nil)
		return
	}

	admin := UserFromContext(r.Context())
	details := map[string]any{
		"ip":     req.IP,
		"reason": req.Reason,
	}
	if until != nil {
		details["blocked_until"] = until.Format(time.RFC3339)
	}
	if admin != nil {
		details["admin"] = admin.Name
	}
	h.events.Log(r.Context(), req.IP, model.EventManualBlock, details, adminID(admin))
	if h.notifier != nil {
		h.notifier.NotifyAdmins(r.Context(), model.EventManualBlock, details)
	}

	writeJSON(w, http.StatusOK, map[string]any{"blocked": true, "ip": req.IP})
}

func (h *Handler) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	removed, err := h.blocks.Unblock(r.Context(), ip)
	if err != nil {
		h.logger.Error("unblock", "ip", ip, "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to unblock IP", nil)
		return
	}
	if !removed {
		WriteAPIError(w, http.StatusNotFound, "not_found", "IP is not blocked", nil)
		return
	}

	// Drop the guard's cached denial so the unblock applies immediately.
	if h.decisions != nil {
		if err := h.decisions.Delete(r.Context(), guard.BlockDecisionKey(ip)); err != nil {
			h.logger.Warn("failed to invalidate block decision cache", "ip", ip, "error", err)
		}
	}

	admin := UserFromContext(r.Context())
	details := map[string]any{"ip": ip}
	if admin != nil {
		details["admin"] = admin.Name
	}
	h.events.Log(r.Context(), ip, model.EventManualUnblock, details, adminID(admin))

	writeJSON(w, http.StatusOK, map[string]any{"unblocked": true, "ip": ip})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteAPIError(w, http.StatusBadRequest, "validation", "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	evs, err := h.events.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("list security events", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list events", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
}

type attemptResponse struct {
	Identifier     string     `json:"identifier"`
	Attempts       int        `json:"attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	FirstAttemptAt time.Time  `json:"first_attempt_at"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
}

func toAttemptResponses(rows []model.BruteForceAttempt) []attemptResponse {
	out := make([]attemptResponse, 0, len(rows))
	for _, a := range rows {
		resp := attemptResponse{
			Identifier:     a.Identifier,
			Attempts:       a.Attempts,
			FirstAttemptAt: a.FirstAttemptAt,
			LastAttemptAt:  a.LastAttemptAt,
		}
		if a.LockedUntil.Valid {
			t := a.LockedUntil.Time
			resp.LockedUntil = &t
		}
		out = append(out, resp)
	}
	return out
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ledger.List(r.Context())
	if err != nil {
		h.logger.Error("list brute force attempts", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list attempts", nil)
		return
	}
	out := toAttemptResponses(rows)
	writeJSON(w, http.StatusOK, map[string]any{"attempts": out, "count": len(out)})
}

func (h *Handler) handleClearAttempts(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	cleared, err := h.ledger.ClearAttempts(r.Context(), identifier)
	if err != nil {
		h.logger.Error("clear attempts", "identifier", identifier, "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to clear attempts", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (h *Handler) handleClearAllAttempts(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.ledger.ClearAll(r.Context())
	if err != nil {
		h.logger.Error("clear all attempts", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to clear attempts", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (h *Handler) handleBlockedAccounts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ledger.LockedAccounts(r.Context())
	if err != nil {
		h.logger.Error("list locked accounts", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list locked accounts", nil)
		return
	}
	out := toAttemptResponses(rows)
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out, "count": len(out)})
}

func (h *Handler) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "validation", "invalid user id", nil)
		return
	}

	list, err := h.registry.DevicesForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list user devices", "user_id", userID, "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list devices", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list, "count": len(list)})
}

func (h *Handler) handleMyIP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ip": guard.ClientIP(r)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dayAgo := time.Now().UTC().Add(-24 * time.Hour)

	blockedIPs, err := h.blocks.Count(ctx)
	if err != nil {
		h.logger.Error("stats: count blocked IPs", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to compute stats", nil)
		return
	}
	sessions, err := h.registry.ActiveSessionCount(ctx)
	if err != nil {
		h.logger.Error("stats: count sessions", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to compute stats", nil)
		return
	}
	locked, err := h.ledger.LockedAccounts(ctx)
	if err != nil {
		h.logger.Error("stats: locked accounts", "error", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to compute stats", nil)
		return
	}

	perType := map[string]int{}
	for _, eventType := range []string{
		model.EventBruteForceLocked,
		model.EventHoneypotTriggered,
		model.EventReputationBlocked,
		model.EventGeofenceBlocked,
		model.EventLoginFailed,
	} {
		n, err := h.events.CountSince(ctx, eventType, dayAgo)
		if err != nil {
			h.logger.Error("stats: count events", "event_type", eventType, "error", err)
			WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to compute stats", nil)
			return
		}
		perType[eventType] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"blocked_ips":     blockedIPs,
		"active_sessions": sessions,
		"locked_accounts": len(locked),
		"events_24h":      perType,
	})
}

func adminID(u *model.User) *int64 {
	if u == nil {
		return nil
	}
	id := u.ID
	return &id
}
