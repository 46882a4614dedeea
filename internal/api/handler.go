package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crmkit/impguard/internal/alerting"
	"github.com/crmkit/impguard/internal/crypto"
	"github.com/crmkit/impguard/internal/domain"
	"github.com/crmkit/impguard/internal/limiter"
	"github.com/crmkit/impguard/internal/metrics"
	"github.com/crmkit/impguard/internal/notifications"
	"github.com/crmkit/impguard/internal/queue"
	"github.com/crmkit/impguard/internal/store"
)

type HandlerConfig struct {
	Guard         *limiter.Guard
	Notifier      notifications.Notifier
	Compliance    queue.Queue
	Monitor       *alerting.Monitor
	Checkers      []HealthChecker
	HealthTimeout time.Duration
}

type Handler struct {
	guard         *limiter.Guard
	notifier      notifications.Notifier
	compliance    queue.Queue
	monitor       *alerting.Monitor
	checkers      []HealthChecker
	healthTimeout time.Duration
	mux           *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}

	h := &Handler{
		guard:         cfg.Guard,
		notifier:      cfg.Notifier,
		compliance:    cfg.Compliance,
		monitor:       cfg.Monitor,
		checkers:      cfg.Checkers,
		healthTimeout: healthTimeout,
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/impersonation/check", h.instrument("check", h.handleCheck))
	h.mux.HandleFunc("POST /v1/impersonation/sessions", h.instrument("start_session", h.handleStartSession))
	h.mux.HandleFunc("GET /v1/impersonation/sessions", h.instrument("list_sessions", h.handleListSessions))
	h.mux.HandleFunc("DELETE /v1/impersonation/sessions/{id}", h.instrument("end_session", h.handleEndSession))
	h.mux.HandleFunc("GET /v1/impersonation/sessions/{id}/expired", h.instrument("session_expired", h.handleSessionExpired))
	h.mux.HandleFunc("GET /v1/impersonation/stats", h.instrument("stats", h.handleStats))
	h.mux.HandleFunc("GET /v1/impersonation/violations", h.instrument("list_violations", h.handleListViolations))
	h.mux.HandleFunc("DELETE /v1/impersonation/violations", h.instrument("clear_violations", h.handleClearViolations))
	h.mux.HandleFunc("GET /health", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, healthTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		metrics.ObserveRequest(route, time.Since(start).Seconds())
	}
}

type CheckRequest struct {
	AdminID      string `json:"admin_id"`
	TenantID     string `json:"tenant_id"`
	TargetUserID string `json:"target_user_id"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.guard.Check(ctx, req.AdminID, req.TenantID, req.TargetUserID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	if !result.Allowed {
		h.notifyViolation(r, req.AdminID, req.TenantID, req.TargetUserID, "", "", result.Type, result.Reason)
	}

	writeJSON(w, http.StatusOK, result)
}

type StartSessionRequest struct {
	AdminID         string `json:"admin_id"`
	TenantID        string `json:"tenant_id"`
	TargetUserID    string `json:"target_user_id"`
	TargetUserEmail string `json:"target_user_email,omitempty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.guard.StartSession(ctx, req.AdminID, req.TenantID, req.TargetUserID, req.TargetUserEmail)
	if err != nil {
		var capErr *store.CapacityError
		if errors.As(err, &capErr) {
			h.notifyViolation(r, req.AdminID, req.TenantID, req.TargetUserID, req.TargetUserEmail, "", capErr.Type, capErr.Error())
			writeJSON(w, http.StatusTooManyRequests, domain.CheckResult{
				Allowed:  false,
				Reason:   capErr.Error(),
				Type:     capErr.Type,
				Observed: capErr.Observed,
				Limit:    capErr.Limit,
			})
			return
		}
		writeGuardError(w, r, err)
		return
	}

	if h.monitor != nil {
		if _, err := h.monitor.Check(ctx, req.AdminID, req.TenantID); err != nil {
			slog.Warn("quota alert check failed", "error", err, "admin_id", req.AdminID, "tenant_id", req.TenantID)
		}
	}

	if req.TargetUserEmail != "" {
		slog.Info("impersonation target recorded",
			"session_id", session.ID,
			"tenant_id", req.TenantID,
			"target_email_fp", crypto.Fingerprint(req.TargetUserEmail),
		)
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")
	tenantID := r.URL.Query().Get("tenant_id")

	ended, err := h.guard.EndSession(ctx, sessionID, tenantID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := r.URL.Query().Get("admin_id")
	tenantID := r.URL.Query().Get("tenant_id")

	sessions, err := h.guard.ActiveSessions(ctx, adminID, tenantID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) handleSessionExpired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")
	tenantID := r.URL.Query().Get("tenant_id")

	expired, err := h.guard.SessionExpired(ctx, sessionID, tenantID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := r.URL.Query().Get("admin_id")
	tenantID := r.URL.Query().Get("tenant_id")

	stats, err := h.guard.Stats(ctx, adminID, tenantID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleListViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := r.URL.Query().Get("admin_id")
	tenantID := r.URL.Query().Get("tenant_id")

	days := 0
	if d := r.URL.Query().Get("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid days parameter")
			return
		}
		days = parsed
	}

	violations, err := h.guard.Violations(ctx, adminID, tenantID, days)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"violations": violations,
		"count":      len(violations),
	})
}

func (h *Handler) handleClearViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := r.URL.Query().Get("admin_id")
	tenantID := r.URL.Query().Get("tenant_id")

	cleared, err := h.guard.ClearViolations(ctx, adminID, tenantID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// notifyViolation fans a denial out to the alerting topic and the compliance
// queue. Both are best effort: the denial itself is already durable in the
// violation store.
func (h *Handler) notifyViolation(r *http.Request, adminID, tenantID, targetUserID, targetUserEmail, sessionID string, vtype domain.ViolationType, reason string) {
	ctx := r.Context()

	if h.notifier != nil {
		err := h.notifier.Send(ctx, notifications.Notification{
			Type:     notifications.NotificationViolation,
			TenantID: tenantID,
			AdminID:  adminID,
			Message:  reason,
			Data: map[string]interface{}{
				"violation_type": string(vtype),
				"target_user_id": targetUserID,
			},
		})
		if err != nil {
			slog.Warn("failed to send violation notification", "error", err, "tenant_id", tenantID)
		}
	}

	if h.compliance != nil {
		err := h.compliance.Publish(ctx, queue.ComplianceEvent{
			ID:              uuid.New().String(),
			TenantID:        tenantID,
			AdminID:         adminID,
			SessionID:       sessionID,
			Type:            queue.EventViolation,
			TargetUserID:    targetUserID,
			TargetUserEmail: targetUserEmail,
			Reason:          reason,
			OccurredAt:      time.Now(),
		})
		if err != nil {
			slog.Warn("failed to publish compliance event", "error", err, "tenant_id", tenantID)
		}
	}
}

func writeGuardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrBackendUnavailable):
		slog.Error("backend unavailable", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	default:
		slog.Error("request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}
