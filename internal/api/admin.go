package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/crmkit/impguard/internal/domain"
	"github.com/crmkit/impguard/internal/limiter"
	"github.com/crmkit/impguard/internal/notifications"
	"github.com/crmkit/impguard/internal/queue"
)

type AdminHandler struct {
	guard      *limiter.Guard
	notifier   notifications.Notifier
	compliance queue.Queue
	mux        *http.ServeMux
}

func NewAdminHandler(guard *limiter.Guard, notifier notifications.Notifier, compliance queue.Queue) *AdminHandler {
	h := &AdminHandler{
		guard:      guard,
		notifier:   notifier,
		compliance: compliance,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/limits", h.getLimits)
	h.mux.HandleFunc("POST /admin/sessions/{id}/terminate", h.terminateSession)
	h.mux.HandleFunc("POST /admin/limits/reset", h.resetLimits)
	h.mux.HandleFunc("POST /admin/cleanup", h.runCleanup)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) getLimits(w http.ResponseWriter, r *http.Request) {
	limits := h.guard.Limits()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"max_starts_per_hour":      limits.MaxStartsPerHour,
		"max_concurrent_sessions":  limits.MaxConcurrentSessions,
		"max_session_duration_min": int(limits.MaxSessionDuration.Minutes()),
	})
}

type TerminateSessionRequest struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

func (h *AdminHandler) terminateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	var req TerminateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.guard.ForceTerminate(ctx, sessionID, req.TenantID, req.Reason)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	h.publishTermination(r, session, req.Reason)

	writeJSON(w, http.StatusOK, map[string]bool{"terminated": true})
}

type ResetLimitsRequest struct {
	AdminID  string `json:"admin_id"`
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

func (h *AdminHandler) resetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ResetLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.guard.Reset(ctx, req.AdminID, req.TenantID, req.Reason); err != nil {
		writeGuardError(w, r, err)
		return
	}

	h.publish(r, notifications.NotificationLimitsReset, queue.EventLimitsReset, req.AdminID, req.TenantID, "", req.Reason)

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type CleanupRequest struct {
	TenantID   string `json:"tenant_id"`
	DaysToKeep int    `json:"days_to_keep,omitempty"`
}

func (h *AdminHandler) runCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.guard.Cleanup(ctx, req.TenantID, req.DaysToKeep)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// publishTermination mirrors a forced termination to the alerting topic and
// compliance queue, best effort. The compliance event carries the target user
// so the queue encryptor can protect the email before it leaves the process.
func (h *AdminHandler) publishTermination(r *http.Request, s *domain.Session, reason string) {
	ctx := r.Context()

	if h.notifier != nil {
		err := h.notifier.Send(ctx, notifications.Notification{
			Type:     notifications.NotificationForceTerminated,
			TenantID: s.TenantID,
			AdminID:  s.AdminID,
			Message:  reason,
			Data: map[string]interface{}{
				"session_id":     s.ID,
				"target_user_id": s.TargetUserID,
			},
		})
		if err != nil {
			slog.Warn("failed to send admin notification", "error", err, "tenant_id", s.TenantID)
		}
	}

	if h.compliance != nil {
		err := h.compliance.Publish(ctx, queue.ComplianceEvent{
			ID:              uuid.New().String(),
			TenantID:        s.TenantID,
			AdminID:         s.AdminID,
			SessionID:       s.ID,
			Type:            queue.EventForceTerminated,
			TargetUserID:    s.TargetUserID,
			TargetUserEmail: s.TargetUserEmail,
			Reason:          reason,
			OccurredAt:      time.Now(),
		})
		if err != nil {
			slog.Warn("failed to publish compliance event", "error", err, "tenant_id", s.TenantID)
		}
	}
}

// publish mirrors an operator action to the alerting topic and compliance
// queue, best effort.
func (h *AdminHandler) publish(r *http.Request, ntype notifications.NotificationType, etype queue.EventType, adminID, tenantID, sessionID, reason string) {
	ctx := r.Context()

	if h.notifier != nil {
		err := h.notifier.Send(ctx, notifications.Notification{
			Type:     ntype,
			TenantID: tenantID,
			AdminID:  adminID,
			Message:  reason,
			Data: map[string]interface{}{
				"session_id": sessionID,
			},
		})
		if err != nil {
			slog.Warn("failed to send admin notification", "error", err, "tenant_id", tenantID)
		}
	}

	if h.compliance != nil {
		err := h.compliance.Publish(ctx, queue.ComplianceEvent{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			AdminID:    adminID,
			SessionID:  sessionID,
			Type:       etype,
			Reason:     reason,
			OccurredAt: time.Now(),
		})
		if err != nil {
			slog.Warn("failed to publish compliance event", "error", err, "tenant_id", tenantID)
		}
	}
}
