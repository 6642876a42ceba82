// ABOUTME: HTTP handlers for reports, moderator review and the audit log
// ABOUTME: Moderator gating happens in the conversation service

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-messaging/internal/store"
)

func (h *Handler) handleReportMessage(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	report, err := h.svc.ReportMessage(r.Context(), r.PathValue("id"), store.ReportReason(req.Reason), req.Description)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, reportResponse(report))
}

func (h *Handler) handleReviewMessage(w http.ResponseWriter, r *http.Request) {
	var req ReviewMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	msg, err := h.svc.ReviewMessage(r.Context(), r.PathValue("id"), req.Approve)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse(msg))
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	f := store.ReportFilter{
		ThreadID:  queryString(r, "thread_id"),
		MessageID: queryString(r, "message_id"),
		Limit:     limit,
	}
	if s := queryString(r, "status"); s != nil {
		status := store.ReportStatus(*s)
		f.Status = &status
	}

	reports, err := h.svc.ListReports(r.Context(), f)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	resp := make([]ReportResponse, 0, len(reports))
	for _, rep := range reports {
		resp = append(resp, reportResponse(rep))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"reports": resp})
}

func (h *Handler) handleReviewReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.ReviewReport(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportResponse(report))
}

func (h *Handler) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	var req ResolveReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	report, err := h.svc.ResolveReport(r.Context(), r.PathValue("id"), store.ModerationAction(req.Action))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportResponse(report))
}

func (h *Handler) handleDismissReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.DismissReport(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reportResponse(report))
}

// handleAuditLog lists audit entries. since and until are RFC 3339 times.
func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	f := store.AuditFilter{
		ActorID:    queryString(r, "actor_id"),
		TargetType: queryString(r, "target_type"),
		TargetID:   queryString(r, "target_id"),
		Limit:      limit,
	}
	if a := queryString(r, "action"); a != nil {
		action := store.AuditAction(*a)
		f.Action = &action
	}
	if f.Since, err = queryTime(r, "since"); err != nil {
		h.sendError(w, r, err)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		h.sendError(w, r, err)
		return
	}

	entries, err := h.svc.ListAuditLog(r.Context(), f)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditEntryResponse(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := queryString(r, name)
	if raw == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 time: %w", name, store.ErrValidation)
	}
	return &t, nil
}
