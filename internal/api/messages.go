// ABOUTME: HTTP handlers for messages, read receipts, search and attachments
// ABOUTME: Translates JSON bodies into conversation service calls

package api

import (
	"net/http"

	"github.com/2389/coven-messaging/internal/attachments"
	"github.com/2389/coven-messaging/internal/conversation"
	"github.com/2389/coven-messaging/internal/store"
)

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	list, err := h.svc.ListMessages(r.Context(), r.PathValue("id"), store.MessagePage{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MessageListResponse{
		Messages:   messagesResponse(list.Messages),
		NextCursor: list.NextCursor,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}

	metas := make([]attachments.FileMeta, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		metas = append(metas, attachments.FileMeta{Name: a.Name, MimeType: a.MimeType, Size: a.Size})
	}

	msg, err := h.svc.SendMessage(r.Context(), conversation.SendMessageRequest{
		ThreadID:       r.PathValue("id"),
		Content:        req.Content,
		Attachments:    metas,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, messageResponse(msg))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	changed, err := h.svc.MarkRead(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	msg, err := h.svc.EditMessage(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse(msg))
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMessage(r.Context(), r.PathValue("id")); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	msgs, err := h.svc.SearchMessages(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": messagesResponse(msgs)})
}

func (h *Handler) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	atts, err := h.svc.ListAttachments(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"attachments": attachmentsResponse(atts)})
}

func (h *Handler) handleRetryAttachment(w http.ResponseWriter, r *http.Request) {
	att, err := h.svc.RetryAttachment(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, attachmentResponse(att))
}
