// ABOUTME: HTTP handlers for threads, typing presence, exports and live events
// ABOUTME: Live events stream over SSE from the per-thread broadcaster

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-messaging/internal/conversation"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/store"
)

// sseKeepalive is how often an idle event stream sends a comment line.
const sseKeepalive = 25 * time.Second

func (h *Handler) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}

	thread, err := h.svc.CreateThread(r.Context(), conversation.CreateThreadRequest{
		Participants:    req.Participants,
		Subject:         req.Subject,
		RetentionPolicy: req.RetentionPolicy,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, threadResponse(thread))
}

func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	views, err := h.svc.ListThreads(r.Context(), store.ThreadFilter{
		Search:          r.URL.Query().Get("search"),
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
		Limit:           limit,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	resp := make([]ThreadResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, threadViewResponse(v))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"threads": resp})
}

func (h *Handler) handleGetThread(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, threadViewResponse(view))
}

func (h *Handler) handleMuteThread(w http.ResponseWriter, r *http.Request) {
	h.handleFlag(w, r, h.svc.MuteThread)
}

func (h *Handler) handleArchiveThread(w http.ResponseWriter, r *http.Request) {
	h.handleFlag(w, r, h.svc.ArchiveThread)
}

func (h *Handler) handleFlag(w http.ResponseWriter, r *http.Request, set func(context.Context, string, bool) (*store.Thread, error)) {
	var req FlagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	thread, err := set(r.Context(), r.PathValue("id"), req.Value)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (h *Handler) handleListTyping(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListTyping(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"typing": users})
}

func (h *Handler) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendError(w, r, err)
		return
	}
	if err := h.svc.SetTyping(r.Context(), r.PathValue("id"), req.Typing); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExportThread(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.ExportThread(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, exportJobResponse(job))
}

func (h *Handler) handleGetExport(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetExportJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, exportJobResponse(job))
}

// handleEvents streams a thread's change events as Server-Sent Events until
// the client disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		h.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	threadID := r.PathValue("id")
	events, unsubscribe, err := h.svc.Subscribe(r.Context(), threadID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.writeSSEEvent(w, "subscribed", map[string]string{"thread_id": threadID})
	flusher.Flush()

	h.streamEvents(r.Context(), w, flusher, events)
}

// streamEvents copies events to the client until ctx ends or the
// subscription is closed.
func (h *Handler) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan *notify.Event) {
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()

		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a Server-Sent Event to the response.
func (h *Handler) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
