package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eventchat/internal/repository"
)

// EventHandler serves the REST side of a thread open: durable history and the
// member roster.
type EventHandler struct {
	msgRepo      *repository.MessageRepository
	memberRepo   *repository.MemberRepository
	historyLimit int
}

func NewEventHandler(msgRepo *repository.MessageRepository, memberRepo *repository.MemberRepository, historyLimit int) *EventHandler {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &EventHandler{msgRepo: msgRepo, memberRepo: memberRepo, historyLimit: historyLimit}
}

// GetMessages returns the event's message history in insertion order.
func (h *EventHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "event id required")
		return
	}

	limit := queryInt(r, "limit", h.historyLimit)
	if limit > h.historyLimit {
		limit = h.historyLimit
	}

	messages, err := h.msgRepo.History(r.Context(), eventID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// GetMembers returns the event roster.
func (h *EventHandler) GetMembers(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "event id required")
		return
	}

	members, err := h.memberRepo.List(r.Context(), eventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get members")
		return
	}
	writeJSON(w, http.StatusOK, members)
}
