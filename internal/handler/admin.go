package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/model"
)

// summaryPreviewRunes bounds the last-message preview of the chat list.
const summaryPreviewRunes = 100

const (
	sellerJoinedFormat = "--- %s has joined the chat, the AI will retire for now ---"
	sellerLeftFormat   = "--- %s has retired from the chat and the AI will take over now ---"
)

// ToggleAI handles PUT /admin/users/{id}/ai
func (h *Handler) ToggleAI(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req struct {
		AIEnabled *bool `json:"ai_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AIEnabled == nil {
		h.log.Info("[PUT /admin/users/ai] ❌ Bad Request", zap.String("conversation_id", id))
		writeError(w, http.StatusBadRequest, "ai_enabled is required")
		return
	}
	enabled := *req.AIEnabled

	err := h.Store.SetSettings(r.Context(), id, model.Settings{AIEnabled: enabled, AdminIntervening: !enabled})
	if err != nil {
		h.log.Error("[PUT /admin/users/ai] ❌ Database error", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}

	format := sellerJoinedFormat
	if enabled {
		format = sellerLeftFormat
	}
	notice := model.WireMessage{
		Role:    model.RoleSystem.Wire(),
		Source:  model.SourceSystem.Wire(),
		Content: fmt.Sprintf(format, h.Config.SellerName),
	}
	if err := h.appendAndPublish(r.Context(), id, notice); err != nil {
		h.log.Error("[PUT /admin/users/ai] ❌ Database error", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store notice")
		return
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	h.log.Info("[PUT /admin/users/ai] ✅ AI "+state, zap.String("conversation_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"message": "AI " + state + " for user", "ai_enabled": enabled})
}

// ListChats handles GET /admin/chats
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	sums, err := h.Store.Summaries(r.Context())
	if err != nil {
		h.log.Error("[GET /admin/chats] ❌ Database error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	for i := range sums {
		sums[i].LastMessage = truncateRunes(sums[i].LastMessage, summaryPreviewRunes)
	}
	writeJSON(w, http.StatusOK, sums)
}

// GetChat handles GET /admin/chats/{id}
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, ok := h.history(w, r, "[GET /admin/chats]", id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "messages": msgs})
}

// AdminMessage handles POST /admin/chats/{id}/message
func (h *Handler) AdminMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	msg := model.WireMessage{
		Role:    model.RoleAssistant.Wire(),
		Source:  model.SourceAdmin.Wire(),
		Content: text,
	}
	if err := h.appendAndPublish(r.Context(), id, msg); err != nil {
		h.log.Error("[POST /admin/chats/message] ❌ Database error", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}
	h.log.Info("[POST /admin/chats/message] ✅ Sent", zap.String("conversation_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message sent successfully"})
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
