package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/model"
	"github.com/terryong31/nego-lah/internal/repository"
	"github.com/terryong31/nego-lah/internal/responder"
)

const (
	// defaultHistoryLimit is the page size when the request names none.
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100

	maxBodyBytes   = 1 << 20
	maxUploadBytes = 10 << 20
)

// Hand-over texts shown when the AI steps aside. %s is the seller's name.
const (
	handOverReplyFormat  = "Sorry you messaged me too many times, may try again later.\n\nI will hand this conversation to %s so you can discuss with him directly"
	handOverNoticeFormat = "--- The AI has retired from the chat and %s will take over now ---"
)

// turn is one parsed user send
type turn struct {
	ConversationID string
	Message        string
	ItemID         string
	Files          []responder.File
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
	ItemID         string `json:"item_id"`
}

func (c chatRequest) turn() turn {
	id := c.ConversationID
	if id == "" {
		id = c.UserID
	}
	return turn{ConversationID: id, Message: strings.TrimSpace(c.Message), ItemID: c.ItemID}
}

// GetHistory handles GET /chat/history/{id}
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, ok := h.history(w, r, "[GET /chat/history]", id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, route, id string) ([]model.WireMessage, bool) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset := max(queryInt(r, "offset", 0), 0)

	msgs, err := h.Store.History(r.Context(), id, limit, offset)
	if err != nil {
		h.log.Error(route+" ❌ Database error", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error")
		return nil, false
	}
	h.log.Debug(route+" ✅ Returned messages", zap.String("conversation_id", id),
		zap.Int("count", len(msgs)), zap.Int("offset", offset))
	return msgs, true
}

// ClearHistory handles DELETE /chat/history/{id}
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Store.Clear(r.Context(), id); err != nil {
		h.log.Error("[DELETE /chat/history] ❌ Database error", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to clear chat history")
		return
	}
	h.Hub.PublishRowUpdate(id, []model.WireMessage{})
	h.log.Info("[DELETE /chat/history] ✅ Cleared", zap.String("conversation_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat history cleared"})
}

// GetSettings handles GET /chat/settings/{id}. AI counts as enabled when
// nothing is stored or the store fails.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.settings(r.Context(), id))
}

func (h *Handler) settings(ctx context.Context, id string) model.Settings {
	st, err := h.Store.Settings(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.log.Warn("settings unavailable, assuming ai enabled", zap.String("conversation_id", id), zap.Error(err))
		}
		return model.Settings{AIEnabled: true}
	}
	return st
}

// Chat handles POST /chat
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Info("[POST /chat] ❌ Bad Request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	t := req.turn()
	if t.ConversationID == "" || t.Message == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and message are required")
		return
	}
	if !h.limiter.Allow(t.ConversationID) {
		writeError(w, http.StatusTooManyRequests, "Too many messages. Please wait a moment.")
		return
	}

	reply, err := h.converse(r.Context(), t)
	if err != nil {
		h.log.Error("[POST /chat] ❌ Chat error", zap.String("conversation_id", t.ConversationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "AI service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

// ChatStream handles POST /chat/stream. The reply is delivered as a
// single terminal server-sent event.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	t, err := parseTurn(w, r)
	if err != nil {
		h.log.Info("[POST /chat/stream] ❌ Bad Request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if t.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if t.Message == "" && len(t.Files) == 0 {
		writeError(w, http.StatusBadRequest, "message or files are required")
		return
	}
	if !h.limiter.Allow(t.ConversationID) {
		h.log.Info("[POST /chat/stream] ❌ Rate limited", zap.String("conversation_id", t.ConversationID))
		writeError(w, http.StatusTooManyRequests, "Too many messages. Please wait a moment.")
		return
	}

	reply, err := h.converse(r.Context(), t)
	if err != nil {
		h.log.Error("[POST /chat/stream] ❌ Chat error", zap.String("conversation_id", t.ConversationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "AI service unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	frame, _ := json.Marshal(map[string]any{"content": reply, "done": true})
	fmt.Fprintf(w, "data: %s\n\n", frame)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	h.log.Info("[POST /chat/stream] ✅ Replied", zap.String("conversation_id", t.ConversationID),
		zap.Int("files", len(t.Files)), zap.Int("reply_len", len(reply)))
}

// converse stores a user turn and the counterpart's answer. With the AI
// disabled only the user message is stored and the reply is empty. A
// responder failure stores nothing so the client may retry.
func (h *Handler) converse(ctx context.Context, t turn) (string, error) {
	user := model.WireMessage{
		Role:    model.RoleUser.Wire(),
		Source:  model.SourceUser.Wire(),
		Content: userContent(t),
		ItemID:  t.ItemID,
	}

	if !h.settings(ctx, t.ConversationID).AIEnabled {
		return "", h.appendAndPublish(ctx, t.ConversationID, user)
	}
	if !h.budget.Within(t.ConversationID) {
		return h.handOver(ctx, t.ConversationID, user)
	}

	history, err := h.Store.All(ctx, t.ConversationID)
	if err != nil {
		h.log.Warn("history unavailable for responder", zap.String("conversation_id", t.ConversationID), zap.Error(err))
	}
	reply, err := h.Responder.Respond(ctx, responder.Request{
		ConversationID: t.ConversationID,
		Message:        t.Message,
		ItemID:         t.ItemID,
		History:        history,
		Files:          t.Files,
	})
	if err != nil {
		return "", fmt.Errorf("respond: %w", err)
	}
	h.budget.Track(t.ConversationID, responder.EstimateTokens(t.Message)+responder.EstimateTokens(reply))

	msgs := []model.WireMessage{user}
	if reply != "" {
		msgs = append(msgs, model.WireMessage{
			Role:    model.RoleAssistant.Wire(),
			Source:  model.SourceAI.Wire(),
			Content: reply,
			ItemID:  t.ItemID,
		})
	}
	return reply, h.appendAndPublish(ctx, t.ConversationID, msgs...)
}

// handOver answers a conversation that used up its AI budget: the AI says
// goodbye and is disabled until the seller turns it back on.
func (h *Handler) handOver(ctx context.Context, id string, user model.WireMessage) (string, error) {
	reply := fmt.Sprintf(handOverReplyFormat, h.Config.SellerName)
	h.log.Info("ai token budget exhausted, handing over", zap.String("conversation_id", id))

	err := h.appendAndPublish(ctx, id, user, model.WireMessage{
		Role:    model.RoleAssistant.Wire(),
		Source:  model.SourceAI.Wire(),
		Content: reply,
	})
	if err != nil {
		return "", err
	}
	if err := h.Store.SetSettings(ctx, id, model.Settings{AIEnabled: false, AdminIntervening: true}); err != nil {
		return "", fmt.Errorf("disable ai: %w", err)
	}
	notice := model.WireMessage{
		Role:    model.RoleSystem.Wire(),
		Source:  model.SourceSystem.Wire(),
		Content: fmt.Sprintf(handOverNoticeFormat, h.Config.SellerName),
	}
	return reply, h.appendAndPublish(ctx, id, notice)
}

// appendAndPublish stores msgs and announces the new message array.
func (h *Handler) appendAndPublish(ctx context.Context, id string, msgs ...model.WireMessage) error {
	all, err := h.Store.Append(ctx, id, msgs...)
	if err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	h.Hub.PublishRowUpdate(id, all)
	return nil
}

// userContent is the stored text of a user turn. Attachments are listed by
// name since their bytes are not persisted.
func userContent(t turn) string {
	if len(t.Files) == 0 {
		return t.Message
	}
	lines := make([]string, 0, len(t.Files)+1)
	if t.Message != "" {
		lines = append(lines, t.Message)
	}
	for _, f := range t.Files {
		lines = append(lines, "[attachment: "+f.Name+"]")
	}
	return strings.Join(lines, "\n")
}

// parseTurn reads a JSON body or a multipart form with "files" parts.
func parseTurn(w http.ResponseWriter, r *http.Request) (turn, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return turn{}, err
		}
		return req.turn(), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return turn{}, err
	}
	t := chatRequest{
		ConversationID: r.FormValue("conversation_id"),
		UserID:         r.FormValue("user_id"),
		Message:        r.FormValue("message"),
		ItemID:         r.FormValue("item_id"),
	}.turn()

	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return turn{}, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return turn{}, err
		}
		name := fh.Filename
		if name == "" {
			name = "file"
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		t.Files = append(t.Files, responder.File{Name: name, Type: ct, Data: data})
	}
	return t, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
