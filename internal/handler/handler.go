package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/terryong31/nego-lah/internal/config"
	"github.com/terryong31/nego-lah/internal/logging"
	"github.com/terryong31/nego-lah/internal/repository"
	"github.com/terryong31/nego-lah/internal/responder"
)

// Handler holds application dependencies
type Handler struct {
	Store     repository.ConversationStore
	Responder responder.Responder
	Config    config.Config
	Hub       *Hub

	log     *zap.Logger
	limiter *sendLimiter
	budget  *tokenBudget
}

// New creates a new Handler with the given dependencies
func New(store repository.ConversationStore, resp responder.Responder, cfg config.Config, logger *zap.Logger) *Handler {
	logger = logging.OrNop(logger)
	return &Handler{
		Store:     store,
		Responder: resp,
		Config:    cfg,
		Hub:       NewHub(logger),
		log:       logger,
		limiter:   newSendLimiter(cfg.ChatRatePerMinute),
		budget:    newTokenBudget(cfg.AITokenBudget, BudgetWindow),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// Chat API
	r.HandleFunc("/chat/history/{id}", h.GetHistory).Methods("GET")
	r.HandleFunc("/chat/history/{id}", h.ClearHistory).Methods("DELETE")
	r.HandleFunc("/chat/settings/{id}", h.GetSettings).Methods("GET")
	r.HandleFunc("/chat", h.Chat).Methods("POST")
	r.HandleFunc("/chat/stream", h.ChatStream).Methods("POST")

	// Admin API
	r.HandleFunc("/admin/users/{id}/ai", h.ToggleAI).Methods("PUT")
	r.HandleFunc("/admin/chats", h.ListChats).Methods("GET")
	r.HandleFunc("/admin/chats/{id}", h.GetChat).Methods("GET")
	r.HandleFunc("/admin/chats/{id}/message", h.AdminMessage).Methods("POST")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")

	return r
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
