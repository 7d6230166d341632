package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BustosAndrew/calhacks10/internal/chat"
	"github.com/BustosAndrew/calhacks10/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Chatter handles one chat message. Implemented by *chat.Orchestrator.
type Chatter interface {
	HandleMessage(ctx context.Context, uid, text string) (string, error)
}

type ChatRequest struct {
	UID string `json:"uid"`
	Msg string `json:"msg"`
}

type ChatResponse struct {
	Msg string `json:"msg"`
}

// NewChatHandler returns the public surface: the health check and the chat
// endpoint.
func NewChatHandler(c Chatter) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.With(CORS).Post("/chat", handleChat(c))
	r.With(CORS).Options("/chat", func(http.ResponseWriter, *http.Request) {})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChat(c Chatter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.UID) == "" || strings.TrimSpace(req.Msg) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "uid and msg are required")
			return
		}

		reply, err := c.HandleMessage(r.Context(), req.UID, req.Msg)
		if err != nil {
			code, errType := chatErrorStatus(err)
			if code >= http.StatusInternalServerError {
				slog.Error("chat request failed", "uid", req.UID, "status", code, "error", err)
			}
			httpError(w, code, errType, "%v", err)
			return
		}

		writeJSON(w, http.StatusOK, ChatResponse{Msg: reply})
	}
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, chat.ErrModel):
		return http.StatusBadGateway, "api_error"
	case errors.Is(err, storage.ErrConflict):
		return http.StatusServiceUnavailable, "conflict_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
