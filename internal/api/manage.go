package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BustosAndrew/calhacks10/internal/catalog"
	"github.com/BustosAndrew/calhacks10/internal/conversation"
	"github.com/BustosAndrew/calhacks10/internal/profile"
	"github.com/BustosAndrew/calhacks10/internal/storage"
)

const maxImportBodySize = 10 << 20 // 10MB

type AppDeps struct {
	Store    *storage.Store
	Profile  *profile.Manager
	Catalog  *catalog.Catalog
	History  *conversation.History
	Location *time.Location   // day boundary for ledger lookups; defaults to time.Local
	Now      func() time.Time // defaults to time.Now
	Token    string
}

type CreateUserRequest struct {
	UID     string         `json:"uid"`
	Profile map[string]any `json:"profile"`
}

type UserResponse struct {
	ID                 string          `json:"id"`
	CreatedAt          time.Time       `json:"created_at"`
	HistoryInitialized bool            `json:"history_initialized"`
	HistoryTurns       int             `json:"history_turns"`
	Profile            profile.Profile `json:"profile"`
}

type TurnView struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
}

// FoodView is a catalog entry with its per-serving values flattened.
type FoodView struct {
	ID string `json:"id"`
	catalog.Item
}

// NewAppHandler returns the bearer-protected management API.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/users", handleCreateUser(deps))
	r.Get("/users/{uid}", handleGetUser(deps))
	r.Patch("/users/{uid}/profile", handlePatchProfile(deps))
	r.Get("/users/{uid}/ledger", handleGetLedger(deps))
	r.Get("/users/{uid}/history", handleGetHistory(deps))
	r.Get("/foods", handleListFoods(deps))
	r.Get("/foods/{id}", handleGetFood(deps))
	r.Post("/foods", handleImportFoods(deps))

	return r
}

func handleCreateUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		uid := strings.TrimSpace(req.UID)
		if uid == "" {
			uid = uuid.New().String()
		}

		kv, err := profile.EncodeKeys(req.Profile)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid profile: %v", err)
			return
		}

		u, err := deps.Store.CreateUser(r.Context(), uid, kv)
		if errors.Is(err, storage.ErrExists) {
			httpError(w, http.StatusConflict, "conflict_error", "user %q already exists", uid)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create user: %v", err)
			return
		}

		writeUser(w, r, deps, u, http.StatusCreated)
	}
}

func handleGetUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Store.GetUser(r.Context(), chi.URLParam(r, "uid"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get user: %v", err)
			return
		}
		writeUser(w, r, deps, u, http.StatusOK)
	}
}

func writeUser(w http.ResponseWriter, r *http.Request, deps AppDeps, u storage.User, code int) {
	p, err := deps.Profile.GetProfile(r.Context(), u.ID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
		return
	}
	turns, err := deps.Store.CountTurns(r.Context(), u.ID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to count history: %v", err)
		return
	}
	writeJSON(w, code, UserResponse{
		ID:                 u.ID,
		CreatedAt:          u.CreatedAt,
		HistoryInitialized: !u.HistoryInitializedAt.IsZero(),
		HistoryTurns:       turns,
		Profile:            p,
	})
}

func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if _, err := profile.EncodeKeys(fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid profile: %v", err)
			return
		}

		err := deps.Profile.SetFields(r.Context(), uid, fields)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update profile: %v", err)
			return
		}

		p, err := deps.Profile.GetProfile(r.Context(), uid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleGetLedger(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")

		day := deps.Now().In(deps.Location)
		if s := r.URL.Query().Get("date"); s != "" {
			d, err := time.ParseInLocation("2006-01-02", s, deps.Location)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "date must be YYYY-MM-DD")
				return
			}
			day = d
		}

		view, err := loadLedgerView(r.Context(), deps.Store, uid, day)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load ledger: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleGetHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")
		if _, err := deps.Store.GetUser(r.Context(), uid); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get user: %v", err)
			return
		}

		turns, err := deps.History.Load(r.Context(), uid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}

		out := make([]TurnView, len(turns))
		for i, t := range turns {
			out[i] = TurnView{Role: string(t.Role), Content: t.Content, ToolCallID: t.ToolCallID}
			if t.ToolCall != nil {
				out[i].ToolCallID = t.ToolCall.ID
				out[i].ToolName = t.ToolCall.Name
				out[i].ToolArgs = t.ToolCall.Arguments
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListFoods(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)

		foods, err := deps.Catalog.List(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list foods: %v", err)
			return
		}

		out := make([]FoodView, len(foods))
		for i, f := range foods {
			out[i] = FoodView{ID: f.ID, Item: catalog.Item{Name: f.Name, Totals: f.PerServing}}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetFood(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := deps.Store.GetFood(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "food not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get food: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, FoodView{ID: f.ID, Item: catalog.Item{Name: f.Name, Totals: f.PerServing}})
	}
}

// handleImportFoods accepts a JSON array of catalog items and upserts them.
func handleImportFoods(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		n, err := deps.Catalog.Import(r.Context(), r.Body)
		if errors.Is(err, catalog.ErrInvalidItem) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to import foods: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
