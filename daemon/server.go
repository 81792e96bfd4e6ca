package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/petal-labs/toolgate/journal"
)

const defaultMaxBody int64 = 1 << 20

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

// Handler returns an http.Handler exposing the gateway API.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/tools", a.handleListTools)
	mux.HandleFunc("GET /api/tools/{name}", a.handleGetTool)
	mux.HandleFunc("POST /api/tools/{name}/call", a.handleCallTool)
	mux.HandleFunc("GET /api/calls", a.handleListCalls)

	return maxBodyMiddleware(a.cfg.HTTP.MaxBody, mux)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"adapters":    a.dispatcher.Available(r.Context()),
		"connections": len(a.server.Connections()),
		"tools":       a.registry.Len(),
	})
}

func (a *App) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": a.registry.List(),
	})
}

func (a *App) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	def, ok := a.registry.Get(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("tool %q not found", name), nil)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleCallTool dispatches one call. Tool failures are reported in the
// result payload with status 200; only malformed requests get 4xx.
func (a *App) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	args, err := decodeArgs(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), nil)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res := a.dispatcher.Dispatch(r.Context(), name, args)
	writeJSON(w, http.StatusOK, res.Payload())
}

func (a *App) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSONError(w, http.StatusNotFound, "JOURNAL_DISABLED", "call journal is not enabled", nil)
		return
	}
	filter := journal.Filter{Tool: strings.TrimSpace(r.URL.Query().Get("tool"))}
	if raw, ok := queryParam(r, "limit"); ok {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = limit
	}
	entries, err := a.journal.List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": entries,
	})
}

// decodeArgs reads a JSON object body. An empty body means no arguments.
func decodeArgs(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func maxBodyMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		limit = defaultMaxBody
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func queryParam(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
