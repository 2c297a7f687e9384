package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/provider"
	"github.com/cgrail/mcp-express-test/internal/runner"
)

const maxRequestBodyBytes = 1 << 20

type requestBody struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

type requestResponse struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

// handleRequest runs one conversation turn. Streaming replies are plain
// text, flushed per fragment; failures inside a stream arrive as an
// "Error:" fragment because the status line has already been sent.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req requestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "query is required", nil)
		return
	}
	orch, sessionID := s.sessions.Get(req.SessionID)

	if req.Stream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeErr(w, http.StatusInternalServerError, "stream_not_supported", "streaming not supported", nil)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set(sessionHeader, sessionID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		err := orch.HandleMessageStreaming(r.Context(), query, func(fragment string) {
			_, _ = io.WriteString(w, fragment)
			flusher.Flush()
		})
		if err != nil {
			s.logger.Warn("streaming turn failed", "session_id", sessionID, "error", err)
		}
		return
	}

	text, err := orch.HandleMessage(r.Context(), query)
	if err != nil {
		status, code := http.StatusBadGateway, runner.ErrorCodeProviderRequestFailed
		var runnerErr *runner.RunnerError
		if errors.As(err, &runnerErr) && runnerErr.Code != "" {
			code = runnerErr.Code
		}
		if runner.IsGatewayUnavailable(err) {
			status = http.StatusServiceUnavailable
		}
		writeErr(w, status, code, text, map[string]string{"session_id": sessionID})
		return
	}
	w.Header().Set(sessionHeader, sessionID)
	writeJSON(w, http.StatusOK, requestResponse{Content: text, SessionID: sessionID})
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, runner.FunctionTools(s.registry.Definitions()))
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.sessions.IDs()})
}

type activeProvider struct {
	ID         string `json:"id"`
	Adapter    string `json:"adapter"`
	Model      string `json:"model"`
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Configured bool   `json:"configured"`
}

// listProviders reports the active provider, with its key masked, next to
// the catalog.
func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	cfg := s.runner.Config()
	spec, _ := provider.ResolveProvider(cfg.ProviderID)
	active := activeProvider{
		ID:         spec.ID,
		Adapter:    spec.Adapter,
		Model:      cfg.Model,
		BaseURL:    provider.ResolveBaseURL(spec.ID, cfg.BaseURL, nil),
		APIKey:     provider.MaskKey(cfg.APIKey),
		Configured: spec.Adapter != "" && (!spec.RequiresAPIKey || cfg.APIKey != ""),
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":    active,
		"providers": provider.ListProviders(),
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}
