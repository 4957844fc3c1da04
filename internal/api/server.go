package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/eventstore"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/hub"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/registry"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/rules"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/signallog"
)

type Server struct {
	Events   *eventstore.Store
	Signals  *signallog.Log
	Rules    *rules.Engine
	Registry *registry.Registry
	Hub      *hub.Hub
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/query", s.handleEventQuery)
	mux.HandleFunc("/events/recent", s.handleEventRecent)
	mux.HandleFunc("/events/export", s.handleEventExport)
	mux.HandleFunc("/events/", s.handleEventItem)
	mux.HandleFunc("/signals", s.handleSignals)
	mux.HandleFunc("/signals/rules", s.handleSignalRules)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/teams", s.handleAgentTeams)
	mux.HandleFunc("/stream", s.handleStreamWS)
	mux.HandleFunc("/stream/sse", s.handleStreamSSE)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var draft eventstore.Draft
	if err := decodeJSON(r.Body, &draft); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event, err := s.Events.Ingest(r.Context(), draft)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(hub.KindEvent, event)
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleEventQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	events, err := s.Events.Query(r.Context(), filterFromQuery(r.URL.Query()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter := eventstore.Filter{Limit: parseInt(r.URL.Query().Get("limit"), 0)}
	events, err := s.Events.Query(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEventExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = eventstore.FormatJSON
	}
	if !eventstore.ValidFormat(format) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported export format %q", format))
		return
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	w.Header().Set("Content-Type", exportContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=events-%s.%s", stamp, format))

	// Rows stream directly to the response; errors past this point can
	// only truncate the body.
	_ = s.Events.Export(r.Context(), filterFromQuery(r.URL.Query()), format, w)
}

func (s *Server) handleEventItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/events/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("event"))
		return
	}
	id, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, errNotFound("event"))
		return
	}
	if len(segments) != 2 || segments[1] != "tag" {
		writeError(w, http.StatusNotFound, errNotFound("event action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var payload struct {
		Tags []string `json:"tags"`
		Note string   `json:"note"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	event, err := s.Events.Tag(r.Context(), id, payload.Tags, payload.Note)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(hub.KindEvent, event)
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 0)
		signals, err := s.Signals.List(r.Context(), limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
	case http.MethodPost:
		var input signallog.Input
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		signal, err := s.Signals.Append(r.Context(), input)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		s.publish(hub.KindSignal, signal)
		writeJSON(w, http.StatusCreated, signal)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSignalRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"rules": s.Rules.Rules()})
	case http.MethodPost:
		var payload struct {
			Rules []rules.Rule `json:"rules"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Rules.SetRules(payload.Rules); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": s.Rules.Rules()})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"agents": s.Registry.Tree()})
	case http.MethodPost:
		var entry registry.Entry
		if err := decodeJSON(r.Body, &entry); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stored, err := s.Registry.Upsert(entry)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.publish(hub.KindAgentUpdate, stored)
		writeJSON(w, http.StatusOK, stored)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgentTeams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Registry.ByTeam())
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	kinds := splitComma(r.URL.Query().Get("kinds"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Hub.Subscribe(kinds)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) publish(kind string, data any) {
	if s.Hub == nil {
		return
	}
	s.Hub.Publish(hub.Message{Type: kind, Data: data})
}

func filterFromQuery(query url.Values) eventstore.Filter {
	return eventstore.Filter{
		Type:       query.Get("type"),
		SessionID:  query.Get("session_id"),
		SourceApp:  query.Get("source_app"),
		Since:      parseInt64(query.Get("since"), 0),
		Until:      parseInt64(query.Get("until"), 0),
		Tag:        query.Get("tag"),
		SignalOnly: parseBool(query.Get("signal_only")),
		Limit:      parseInt(query.Get("limit"), 0),
		Offset:     parseInt(query.Get("offset"), 0),
	}
}

func exportContentType(format string) string {
	switch format {
	case eventstore.FormatJSONL:
		return "application/x-ndjson"
	case eventstore.FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	var eventValidation eventstore.ValidationError
	var signalValidation signallog.ValidationError
	switch {
	case errors.As(err, &eventValidation), errors.As(err, &signalValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, eventstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt64(value string, fallback int64) int64 {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
