package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("event not found")

// ValidationError marks input the caller can correct; handlers map it
// to a 400 response.
type ValidationError struct {
	msg string
}

func (e ValidationError) Error() string { return e.msg }

func errRequired(field string) error {
	return ValidationError{msg: field + " is required"}
}

// Tagger derives tags for an event before it is persisted. The rule
// engine implements it; a nil Tagger applies no tags.
type Tagger interface {
	Evaluate(hookEventType string, payload map[string]any) []string
}

type Store struct {
	db     *sql.DB
	tagger Tagger
}

func NewStore(db *sql.DB, tagger Tagger) *Store {
	return &Store{db: db, tagger: tagger}
}

type Event struct {
	ID            int64          `json:"id"`
	SourceApp     string         `json:"source_app"`
	SessionID     string         `json:"session_id"`
	HookEventType string         `json:"hook_event_type"`
	Payload       map[string]any `json:"payload"`
	Chat          []any          `json:"chat,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Tags          []string       `json:"tags"`
	Notes         []string       `json:"notes,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

// Draft is the caller-supplied portion of an event. Timestamp is epoch
// milliseconds; zero means "assign at ingest".
type Draft struct {
	SourceApp     string         `json:"source_app"`
	SessionID     string         `json:"session_id"`
	HookEventType string         `json:"hook_event_type"`
	Payload       map[string]any `json:"payload"`
	Chat          []any          `json:"chat,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
}

// Ingest validates the draft, derives tags, and durably inserts the
// event. The returned event already carries the derived tags, so callers
// never observe a window where a stored event is missing them.
func (s *Store) Ingest(ctx context.Context, draft Draft) (Event, error) {
	if strings.TrimSpace(draft.SourceApp) == "" {
		return Event{}, errRequired("source_app")
	}
	if strings.TrimSpace(draft.SessionID) == "" {
		return Event{}, errRequired("session_id")
	}
	if strings.TrimSpace(draft.HookEventType) == "" {
		return Event{}, errRequired("hook_event_type")
	}

	timestamp := draft.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	payload := draft.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	tags := []string{}
	if s.tagger != nil {
		tags = append(tags, s.tagger.Evaluate(draft.HookEventType, payload)...)
	}

	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}
	chatJSON := ""
	if draft.Chat != nil {
		chatJSON, err = encodeJSON(draft.Chat)
		if err != nil {
			return Event{}, fmt.Errorf("encode chat: %w", err)
		}
	}
	tagsJSON, err := encodeJSON(tags)
	if err != nil {
		return Event{}, fmt.Errorf("encode tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (source_app, session_id, hook_event_type, payload, chat, summary, tags, notes, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, draft.SourceApp, draft.SessionID, draft.HookEventType, payloadJSON, nullString(chatJSON), nullString(draft.Summary), tagsJSON, "[]", timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("event id: %w", err)
	}

	return Event{
		ID:            id,
		SourceApp:     draft.SourceApp,
		SessionID:     draft.SessionID,
		HookEventType: draft.HookEventType,
		Payload:       payload,
		Chat:          draft.Chat,
		Summary:       draft.Summary,
		Tags:          tags,
		Timestamp:     timestamp,
	}, nil
}

// Tag unions the given tags into the event's tag set and appends note (if
// non-empty) to its notes. Re-applying a present tag is a no-op. The
// read-modify-write runs in one transaction, begun immediate (state.Open),
// so concurrent taggers queue on the write lock and never lose each
// other's tags.
func (s *Store) Tag(ctx context.Context, id int64, tags []string, note string) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("begin tag tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var tagsStr, notesStr string
	err = tx.QueryRowContext(ctx, `SELECT tags, notes FROM events WHERE id = ?`, id).Scan(&tagsStr, &notesStr)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("load event tags: %w", err)
	}

	current := decodeStrings(tagsStr)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || containsString(current, tag) {
			continue
		}
		current = append(current, tag)
	}
	notes := decodeStrings(notesStr)
	if note != "" {
		notes = append(notes, note)
	}

	updatedTags, err := encodeJSON(current)
	if err != nil {
		return Event{}, fmt.Errorf("encode tags: %w", err)
	}
	updatedNotes, err := encodeJSON(notes)
	if err != nil {
		return Event{}, fmt.Errorf("encode notes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET tags = ?, notes = ? WHERE id = ?`, updatedTags, updatedNotes, id); err != nil {
		return Event{}, fmt.Errorf("update event tags: %w", err)
	}

	event, err := getEvent(ctx, tx, id)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("commit tag: %w", err)
	}
	return event, nil
}

// Get returns a single event by id.
func (s *Store) Get(ctx context.Context, id int64) (Event, error) {
	return getEvent(ctx, s.db, id)
}

// Filter selects events. Zero values mean "not applied". Since/Until are
// inclusive epoch-millisecond bounds.
type Filter struct {
	Type       string
	SessionID  string
	SourceApp  string
	Since      int64
	Until      int64
	Tag        string
	SignalOnly bool
	Limit      int
	Offset     int
}

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Query returns matching events, newest first by id.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildWhere(filter)
	query := selectColumns + " FROM events" + where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

const selectColumns = "SELECT id, source_app, session_id, hook_event_type, payload, chat, summary, tags, notes, timestamp"

func buildWhere(filter Filter) (string, []any) {
	var conditions []string
	var args []any

	if filter.Type != "" {
		conditions = append(conditions, "hook_event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.SourceApp != "" {
		conditions = append(conditions, "source_app = ?")
		args = append(args, filter.SourceApp)
	}
	if filter.Since != 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if filter.Until != 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filter.Until)
	}
	if filter.Tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(events.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	if filter.SignalOnly {
		conditions = append(conditions, "json_array_length(tags) > 0")
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var event Event
	var payloadStr string
	var chatStr, summaryStr sql.NullString
	var tagsStr, notesStr string
	if err := row.Scan(&event.ID, &event.SourceApp, &event.SessionID, &event.HookEventType, &payloadStr, &chatStr, &summaryStr, &tagsStr, &notesStr, &event.Timestamp); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	event.Payload = decodeJSONMap(payloadStr)
	if chatStr.Valid {
		event.Chat = decodeJSONList(chatStr.String)
	}
	event.Summary = summaryStr.String
	event.Tags = decodeStrings(tagsStr)
	event.Notes = decodeStrings(notesStr)
	return event, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEvent(ctx context.Context, q querier, id int64) (Event, error) {
	row := q.QueryRowContext(ctx, selectColumns+" FROM events WHERE id = ?", id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func decodeJSONList(v string) []any {
	if v == "" {
		return nil
	}
	var out []any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func decodeStrings(v string) []string {
	out := []string{}
	if v == "" {
		return out
	}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return []string{}
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
