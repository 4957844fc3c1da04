package signallog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationError marks input the caller can correct; handlers map it
// to a 400 response.
type ValidationError struct {
	msg string
}

func (e ValidationError) Error() string { return e.msg }

// Signal is an explicitly logged learning annotation. Its id sequence is
// independent of the event sequence; EventID optionally links back to an
// event.
type Signal struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context,omitempty"`
	Tags      []string       `json:"tags"`
	EventID   int64          `json:"event_id,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type Input struct {
	Type      string         `json:"type"`
	Context   map[string]any `json:"context,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	EventID   int64          `json:"event_id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

func (l *Log) Append(ctx context.Context, input Input) (Signal, error) {
	if strings.TrimSpace(input.Type) == "" {
		return Signal{}, ValidationError{msg: "type is required"}
	}

	timestamp := input.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	tags := input.Tags
	if tags == nil {
		tags = []string{}
	}

	contextJSON := ""
	if input.Context != nil {
		data, err := json.Marshal(input.Context)
		if err != nil {
			return Signal{}, fmt.Errorf("encode context: %w", err)
		}
		contextJSON = string(data)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Signal{}, fmt.Errorf("encode tags: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO signals (type, context, tags, event_id, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, input.Type, nullString(contextJSON), string(tagsJSON), nullInt64(input.EventID), timestamp)
	if err != nil {
		return Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Signal{}, fmt.Errorf("signal id: %w", err)
	}

	return Signal{
		ID:        id,
		Type:      input.Type,
		Context:   input.Context,
		Tags:      tags,
		EventID:   input.EventID,
		Timestamp: timestamp,
	}, nil
}

// List returns the most recent signals, newest first.
func (l *Log) List(ctx context.Context, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, type, context, tags, event_id, timestamp FROM signals
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	out := []Signal{}
	for rows.Next() {
		var signal Signal
		var contextStr, tagsStr sql.NullString
		var eventID sql.NullInt64
		if err := rows.Scan(&signal.ID, &signal.Type, &contextStr, &tagsStr, &eventID, &signal.Timestamp); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if contextStr.Valid {
			signal.Context = decodeJSONMap(contextStr.String)
		}
		signal.Tags = decodeStrings(tagsStr.String)
		signal.EventID = eventID.Int64
		out = append(out, signal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
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

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
