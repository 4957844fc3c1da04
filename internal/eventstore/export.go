package eventstore

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export formats.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

func ValidFormat(format string) bool {
	return format == FormatJSON || format == FormatJSONL || format == FormatCSV
}

// Export streams matching events to w in the given format, newest first.
// Rows are serialized one at a time, so memory stays bounded regardless
// of how many events match. Unlike Query, no default limit applies: an
// export equals the full filtered set unless the filter carries an
// explicit limit. The context stops iteration when the caller goes away.
func (s *Store) Export(ctx context.Context, filter Filter, format string, w io.Writer) error {
	if !ValidFormat(format) {
		return ValidationError{msg: fmt.Sprintf("unsupported export format %q", format)}
	}

	where, args := buildWhere(filter)
	query := selectColumns + " FROM events" + where + " ORDER BY id DESC"
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	switch {
	case filter.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, offset)
	case offset > 0:
		// OFFSET needs a LIMIT clause to hang off; -1 leaves the set
		// unbounded.
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("export events: %w", err)
	}
	defer rows.Close()

	var csvWriter *csv.Writer
	if format == FormatCSV {
		csvWriter = csv.NewWriter(w)
		if err := csvWriter.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if format == FormatJSON {
		if _, err := io.WriteString(w, "["); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
	}

	first := true
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, err := scanEvent(rows)
		if err != nil {
			return err
		}

		switch format {
		case FormatJSON:
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
			}
			data, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", event.ID, err)
			}
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
		case FormatJSONL:
			data, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", event.ID, err)
			}
			data = append(data, '\n')
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
		case FormatCSV:
			record, err := csvRecord(event)
			if err != nil {
				return err
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
		first = false
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate export: %w", err)
	}

	switch format {
	case FormatJSON:
		if _, err := io.WriteString(w, "]\n"); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
	case FormatCSV:
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{"id", "source_app", "session_id", "hook_event_type", "payload", "chat", "summary", "tags", "notes", "timestamp"}

// csvRecord renders one event as a CSV row. Structured fields (payload,
// chat, tags, notes) become single JSON-encoded cells.
func csvRecord(event Event) ([]string, error) {
	payload, err := encodeJSON(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode event %d payload: %w", event.ID, err)
	}
	chat := ""
	if event.Chat != nil {
		chat, err = encodeJSON(event.Chat)
		if err != nil {
			return nil, fmt.Errorf("encode event %d chat: %w", event.ID, err)
		}
	}
	tags, err := encodeJSON(event.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode event %d tags: %w", event.ID, err)
	}
	notes, err := encodeJSON(event.Notes)
	if err != nil {
		return nil, fmt.Errorf("encode event %d notes: %w", event.ID, err)
	}
	return []string{
		strconv.FormatInt(event.ID, 10),
		event.SourceApp,
		event.SessionID,
		event.HookEventType,
		payload,
		chat,
		event.Summary,
		tags,
		notes,
		strconv.FormatInt(event.Timestamp, 10),
	}, nil
}
