package eventstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/eventstore"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/rules"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/state"
	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/testutil"
)

func TestIngestAssignsIncreasingIDs(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := eventstore.NewStore(db, nil)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		event, err := store.Ingest(ctx, eventstore.Draft{
			SourceApp:     "client-a",
			SessionID:     "s-1",
			HookEventType: "PreToolUse",
		})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if event.ID <= last {
			t.Fatalf("expected increasing id, got %d after %d", event.ID, last)
		}
		last = event.ID
	}

	// Deleting the newest row must not free its id for reuse.
	if _, err := db.Exec(`DELETE FROM events WHERE id = ?`, last); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	event, err := store.Ingest(ctx, eventstore.Draft{
		SourceApp:     "client-a",
		SessionID:     "s-1",
		HookEventType: "PreToolUse",
	})
	if err != nil {
		t.Fatalf("ingest after delete: %v", err)
	}
	if event.ID <= last {
		t.Fatalf("expected id beyond %d after delete, got %d", last, event.ID)
	}
}

func TestIDsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := eventstore.NewStore(db, nil)
	var last int64
	for i := 0; i < 2; i++ {
		event, err := store.Ingest(ctx, eventstore.Draft{
			SourceApp:     "client-a",
			SessionID:     "s-1",
			HookEventType: "Stop",
		})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		last = event.ID
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	reopened, err := state.Open(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer reopened.Close()
	event, err := eventstore.NewStore(reopened, nil).Ingest(ctx, eventstore.Draft{
		SourceApp:     "client-a",
		SessionID:     "s-1",
		HookEventType: "Stop",
	})
	if err != nil {
		t.Fatalf("ingest after reopen: %v", err)
	}
	if event.ID <= last {
		t.Fatalf("expected id beyond %d after reopen, got %d", last, event.ID)
	}
}

func TestIngestValidation(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := eventstore.NewStore(db, nil)
	ctx := context.Background()

	drafts := []eventstore.Draft{
		{SessionID: "s-1", HookEventType: "PreToolUse"},
		{SourceApp: "client-a", HookEventType: "PreToolUse"},
		{SourceApp: "client-a", SessionID: "s-1"},
		{SourceApp: "  ", SessionID: "s-1", HookEventType: "PreToolUse"},
	}
	for _, draft := range drafts {
		_, err := store.Ingest(ctx, draft)
		var validation eventstore.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	}
}

func TestIngestDefaults(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := eventstore.NewStore(db, nil)
	ctx := context.Background()

	before := time.Now().UnixMilli()
	event, err := store.Ingest(ctx, eventstore.Draft{
		SourceApp:     "client-a",
		SessionID:     "s-1",
		HookEventType: "PreToolUse",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	after := time.Now().UnixMilli()

	if event.Timestamp < before || event.Timestamp > after {
		t.Fatalf("expected assigned timestamp in [%d,%d], got %d", before, after, event.Timestamp)
	}
	if event.Payload == nil || len(event.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", event.Payload)
	}
	if event.Tags == nil || len(event.Tags) != 0 {
		t.Fatalf("expected empty tags, got %v", event.Tags)
	}

	stored, err := store.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Payload == nil || stored.Tags == nil {
		t.Fatalf("expected stored defaults to round-trip")
	}
	if stored.Timestamp != event.Timestamp {
		t.Fatalf("expected timestamp %d, got %d", event.Timestamp, stored.Timestamp)
	}
}

func TestTagUnionAndNotes(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := eventstore.NewStore(db, nil)
	ctx := context.Background()

	event, err := store.Ingest(ctx, eventstore.Draft{
		SourceApp:     "client-a",
		SessionID:     "s-1",
		HookEventType: "PostToolUse",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	tagged, err := store.Tag(ctx, event.ID, []string{"urgent", "urgent", " "}, "first note")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if len(tagged.Tags) != 1 || tagged.Tags[0] != "urgent" {
		t.Fatalf("expected tags [urgent], got %v", tagged.Tags)
	}
	if len(tagged.Notes) != 1 || tagged.Notes[0] != "first note" {
		t.Fatalf("expected one note, got %v", tagged.Notes)
	}

	// Re-applying a present tag is a no-op; a new one joins the set.
	tagged, err = store.Tag(ctx, event.ID, []string{"urgent", "review"}, "")
	if err != nil {
		t.Fatalf("tag again: %v", err)
	}
	if len(tagged.Tags) != 2 || tagged.Tags[0] != "urgent" || tagged.Tags[1] != "review" {
		t.Fatalf("expected tags [urgent review], got %v", tagged.Tags)
	}
	if len(tagged.Notes) != 1 {
		t.Fatalf("expected notes unchanged, got %v", tagged.Notes)
	}

	if _, err := store.Tag(ctx, event.ID+100, []string{"x"}, ""); !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := eventstore.NewStore(db, nil)
	ctx := context.Background()

	seed := []eventstore.Draft{
		{SourceApp: "client-a", SessionID: "s-1", HookEventType: "PreToolUse", Timestamp: 1000},
		{SourceApp: "client-a", SessionID: "s-2", HookEventType: "PostToolUse", Timestamp: 2000},
		{SourceApp: "client-b", SessionID: "s-1", HookEventType: "PostToolUseFailure", Timestamp: 3000},
	}
	ids := make([]int64, 0, len(seed))
	for _, draft := range seed {
		event, err := store.Ingest(ctx, draft)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		ids = append(ids, event.ID)
	}
	if _, err := store.Tag(ctx, ids[2], []string{"test_failure"}, ""); err != nil {
		t.Fatalf("tag: %v", err)
	}

	cases := []struct {
		name   string
		filter eventstore.Filter
		want   []int64
	}{
		{"all newest first", eventstore.Filter{}, []int64{ids[2], ids[1], ids[0]}},
		{"by type", eventstore.Filter{Type: "PostToolUse"}, []int64{ids[1]}},
		{"by session", eventstore.Filter{SessionID: "s-1"}, []int64{ids[2], ids[0]}},
		{"by source app", eventstore.Filter{SourceApp: "client-a"}, []int64{ids[1], ids[0]}},
		{"since", eventstore.Filter{Since: 2000}, []int64{ids[2], ids[1]}},
		{"until", eventstore.Filter{Until: 2000}, []int64{ids[1], ids[0]}},
		{"window", eventstore.Filter{Since: 1500, Until: 2500}, []int64{ids[1]}},
		{"by tag", eventstore.Filter{Tag: "test_failure"}, []int64{ids[2]}},
		{"signal only", eventstore.Filter{SignalOnly: true}, []int64{ids[2]}},
		{"combined", eventstore.Filter{SessionID: "s-1", Since: 2000}, []int64{ids[2]}},
	}
	for _, tc := range cases {
		events, err := store.Query(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: query: %v", tc.name, err)
		}
		got := make([]int64, 0, len(events))
		for _, event := range events {
			got = append(got, event.ID)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected ids %v, got %v", tc.name, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: expected ids %v, got %v", tc.name, tc.want, got)
			}
		}
	}
}

func TestQueryPagination(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := eventstore.NewStore(db, nil)
	ctx := context.Background()

	total := 5
	for i := 0; i < total; i++ {
		if _, err := store.Ingest(ctx, eventstore.Draft{
			SourceApp:     "client-a",
			SessionID:     "s-1",
			HookEventType: "PreToolUse",
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	seen := map[int64]bool{}
	var previous int64
	for offset := 0; offset < total; offset += 2 {
		page, err := store.Query(ctx, eventstore.Filter{Limit: 2, Offset: offset})
		if err != nil {
			t.Fatalf("query page at %d: %v", offset, err)
		}
		for _, event := range page {
			if seen[event.ID] {
				t.Fatalf("event %d appeared on two pages", event.ID)
			}
			seen[event.ID] = true
			if previous != 0 && event.ID >= previous {
				t.Fatalf("expected descending ids across pages")
			}
			previous = event.ID
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d events across pages, got %d", total, len(seen))
	}
}

func TestIngestAppliesRuleTags(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	engine := rules.NewEngine()
	err := engine.SetRules([]rules.Rule{{
		Name:          "test failures",
		HookEventType: "PostToolUseFailure",
		PayloadMatch:  "pytest|jest|vitest",
		AutoTag:       []string{"learning_signal", "test_failure"},
	}})
	if err != nil {
		t.Fatalf("set rules: %v", err)
	}
	store := eventstore.NewStore(db, engine)
	ctx := context.Background()

	miss, err := store.Ingest(ctx, eventstore.Draft{
		SourceApp:     "client-a",
		SessionID:     "s-1",
		HookEventType: "PreToolUse",
		Payload:       map[string]any{"command": "pytest tests/"},
	})
	if err != nil {
		t.Fatalf("ingest miss: %v", err)
	}
	if len(miss.Tags) != 0 {
		t.Fatalf("expected no tags for non-matching type, got %v", miss.Tags)
	}

	hit, err := store.Ingest(ctx, eventstore.Draft{
		SourceApp:     "client-a",
		SessionID:     "s-1",
		HookEventType: "PostToolUseFailure",
		Payload:       map[string]any{"command": "pytest tests/"},
	})
	if err != nil {
		t.Fatalf("ingest hit: %v", err)
	}
	if len(hit.Tags) != 2 || hit.Tags[0] != "learning_signal" || hit.Tags[1] != "test_failure" {
		t.Fatalf("expected rule tags in ingest response, got %v", hit.Tags)
	}

	tagged, err := store.Query(ctx, eventstore.Filter{Tag: "test_failure"})
	if err != nil {
		t.Fatalf("query by tag: %v", err)
	}
	if len(tagged) != 1 || tagged[0].ID != hit.ID {
		t.Fatalf("expected only the failing event, got %v", tagged)
	}
}
