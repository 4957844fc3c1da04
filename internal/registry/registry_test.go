package registry

import (
	"testing"
)

func mustUpsert(t *testing.T, r *Registry, entry Entry) Entry {
	t.Helper()
	stored, err := r.Upsert(entry)
	if err != nil {
		t.Fatalf("upsert %q: %v", entry.ID, err)
	}
	return stored
}

func TestUpsertMergesPartialUpdates(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Upsert(Entry{DisplayName: "nameless"}); err == nil {
		t.Fatalf("expected error for missing id")
	}

	mustUpsert(t, r, Entry{ID: "worker-1", DisplayName: "Worker One", TeamName: "builders"})
	stored := mustUpsert(t, r, Entry{ID: "worker-1", LifecycleStatus: "completed"})

	if stored.DisplayName != "Worker One" || stored.TeamName != "builders" {
		t.Fatalf("expected earlier fields retained, got %+v", stored)
	}
	if stored.LifecycleStatus != "completed" {
		t.Fatalf("expected status updated, got %+v", stored)
	}
	if r.Len() != 1 {
		t.Fatalf("expected single entry, got %d", r.Len())
	}
}

func TestTreeBuildsHierarchy(t *testing.T) {
	r := NewRegistry()
	mustUpsert(t, r, Entry{ID: "orchestrator"})
	mustUpsert(t, r, Entry{ID: "planner", ParentID: "orchestrator"})
	mustUpsert(t, r, Entry{ID: "coder", ParentID: "planner"})
	mustUpsert(t, r, Entry{ID: "reviewer", ParentID: "orchestrator"})

	roots := r.Tree()
	if len(roots) != 1 || roots[0].ID != "orchestrator" {
		t.Fatalf("expected single root, got %v", roots)
	}
	children := roots[0].Children
	if len(children) != 2 || children[0].ID != "planner" || children[1].ID != "reviewer" {
		t.Fatalf("expected sorted children, got %v", children)
	}
	if len(children[0].Children) != 1 || children[0].Children[0].ID != "coder" {
		t.Fatalf("expected coder under planner, got %v", children[0].Children)
	}
	if len(children[0].Children[0].Children) != 0 {
		t.Fatalf("expected leaf children to be empty, not nil")
	}
}

func TestTreeSelfCycle(t *testing.T) {
	r := NewRegistry()
	mustUpsert(t, r, Entry{ID: "loop", ParentID: "loop"})
	mustUpsert(t, r, Entry{ID: "solo"})

	roots := r.Tree()
	if len(roots) != 2 || roots[0].ID != "loop" || roots[1].ID != "solo" {
		t.Fatalf("expected cycle member at root level, got %v", roots)
	}
}

func TestTreeLongCycle(t *testing.T) {
	r := NewRegistry()
	mustUpsert(t, r, Entry{ID: "a", ParentID: "c"})
	mustUpsert(t, r, Entry{ID: "b", ParentID: "a"})
	mustUpsert(t, r, Entry{ID: "c", ParentID: "b"})

	roots := r.Tree()
	if len(roots) != 3 {
		t.Fatalf("expected all cycle members at root level, got %v", roots)
	}
	for _, root := range roots {
		if len(root.Children) != 0 {
			t.Fatalf("expected no attachment inside a cycle, got %v", root.Children)
		}
	}
}

func TestTreeMissingParent(t *testing.T) {
	r := NewRegistry()
	mustUpsert(t, r, Entry{ID: "orphan", ParentID: "gone"})

	roots := r.Tree()
	if len(roots) != 1 || roots[0].ID != "orphan" {
		t.Fatalf("expected orphan promoted to root, got %v", roots)
	}
}

func TestByTeamGroupsRoots(t *testing.T) {
	r := NewRegistry()
	mustUpsert(t, r, Entry{ID: "orchestrator", TeamName: "builders"})
	mustUpsert(t, r, Entry{ID: "analyst", TeamName: "builders"})
	mustUpsert(t, r, Entry{ID: "drifter"})
	mustUpsert(t, r, Entry{ID: "worker-1", ParentID: "orchestrator", TeamName: "builders"})

	view := r.ByTeam()
	builders := view.Teams["builders"]
	if len(builders) != 2 || builders[0].ID != "analyst" || builders[1].ID != "orchestrator" {
		t.Fatalf("expected root team members sorted, got %v", builders)
	}
	if len(view.Standalone) != 1 || view.Standalone[0].ID != "drifter" {
		t.Fatalf("expected drifter standalone, got %v", view.Standalone)
	}

	flat := r.Entries()
	if len(flat) != 4 || flat[0].ID != "analyst" || flat[3].ID != "worker-1" {
		t.Fatalf("expected flat snapshot sorted by id, got %v", flat)
	}
}

func TestDisplayNameAndStatusDefaults(t *testing.T) {
	r := NewRegistry()
	mustUpsert(t, r, Entry{ID: "named", DisplayName: "The Agent", LifecycleStatus: "paused"})
	mustUpsert(t, r, Entry{ID: "bare"})

	if got := r.DisplayName("named"); got != "The Agent" {
		t.Fatalf("expected stored display name, got %q", got)
	}
	if got := r.DisplayName("bare"); got != "bare" {
		t.Fatalf("expected id fallback, got %q", got)
	}
	if got := r.DisplayName("unknown"); got != "unknown" {
		t.Fatalf("expected id fallback for unknown agent, got %q", got)
	}
	if got := r.LifecycleStatus("named"); got != "paused" {
		t.Fatalf("expected stored status, got %q", got)
	}
	if got := r.LifecycleStatus("unknown"); got != DefaultLifecycleStatus {
		t.Fatalf("expected default status, got %q", got)
	}
}
