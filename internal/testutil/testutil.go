package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/state"
)

// OpenTestDB opens a fresh observability database under a per-test temp
// dir, with the full schema applied. The returned func closes it.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "observability.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}
