package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRulesFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observability.json")
	writeRulesFile(t, path, `{
		"auto_detect": {
			"rules": [
				{
					"name": "test failures",
					"hook_event_type": "PostToolUseFailure",
					"payload_match": "pytest|jest|vitest",
					"auto_tag": ["learning_signal", "test_failure"]
				}
			]
		}
	}`)

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(loaded))
	}
	rule := loaded[0]
	if rule.Name != "test failures" || rule.HookEventType != "PostToolUseFailure" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if len(rule.AutoTag) != 2 {
		t.Fatalf("unexpected auto tags: %v", rule.AutoTag)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observability.json")
	writeRulesFile(t, path, `{"auto_detect":{"rules":[{"name":"first","hook_event_type":"any","payload_match":"a","auto_tag":["one"]}]}}`)

	engine := NewEngine()
	watcher, err := Watch(path, engine)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watcher.Close()

	if active := engine.Rules(); len(active) != 1 || active[0].Name != "first" {
		t.Fatalf("expected initial load, got %v", active)
	}

	writeRulesFile(t, path, `{"auto_detect":{"rules":[{"name":"first","hook_event_type":"any","payload_match":"a","auto_tag":["one"]},{"name":"second","hook_event_type":"any","payload_match":"b","auto_tag":["two"]}]}}`)

	deadline := time.After(2 * time.Second)
	for {
		if len(engine.Rules()) == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for rules reload")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWatchKeepsRulesOnBadUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observability.json")
	writeRulesFile(t, path, `{"auto_detect":{"rules":[{"name":"first","hook_event_type":"any","payload_match":"a","auto_tag":["one"]}]}}`)

	engine := NewEngine()
	watcher, err := Watch(path, engine)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watcher.Close()

	writeRulesFile(t, path, `{not valid json`)

	// Give the debounced reload time to run, then confirm the previous
	// set survived.
	deadline := time.After(500 * time.Millisecond)
	for {
		active := engine.Rules()
		if len(active) != 1 || active[0].Name != "first" {
			t.Fatalf("expected previous rules retained, got %v", active)
		}
		select {
		case <-deadline:
			return
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}
