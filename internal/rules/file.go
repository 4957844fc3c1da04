package rules

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// ruleFile mirrors the observability config shape hook integrations
// already write: {"auto_detect": {"rules": [...]}}.
type ruleFile struct {
	AutoDetect struct {
		Rules []Rule `json:"rules"`
	} `json:"auto_detect"`
}

// LoadFile reads the rule list from an observability config file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var parsed ruleFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return parsed.AutoDetect.Rules, nil
}

// Watcher hot-reloads a rules file into an engine. A failed reload keeps
// the previous rule set active.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch applies the file to the engine (a missing file just means no
// rules are configured yet) and reloads on every change. It watches the
// file's directory rather than the file itself, since config writers
// replace the file and a file-level watch would be dropped.
func Watch(path string, engine *Engine) (*Watcher, error) {
	if _, err := os.Stat(path); err == nil {
		reload(path, engine)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fsw, done: make(chan struct{})}
	go w.run(path, engine)
	return w, nil
}

// Close stops watching and waits for the reload loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run(path string, engine *Engine) {
	defer close(w.done)

	base := filepath.Base(path)
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			// Debounce bursts: editors fire several events per save.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			reload(path, engine)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("rules watcher: %v", err)
		}
	}
}

func reload(path string, engine *Engine) {
	rules, err := LoadFile(path)
	if err != nil {
		log.Printf("rules reload: %v (keeping previous rules)", err)
		return
	}
	if err := engine.SetRules(rules); err != nil {
		log.Printf("rules reload: %v (keeping previous rules)", err)
		return
	}
	log.Printf("rules reloaded from %s (%d active)", path, len(rules))
}
