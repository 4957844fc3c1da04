package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultLifecycleStatus is reported for agents that never declared one.
// Lifecycle status is an open string, not a closed enum.
const DefaultLifecycleStatus = "active"

// Entry is the materialized current state of one agent. Children are
// never stored; they are always derived from the full entry set.
type Entry struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name,omitempty"`
	ParentID        string `json:"parent_id,omitempty"`
	TeamName        string `json:"team_name,omitempty"`
	LifecycleStatus string `json:"lifecycle_status,omitempty"`
}

// Node is one entry in the derived hierarchy view.
type Node struct {
	Entry
	Children []*Node `json:"children"`
}

// TeamView groups parentless entries by team, with teamless ones listed
// as standalone.
type TeamView struct {
	Teams      map[string][]Entry `json:"teams"`
	Standalone []Entry            `json:"standalone"`
}

// Registry holds one entry per agent id. Updates arrive as a stream of
// partial records; views are pure computations over a snapshot of the
// map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Upsert merges the update into the stored entry for its id, creating it
// if absent. Fields the update leaves empty keep their stored value, so
// a status-only update cannot erase a previously reported parent or
// team. Returns the entry after the merge.
func (r *Registry) Upsert(update Entry) (Entry, error) {
	if strings.TrimSpace(update.ID) == "" {
		return Entry{}, fmt.Errorf("id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.entries[update.ID]
	current.ID = update.ID
	if update.DisplayName != "" {
		current.DisplayName = update.DisplayName
	}
	if update.ParentID != "" {
		current.ParentID = update.ParentID
	}
	if update.TeamName != "" {
		current.TeamName = update.TeamName
	}
	if update.LifecycleStatus != "" {
		current.LifecycleStatus = update.LifecycleStatus
	}
	r.entries[update.ID] = current
	return current, nil
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns a flat snapshot sorted by id.
func (r *Registry) Entries() []Entry {
	entries := r.snapshot()
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry)
	}
	sortEntries(out)
	return out
}

// Tree builds the hierarchy from the flat entry set. An entry is a root
// when it has no parent, its parent id does not resolve, or its parent
// chain never reaches a root within the entry-count bound (a cycle).
// Every other entry is attached exactly once to its direct parent.
// Roots and children are sorted by id so the output is deterministic.
func (r *Registry) Tree() []*Node {
	entries := r.snapshot()

	nodes := make(map[string]*Node, len(entries))
	for id, entry := range entries {
		nodes[id] = &Node{Entry: entry, Children: []*Node{}}
	}

	roots := []*Node{}
	for id, entry := range entries {
		if isRoot(entries, entry) {
			roots = append(roots, nodes[id])
			continue
		}
		parent := nodes[entry.ParentID]
		parent.Children = append(parent.Children, nodes[id])
	}

	sortNodes(roots)
	for _, node := range nodes {
		sortNodes(node.Children)
	}
	return roots
}

// isRoot reports whether the entry should sit at the root level. The
// upward walk is bounded by the entry count: a chain that has not
// terminated by then is cyclic, and its members degrade to roots rather
// than looping forever.
func isRoot(entries map[string]Entry, entry Entry) bool {
	if entry.ParentID == "" {
		return true
	}
	parent, ok := entries[entry.ParentID]
	if !ok {
		return true
	}
	current := parent
	for steps := 0; steps < len(entries); steps++ {
		if current.ParentID == "" {
			return false
		}
		next, ok := entries[current.ParentID]
		if !ok {
			return false
		}
		current = next
	}
	return true
}

// ByTeam groups parentless entries by team name; parentless entries with
// no team go to the standalone list. Child entries appear only in the
// tree view.
func (r *Registry) ByTeam() TeamView {
	entries := r.snapshot()
	view := TeamView{Teams: map[string][]Entry{}, Standalone: []Entry{}}
	for _, entry := range entries {
		if entry.ParentID != "" {
			continue
		}
		if entry.TeamName != "" {
			view.Teams[entry.TeamName] = append(view.Teams[entry.TeamName], entry)
		} else {
			view.Standalone = append(view.Standalone, entry)
		}
	}
	for name := range view.Teams {
		sortEntries(view.Teams[name])
	}
	sortEntries(view.Standalone)
	return view
}

// DisplayName returns the stored display name, falling back to the id
// itself for unknown agents or entries that never set one.
func (r *Registry) DisplayName(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[id]; ok && entry.DisplayName != "" {
		return entry.DisplayName
	}
	return id
}

// LifecycleStatus returns the stored status, falling back to the
// default for unknown agents or entries that never set one.
func (r *Registry) LifecycleStatus(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[id]; ok && entry.LifecycleStatus != "" {
		return entry.LifecycleStatus
	}
	return DefaultLifecycleStatus
}

func (r *Registry) snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for id, entry := range r.entries {
		out[id] = entry
	}
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
