// Package registry persists the set of known profile streams as a single
// JSON document. Writes go through a temp file and rename so readers
// never observe a torn document.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/helmd/helmd/internal/supervisor"
)

// Entry records one profile stream and, when launched locally, the pid
// and workflow backing it.
type Entry struct {
	ProfileID  string    `json:"profile_id"`
	PID        int       `json:"pid,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry is a file-backed profile-stream table. All methods are safe
// for concurrent use within one process; cross-process writers rely on
// the atomic rename.
type Registry struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

func Open(path string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{path: path, log: log}
}

func (r *Registry) load() (map[string]Entry, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", r.path, err)
	}
	entries := map[string]Entry{}
	if len(b) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	return entries, nil
}

func (r *Registry) save(entries map[string]Entry) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry dir %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("registry temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(append(b, '\n'))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(name)
		if werr != nil {
			return fmt.Errorf("registry write: %w", werr)
		}
		return fmt.Errorf("registry close: %w", cerr)
	}
	if err := os.Rename(name, r.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("registry rename: %w", err)
	}
	return nil
}

// Put inserts or replaces the entry for its profile id. StartedAt is
// preserved across updates of an existing entry.
func (r *Registry) Put(e Entry) error {
	if e.ProfileID == "" {
		return fmt.Errorf("registry put: empty profile id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if prev, ok := entries[e.ProfileID]; ok && !prev.StartedAt.IsZero() && e.StartedAt.IsZero() {
		e.StartedAt = prev.StartedAt
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.UpdatedAt = now
	entries[e.ProfileID] = e
	return r.save(entries)
}

// Get looks up one profile.
func (r *Registry) Get(profileID string) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[profileID]
	return e, ok, nil
}

// Remove deletes a profile, tolerating absence.
func (r *Registry) Remove(profileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := entries[profileID]; !ok {
		return nil
	}
	delete(entries, profileID)
	return r.save(entries)
}

// List returns all entries ordered by profile id.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out, nil
}

// Active filters the table down to entries whose pid still exists.
func (r *Registry) Active(ctx context.Context, insp supervisor.Inspector) ([]Entry, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.PID <= 0 {
			continue
		}
		running, err := insp.Running(ctx, int32(e.PID))
		if err == nil && running {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune drops entries whose pid is gone and reports how many it removed.
func (r *Registry) Prune(ctx context.Context, insp supervisor.Inspector) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, e := range entries {
		if e.PID <= 0 {
			continue
		}
		running, err := insp.Running(ctx, int32(e.PID))
		if err != nil || running {
			continue
		}
		delete(entries, id)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := r.save(entries); err != nil {
		return 0, err
	}
	r.log.Info("pruned dead registry entries", "count", removed)
	return removed, nil
}
