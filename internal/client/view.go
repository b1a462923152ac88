// Package client is the caller side of the scan API: a local view of the
// user's scans that changes immediately and is reconciled with the server.
package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type Job struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	PickedAt   *time.Time `json:"picked_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Scan struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	ContentType  string          `json:"content_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Job          *Job            `json:"job,omitempty"`
}

// View caches scans by id. It is safe for concurrent use.
type View struct {
	mu    sync.RWMutex
	scans map[string]Scan
}

func NewView() *View {
	return &View{scans: map[string]Scan{}}
}

func (v *View) Get(id string) (Scan, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.scans[id]
	return s, ok
}

// List returns the cached scans, newest first.
func (v *View) List() []Scan {
	v.mu.RLock()
	out := make([]Scan, 0, len(v.scans))
	for _, s := range v.scans {
		out = append(out, s)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Update applies fn to the cached scan, if present. Local edits keep the
// version they started from so the next server row replaces them.
func (v *View) Update(id string, fn func(*Scan)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.scans[id]; ok {
		fn(&s)
		v.scans[id] = s
	}
}

func (v *View) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.scans, id)
}

// Restore puts back a snapshot unless the server already sent something newer.
func (v *View) Restore(snapshot Scan) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.scans[snapshot.ID]; ok && cur.Version > snapshot.Version {
		return
	}
	v.scans[snapshot.ID] = snapshot
}

// Merge accepts each server row whose version is at least the cached one.
// Older rows are stale responses and are dropped.
func (v *View) Merge(scans ...Scan) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range scans {
		if cur, ok := v.scans[s.ID]; ok && s.Version < cur.Version {
			continue
		}
		v.scans[s.ID] = s
	}
}

// Sync merges a full listing and forgets cached scans the server no longer returns.
func (v *View) Sync(scans []Scan) {
	keep := make(map[string]bool, len(scans))
	for _, s := range scans {
		keep[s.ID] = true
	}
	v.Merge(scans...)
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.scans {
		if !keep[id] {
			delete(v.scans, id)
		}
	}
}
