// Package docsync keeps the admin session's working copy of the content
// document in step with the last-saved baseline and persists the difference.
package docsync

import (
	"sort"
	"sync"

	"sitecms/api/internal/document"
)

// Updater derives a new section value from the current one. Returning nil
// clears the section; it is never removed from the document.
type Updater func(current any) any

// Engine owns the baseline and working snapshots for one admin session.
type Engine struct {
	mu       sync.Mutex
	baseline document.Snapshot
	working  document.Snapshot
	// stale holds the pushed value that diverged from a dirty section.
	stale map[string]any
	// writes holds section values written by a save round that has not
	// committed them.
	writes map[string]any
}

func NewEngine() *Engine {
	return &Engine{
		baseline: document.Normalize(nil),
		working:  document.Normalize(nil),
		stale:    make(map[string]any),
		writes:   make(map[string]any),
	}
}

// Initialize replaces both snapshots with a normalized copy of remote.
func (e *Engine) Initialize(remote document.Snapshot) {
	normalized := document.Normalize(document.Clone(remote))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline = normalized
	e.working = document.Clone(normalized)
	e.stale = make(map[string]any)
	e.writes = make(map[string]any)
}

// Mutate applies updater to a copy of the working value of key.
func (e *Engine) Mutate(key string, updater Updater) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, _ := e.working.Lookup(key)
	var next any
	if updater != nil {
		next = updater(document.CloneValue(current))
	}
	e.working[key] = next
}

// DirtySections returns the sorted keys whose working value differs from
// the baseline.
func (e *Engine) DirtySections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirtyLocked()
}

func (e *Engine) IsDirty() bool {
	return len(e.DirtySections()) > 0
}

// Reset discards every unsaved edit.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.working = document.Clone(e.baseline)
	e.stale = make(map[string]any)
	e.writes = make(map[string]any)
}

// Commit advances the baseline of exactly keys to their working values.
func (e *Engine) Commit(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		e.commitLocked(key, e.working)
	}
}

// Capture copies the working values of keys, as they are about to be written.
func (e *Engine) Capture(keys []string) document.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	captured := make(document.Snapshot, len(keys))
	for _, key := range keys {
		if value, ok := e.working.Lookup(key); ok {
			captured[key] = document.CloneValue(value)
		} else {
			captured[key] = nil
		}
	}
	return captured
}

// BeginWrites records the values a save round is about to write. Until the
// round commits them, a push carrying one of these values is the store
// echoing the write and does not move the baseline.
func (e *Engine) BeginWrites(captured document.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, value := range captured {
		e.writes[key] = document.CloneValue(value)
	}
}

// CommitSnapshot advances the baseline to the values that were persisted.
// Edits made to working after the values were captured stay dirty.
func (e *Engine) CommitSnapshot(saved document.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range saved {
		e.commitLocked(key, saved)
	}
}

// ApplyRemote reconciles an out-of-band push for one section. Clean sections
// adopt the pushed value. A push matching the working value only moves the
// baseline. A diverged dirty section is left alone and marked stale.
// Echoes of uncommitted writes and of the baseline are ignored.
// It returns true when working changed.
func (e *Engine) ApplyRemote(key string, value any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if written, ok := e.writes[key]; ok && document.DeepEqual(written, value) {
		delete(e.writes, key)
		return false
	}

	if document.SectionEqual(e.baseline, e.working, key) {
		adopted := normalizeSection(key, value)
		if current, ok := e.baseline.Lookup(key); ok && document.DeepEqual(current, adopted) {
			return false
		}
		e.baseline[key] = adopted
		e.working[key] = document.CloneValue(adopted)
		delete(e.stale, key)
		return true
	}

	if current, ok := e.working.Lookup(key); ok && document.DeepEqual(current, value) {
		e.baseline[key] = document.CloneValue(value)
		delete(e.stale, key)
		return false
	}

	if current, ok := e.baseline.Lookup(key); ok && document.DeepEqual(current, value) {
		return false
	}

	e.stale[key] = document.CloneValue(value)
	return false
}

// ApplyPersisted patches one leaf below key in both snapshots, for writes
// that went straight to the remote store. The dirty set is not affected.
// A stale mark raised by the echo of that write is cleared.
func (e *Engine) ApplyPersisted(key string, path []string, value any, remove bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, snapshot := range []document.Snapshot{e.baseline, e.working} {
		current, _ := snapshot.Lookup(key)
		var (
			updated any
			err     error
		)
		if remove {
			updated, err = document.RemovePath(current, path)
		} else {
			updated, err = document.SetPath(current, path, document.CloneValue(value))
		}
		if err != nil {
			return err
		}
		snapshot[key] = updated
	}
	if pushed, ok := e.stale[key]; ok {
		if current, _ := e.baseline.Lookup(key); document.DeepEqual(current, pushed) {
			delete(e.stale, key)
		}
	}
	return nil
}

// StaleSections lists dirty sections whose remote value changed underneath
// the session since they were last loaded or saved.
func (e *Engine) StaleSections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.stale))
	for key := range e.stale {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) Working() document.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return document.Clone(e.working)
}

func (e *Engine) Baseline() document.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return document.Clone(e.baseline)
}

// Section returns a copy of the working value of key.
func (e *Engine) Section(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	value, ok := e.working.Lookup(key)
	return document.CloneValue(value), ok
}

func (e *Engine) dirtyLocked() []string {
	keys := make(map[string]struct{}, len(e.working))
	for key := range e.working {
		keys[key] = struct{}{}
	}
	for key := range e.baseline {
		keys[key] = struct{}{}
	}
	dirty := make([]string, 0)
	for key := range keys {
		if !document.SectionEqual(e.baseline, e.working, key) {
			dirty = append(dirty, key)
		}
	}
	sort.Strings(dirty)
	return dirty
}

func (e *Engine) commitLocked(key string, source document.Snapshot) {
	value, ok := source.Lookup(key)
	if !ok {
		delete(e.baseline, key)
	} else {
		e.baseline[key] = document.CloneValue(value)
	}
	delete(e.stale, key)
	delete(e.writes, key)
}

func normalizeSection(key string, value any) any {
	if value != nil {
		return document.CloneValue(value)
	}
	return document.DefaultFor(key)
}
