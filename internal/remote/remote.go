// Package remote is the boundary to the shared real-time content store.
package remote

import (
	"context"
	"errors"
	"strings"

	"sitecms/api/internal/document"
)

// ErrNotFound is returned by Delete backends that report missing paths.
var ErrNotFound = errors.New("remote: path not found")

// Store is a key-addressed JSON document store that pushes changes to
// subscribers. Paths are slash-delimited: "pricing" addresses a section,
// "bookings/b1/status" a single leaf.
type Store interface {
	Read(ctx context.Context, path string) (any, bool, error)
	ReadAll(ctx context.Context) (document.Snapshot, error)
	Write(ctx context.Context, path string, value any) error
	Delete(ctx context.Context, path string) error
	// Subscribe calls onChange with the value at path whenever it, or
	// anything below it, changes. The returned func stops the subscription.
	Subscribe(ctx context.Context, path string, onChange func(any)) (func(), error)
	Ping(ctx context.Context) error
	Close() error
}

// affects reports whether a change at changed is visible to a subscriber
// of watched.
func affects(watched, changed string) bool {
	watched = strings.Trim(watched, "/")
	changed = strings.Trim(changed, "/")
	if watched == "" || watched == changed {
		return true
	}
	return strings.HasPrefix(changed, watched+"/") || strings.HasPrefix(watched, changed+"/")
}

func splitRequired(path string) ([]string, error) {
	segments := document.SplitPath(path)
	if len(segments) == 0 {
		return nil, document.ErrInvalidPath
	}
	return segments, nil
}
