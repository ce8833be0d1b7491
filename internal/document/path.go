package document

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for empty paths or paths that traverse a
// non-object value.
var ErrInvalidPath = errors.New("document: invalid path")

// SplitPath turns "bookings/b1/status" into its segments. Empty segments are
// dropped.
func SplitPath(path string) []string {
	raw := strings.Split(strings.Trim(path, "/"), "/")
	segments := make([]string, 0, len(raw))
	for _, segment := range raw {
		segment = strings.TrimSpace(segment)
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// GetPath walks value along segments.
func GetPath(value any, segments []string) (any, bool) {
	current := value
	for _, segment := range segments {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath returns root with the leaf at segments replaced by leaf. Missing
// intermediate objects are created; root itself is modified in place when it
// is already an object.
func SetPath(root any, segments []string, leaf any) (any, error) {
	if len(segments) == 0 {
		return leaf, nil
	}
	object, ok := root.(map[string]any)
	if root == nil {
		object, ok = map[string]any{}, true
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an object", ErrInvalidPath, segments[0])
	}
	child, err := SetPath(object[segments[0]], segments[1:], leaf)
	if err != nil {
		return nil, err
	}
	object[segments[0]] = child
	return object, nil
}

// RemovePath deletes the leaf at segments. Removing a missing leaf is not an
// error.
func RemovePath(root any, segments []string) (any, error) {
	if len(segments) == 0 {
		return nil, ErrInvalidPath
	}
	object, ok := root.(map[string]any)
	if !ok {
		if root == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is not an object", ErrInvalidPath, segments[0])
	}
	if len(segments) == 1 {
		delete(object, segments[0])
		return object, nil
	}
	child, exists := object[segments[0]]
	if !exists {
		return object, nil
	}
	updated, err := RemovePath(child, segments[1:])
	if err != nil {
		return nil, err
	}
	object[segments[0]] = updated
	return object, nil
}
