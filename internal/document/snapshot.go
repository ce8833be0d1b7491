// Package document holds the in-memory representation of the shared site
// content document and the value helpers used to diff and copy it.
package document

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/mitchellh/copystructure"
)

// Snapshot maps a section key to an arbitrary JSON value.
type Snapshot map[string]any

// Lookup reports the value stored for key and whether the key is present.
// A present key may hold nil (a cleared section).
func (s Snapshot) Lookup(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	value, ok := s[key]
	return value, ok
}

// Keys returns the section keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a structurally independent copy of the snapshot.
func Clone(s Snapshot) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	clone := make(Snapshot, len(s))
	for key, value := range s {
		clone[key] = CloneValue(value)
	}
	return clone
}

// CloneValue deep-copies a single section value. Values that cannot be
// copied structurally are round-tripped through JSON instead.
func CloneValue(value any) any {
	if value == nil {
		return nil
	}
	copied, err := copystructure.Copy(value)
	if err == nil {
		return copied
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return value
	}
	return decoded
}

// DeepEqual compares two section values by their serialized form. Object keys
// are emitted sorted, so maps compare order-independently while lists stay
// order-sensitive.
func DeepEqual(a, b any) bool {
	left, err := canonical(a)
	if err != nil {
		return false
	}
	right, err := canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// SectionEqual compares the presence and value of one key across two snapshots.
func SectionEqual(a, b Snapshot, key string) bool {
	left, leftOK := a.Lookup(key)
	right, rightOK := b.Lookup(key)
	if leftOK != rightOK {
		return false
	}
	if !leftOK {
		return true
	}
	return DeepEqual(left, right)
}

// canonical marshals value and re-decodes it so that typed values (structs,
// ints) and their generic JSON counterparts serialize identically.
func canonical(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, err
	}
	return json.Marshal(parsed)
}
