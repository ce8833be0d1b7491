// Package booking runs the approve/reject lifecycle of site bookings and the
// operator feedback that follows an approval.
package booking

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// NormalizeStatus lowercases and trims s. Bookings written by the public
// form without a status are pending.
func NormalizeStatus(s Status) Status {
	normalized := Status(strings.ToLower(strings.TrimSpace(string(s))))
	if normalized == "" {
		return StatusPending
	}
	return normalized
}

// Booking is one entry of the bookings section, keyed there by ID.
type Booking struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Date        string    `json:"date,omitempty"`
	Time        string    `json:"time,omitempty"`
	ServiceType string    `json:"serviceType,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	SubmittedAt Timestamp `json:"submittedAt"`
	UserID      string    `json:"userId,omitempty"`
}

// HasOwner reports whether the booking was made by a signed-in visitor.
func (b Booking) HasOwner() bool {
	return strings.TrimSpace(b.UserID) != ""
}

// Timestamp accepts either an RFC 3339 string or epoch milliseconds, which
// is what the public booking form writes.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", text, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %s: %w", raw, err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// Decode reads a single booking value from the bookings section. The map
// key wins over any id field stored inside the value.
func Decode(id string, raw any) (Booking, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return Booking{}, fmt.Errorf("encode booking %s: %w", id, err)
	}
	var b Booking
	if err := json.Unmarshal(payload, &b); err != nil {
		return Booking{}, fmt.Errorf("decode booking %s: %w", id, err)
	}
	b.ID = id
	b.Status = NormalizeStatus(b.Status)
	return b, nil
}

// DecodeSection lists every booking in the bookings section, newest first.
// Malformed entries are skipped with a warning.
func DecodeSection(section any) []Booking {
	entries, _ := section.(map[string]any)
	out := make([]Booking, 0, len(entries))
	for id, raw := range entries {
		b, err := Decode(id, raw)
		if err != nil {
			glog.Warningf("booking: skip %s: %v", id, err)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt.Time) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Filter keeps bookings in the given status. An empty status keeps all.
func Filter(bookings []Booking, status Status) []Booking {
	if strings.TrimSpace(string(status)) == "" {
		return bookings
	}
	want := NormalizeStatus(status)
	out := make([]Booking, 0, len(bookings))
	for _, b := range bookings {
		if b.Status == want {
			out = append(out, b)
		}
	}
	return out
}
