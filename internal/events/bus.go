// Package events carries in-process change notifications to interested
// listeners, including connected admin browsers.
package events

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"sitecms/api/internal/docsync"
)

type Type string

const (
	TypeBookingUpdate Type = "booking_update"
	TypeSaveStatus    Type = "save_status"
	TypeRemoteUpdate  Type = "remote_update"
)

type Event struct {
	Type      Type           `json:"type"`
	BookingID string         `json:"bookingId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Section   string         `json:"section,omitempty"`
	Save      *docsync.State `json:"save,omitempty"`
	At        time.Time      `json:"at"`
}

type Listener func(Event)

// Bus fans events out to listeners synchronously. Publishing never fails
// and needs no listener.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
	now       func() time.Time
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener), now: time.Now}
}

// Subscribe registers l and returns a func that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, candidate := range b.order {
				if candidate == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		deliver(l, e)
	}
}

func deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("events: listener panic on %s: %v", e.Type, r)
		}
	}()
	l(e)
}
