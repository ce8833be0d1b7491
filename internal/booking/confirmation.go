package booking

import "sync"

// Confirmation is what the approval dialog renders.
type Confirmation struct {
	Visible bool     `json:"visible"`
	Booking *Booking `json:"booking,omitempty"`
	Attempt *Attempt `json:"attempt,omitempty"`
}

// Sequencer holds the approval confirmation dialog. It has no timer: the
// dialog stays until Close. The notification attempt is read live from the
// tracker on every View.
type Sequencer struct {
	mu       sync.Mutex
	booking  *Booking
	attempts *Attempts
}

func NewSequencer(attempts *Attempts) *Sequencer {
	return &Sequencer{attempts: attempts}
}

func (s *Sequencer) Show(b Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.booking = &b
}

func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.booking = nil
}

// Showing reports the id of the booking on display, if any.
func (s *Sequencer) Showing() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.booking == nil {
		return "", false
	}
	return s.booking.ID, true
}

func (s *Sequencer) View() Confirmation {
	s.mu.Lock()
	var current *Booking
	if s.booking != nil {
		copied := *s.booking
		current = &copied
	}
	s.mu.Unlock()

	if current == nil {
		return Confirmation{}
	}
	view := Confirmation{Visible: true, Booking: current}
	if s.attempts != nil {
		if attempt, ok := s.attempts.Get(current.ID); ok {
			view.Attempt = &attempt
		}
	}
	return view
}
