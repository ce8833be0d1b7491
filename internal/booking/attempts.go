package booking

import (
	"sync"
	"time"
)

type Phase string

const (
	PhaseSending Phase = "sending"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
)

const DefaultAttemptDisplay = 5 * time.Second

// Attempt is the ephemeral record of one approval notice delivery.
type Attempt struct {
	BookingID string    `json:"bookingId"`
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

type trackedAttempt struct {
	attempt Attempt
	gen     uint64
	timer   *time.Timer
}

// Attempts keeps the current notification attempt per booking. A finished
// attempt is cleared after the display window; a newer attempt for the same
// booking replaces it and is never cleared by the older timer.
type Attempts struct {
	mu      sync.Mutex
	display time.Duration
	gen     uint64
	byID    map[string]*trackedAttempt
	latest  string
	now     func() time.Time
}

func NewAttempts(display time.Duration) *Attempts {
	if display <= 0 {
		display = DefaultAttemptDisplay
	}
	return &Attempts{
		display: display,
		byID:    make(map[string]*trackedAttempt),
		now:     time.Now,
	}
}

// Begin records a sending attempt and returns its generation.
func (a *Attempts) Begin(bookingID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if prev, ok := a.byID[bookingID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	a.byID[bookingID] = &trackedAttempt{
		attempt: Attempt{BookingID: bookingID, Phase: PhaseSending, At: a.now()},
		gen:     a.gen,
	}
	a.latest = bookingID
	return a.gen
}

// Finish moves the attempt of generation gen to its final phase and starts
// the display window. It is a no-op when a newer attempt superseded gen.
func (a *Attempts) Finish(bookingID string, gen uint64, phase Phase, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tracked, ok := a.byID[bookingID]
	if !ok || tracked.gen != gen {
		return
	}
	tracked.attempt.Phase = phase
	tracked.attempt.Message = message
	tracked.attempt.At = a.now()
	tracked.timer = time.AfterFunc(a.display, func() { a.expire(bookingID, gen) })
}

func (a *Attempts) Get(bookingID string) (Attempt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tracked, ok := a.byID[bookingID]
	if !ok {
		return Attempt{}, false
	}
	return tracked.attempt, true
}

// Latest returns the most recently started attempt that is still shown.
func (a *Attempts) Latest() (Attempt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tracked, ok := a.byID[a.latest]
	if !ok {
		return Attempt{}, false
	}
	return tracked.attempt, true
}

// Stop cancels pending clear timers.
func (a *Attempts) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tracked := range a.byID {
		if tracked.timer != nil {
			tracked.timer.Stop()
		}
	}
}

func (a *Attempts) expire(bookingID string, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tracked, ok := a.byID[bookingID]; ok && tracked.gen == gen {
		delete(a.byID, bookingID)
	}
}
