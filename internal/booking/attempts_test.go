package booking

import (
	"testing"
	"time"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAttemptClearsAfterDisplayWindow(t *testing.T) {
	attempts := NewAttempts(20 * time.Millisecond)
	gen := attempts.Begin("b1")

	got, ok := attempts.Get("b1")
	if !ok || got.Phase != PhaseSending {
		t.Fatalf("expected sending attempt, got %+v ok=%v", got, ok)
	}

	attempts.Finish("b1", gen, PhaseSuccess, "")
	got, _ = attempts.Get("b1")
	if got.Phase != PhaseSuccess {
		t.Fatalf("expected success, got %s", got.Phase)
	}

	waitUntil(t, func() bool {
		_, ok := attempts.Get("b1")
		return !ok
	})
	if _, ok := attempts.Latest(); ok {
		t.Fatal("expected no latest attempt after clear")
	}
}

func TestOlderAttemptTimerDoesNotClearNewerAttempt(t *testing.T) {
	attempts := NewAttempts(30 * time.Millisecond)
	first := attempts.Begin("b1")
	attempts.Finish("b1", first, PhaseError, MessageSendFailed)

	time.Sleep(15 * time.Millisecond)
	second := attempts.Begin("b1")

	time.Sleep(30 * time.Millisecond)
	got, ok := attempts.Get("b1")
	if !ok || got.Phase != PhaseSending {
		t.Fatalf("newer attempt was cleared or changed: %+v ok=%v", got, ok)
	}

	attempts.Finish("b1", first, PhaseSuccess, "")
	got, _ = attempts.Get("b1")
	if got.Phase != PhaseSending {
		t.Fatalf("stale Finish changed the newer attempt: %+v", got)
	}

	attempts.Finish("b1", second, PhaseSuccess, "")
	got, _ = attempts.Get("b1")
	if got.Phase != PhaseSuccess {
		t.Fatalf("expected success, got %+v", got)
	}
	attempts.Stop()
}

func TestLatestTracksMostRecentBooking(t *testing.T) {
	attempts := NewAttempts(time.Second)
	defer attempts.Stop()
	attempts.Begin("b1")
	attempts.Begin("b2")

	latest, ok := attempts.Latest()
	if !ok || latest.BookingID != "b2" {
		t.Fatalf("expected b2 latest, got %+v", latest)
	}
}
