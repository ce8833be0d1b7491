package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"sitecms/api/internal/booking"
	"sitecms/api/internal/document"
	"sitecms/api/internal/email"
	"sitecms/api/internal/remote"
)

type fakeMailer struct {
	configured bool
	sent       []string
	data       []email.BookingApprovedData
	sendFn     func(to string, data email.BookingApprovedData) error
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendBookingApproved(to string, data email.BookingApprovedData) error {
	f.sent = append(f.sent, to)
	f.data = append(f.data, data)
	if f.sendFn != nil {
		return f.sendFn(to, data)
	}
	return nil
}

type brokenReader struct{}

func (brokenReader) Read(context.Context, string) (any, bool, error) {
	return nil, false, errors.New("store offline")
}

func newStore() *remote.MemoryStore {
	return remote.NewMemoryStore(document.Snapshot{
		"users": map[string]any{
			"u1": map[string]any{"email": "ada@example.com", "displayName": "Ada", "notificationsEnabled": true},
			"u2": map[string]any{"email": "grace@example.com", "notificationsEnabled": false},
			"u3": map[string]any{"displayName": "No Mail"},
			"u4": map[string]any{"email": "linus@example.com"},
		},
	})
}

func TestSendDeliversToOptedInOwner(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d := NewDispatcher(newStore(), mailer, "Bright Studio")

	ok, err := d.Send(context.Background(), booking.Booking{ID: "b1", UserID: "u1", ServiceType: "Portrait", Date: "2024-06-01"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, mailer.sent, []string{"ada@example.com"})
	assert.Equal(t, mailer.data[0].CustomerName, "Ada")
	assert.Equal(t, mailer.data[0].SiteName, "Bright Studio")
	assert.Equal(t, mailer.data[0].ServiceType, "Portrait")
}

func TestSendUnreachableOwners(t *testing.T) {
	cases := []struct {
		name   string
		userID string
	}{
		{name: "no user", userID: ""},
		{name: "notifications disabled", userID: "u2"},
		{name: "no email", userID: "u3"},
		{name: "unknown profile", userID: "ghost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mailer := &fakeMailer{configured: true}
			d := NewDispatcher(newStore(), mailer, "")
			ok, err := d.Send(context.Background(), booking.Booking{ID: "b1", UserID: tc.userID})
			assert.Equal(t, err, nil)
			assert.Equal(t, ok, false)
			assert.Equal(t, len(mailer.sent), 0)
		})
	}
}

func TestSendMissingFlagCountsAsOptedIn(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	d := NewDispatcher(newStore(), mailer, "")
	ok, err := d.Send(context.Background(), booking.Booking{ID: "b1", UserID: "u4", Name: "Linus"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, mailer.data[0].CustomerName, "Linus")
}

func TestSendUnconfiguredMailer(t *testing.T) {
	mailer := &fakeMailer{configured: false}
	d := NewDispatcher(newStore(), mailer, "")
	ok, err := d.Send(context.Background(), booking.Booking{ID: "b1", UserID: "u1"})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestSendErrors(t *testing.T) {
	mailer := &fakeMailer{configured: true, sendFn: func(string, email.BookingApprovedData) error {
		return errors.New("smtp down")
	}}
	d := NewDispatcher(newStore(), mailer, "")
	ok, err := d.Send(context.Background(), booking.Booking{ID: "b1", UserID: "u1"})
	assert.Equal(t, ok, false)
	assert.NotEqual(t, err, nil)

	d = NewDispatcher(brokenReader{}, &fakeMailer{configured: true}, "")
	ok, err = d.Send(context.Background(), booking.Booking{ID: "b1", UserID: "u1"})
	assert.Equal(t, ok, false)
	assert.NotEqual(t, err, nil)
}
