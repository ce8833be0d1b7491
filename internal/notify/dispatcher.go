// Package notify delivers approval notices to the visitor who made a
// booking.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"sitecms/api/internal/booking"
	"sitecms/api/internal/document"
	"sitecms/api/internal/email"
)

const usersSection = "users"

// ProfileReader reads visitor profiles from the remote store.
type ProfileReader interface {
	Read(ctx context.Context, path string) (any, bool, error)
}

type Mailer interface {
	IsConfigured() bool
	SendBookingApproved(to string, data email.BookingApprovedData) error
}

// Profile is the part of users/<id> the dispatcher relies on.
type Profile struct {
	Email                string
	Name                 string
	NotificationsEnabled bool
}

type Dispatcher struct {
	profiles ProfileReader
	mailer   Mailer
	siteName string
}

func NewDispatcher(profiles ProfileReader, mailer Mailer, siteName string) *Dispatcher {
	return &Dispatcher{profiles: profiles, mailer: mailer, siteName: siteName}
}

// Send returns false without error when the owner has no profile, no email
// address, or has turned notifications off. Errors are reserved for reading
// the profile or handing the message to SMTP.
func (d *Dispatcher) Send(ctx context.Context, b booking.Booking) (bool, error) {
	if !b.HasOwner() {
		return false, nil
	}
	if d.mailer == nil || !d.mailer.IsConfigured() {
		glog.Warningf("notify: mailer not configured, skipping notice for booking %s", b.ID)
		return false, nil
	}

	profile, ok, err := d.lookup(ctx, b.UserID)
	if err != nil {
		return false, err
	}
	if !ok || profile.Email == "" || !profile.NotificationsEnabled {
		glog.V(1).Infof("notify: owner %s of booking %s is not reachable", b.UserID, b.ID)
		return false, nil
	}

	name := profile.Name
	if name == "" {
		name = b.Name
	}
	err = d.mailer.SendBookingApproved(profile.Email, email.BookingApprovedData{
		SiteName:     d.siteName,
		CustomerName: name,
		ServiceType:  b.ServiceType,
		Date:         b.Date,
		Time:         b.Time,
	})
	if err != nil {
		return false, fmt.Errorf("send approval notice for %s: %w", b.ID, err)
	}
	glog.Infof("notify: approval notice for booking %s sent", b.ID)
	return true, nil
}

func (d *Dispatcher) lookup(ctx context.Context, userID string) (Profile, bool, error) {
	raw, ok, err := d.profiles.Read(ctx, document.JoinPath(usersSection, userID))
	if err != nil {
		return Profile{}, false, fmt.Errorf("read profile %s: %w", userID, err)
	}
	fields, isObject := raw.(map[string]any)
	if !ok || !isObject {
		return Profile{}, false, nil
	}
	profile := Profile{
		Email: strings.TrimSpace(stringField(fields, "email")),
		Name:  strings.TrimSpace(stringField(fields, "displayName", "name")),
	}
	profile.NotificationsEnabled = enabled(fields["notificationsEnabled"])
	return profile, true, nil
}

func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := fields[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// enabled treats a missing flag as opted in. Only an explicit false opts out.
func enabled(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case bool:
		return v
	case string:
		return !strings.EqualFold(strings.TrimSpace(v), "false")
	default:
		return true
	}
}
