package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name:     "missing host",
			config:   Config{Port: "587", From: "test@example.com"},
			expected: false,
		},
		{
			name:     "missing port",
			config:   Config{Host: "smtp.example.com", From: "test@example.com"},
			expected: false,
		},
		{
			name:     "missing from",
			config:   Config{Host: "smtp.example.com", Port: "587"},
			expected: false,
		},
		{
			name:     "fully configured",
			config:   Config{Host: "smtp.example.com", Port: "587", From: "test@example.com"},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendBookingApprovedRendersDetails(t *testing.T) {
	svc := NewService(Config{
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "bookings@example.com",
		FromName: "Bright Studio",
		SiteName: "Bright Studio",
	})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendBookingApproved("ada@example.com", BookingApprovedData{
		CustomerName: "Ada <script>",
		ServiceType:  "Portrait session",
		Date:         "2024-06-01",
		Time:         "10:00",
	})
	if err != nil {
		t.Fatalf("SendBookingApproved failed: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Errorf("unexpected server %s", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "ada@example.com" {
		t.Errorf("unexpected recipients %v", gotTo)
	}
	for _, want := range []string{
		"Subject: Your Bright Studio booking is confirmed",
		"From: Bright Studio <bookings@example.com>",
		"Portrait session",
		"2024-06-01",
		"Ada &lt;script&gt;",
		"Content-Type: text/plain",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message should contain %q", want)
		}
	}
}

func TestSendBookingApprovedNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	err := svc.SendBookingApproved("ada@example.com", BookingApprovedData{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendHTMLEmailWrapsTransportError(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "25", From: "a@example.com"})
	svc.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err := svc.SendHTMLEmail([]string{"b@example.com"}, "hi", "<p>hi</p>", "hi")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
