// Package email sends operator-triggered mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"
)

// ErrNotConfigured is returned when SMTP settings are incomplete.
var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	SiteName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	if config.SiteName == "" {
		config.SiteName = "Our studio"
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody, textBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := buildMessage(s.fromHeader(), to, subject, htmlBody, textBody)
	if err := s.sendMail(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Service) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
}

func buildMessage(from string, to []string, subject, htmlBody, textBody string) []byte {
	boundary := "boundary-sitecms"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// BookingApprovedData fills the approval notice.
type BookingApprovedData struct {
	SiteName     string
	CustomerName string
	ServiceType  string
	Date         string
	Time         string
}

// SendBookingApproved tells a visitor their appointment was approved.
func (s *Service) SendBookingApproved(to string, data BookingApprovedData) error {
	if data.SiteName == "" {
		data.SiteName = s.config.SiteName
	}
	if data.CustomerName == "" {
		data.CustomerName = "there"
	}

	var html, text bytes.Buffer
	if err := bookingApprovedHTML.Execute(&html, data); err != nil {
		return fmt.Errorf("render booking approved template: %w", err)
	}
	if err := bookingApprovedText.Execute(&text, data); err != nil {
		return fmt.Errorf("render booking approved text: %w", err)
	}
	subject := fmt.Sprintf("Your %s booking is confirmed", data.SiteName)
	return s.SendHTMLEmail([]string{to}, subject, html.String(), text.String())
}

var bookingApprovedHTML = template.Must(template.New("booking_approved").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your {{.SiteName}} booking is confirmed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .details { background: #f5f8fc; padding: 12px 16px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.SiteName}}</h1>
    </div>

    <h2>Hi {{.CustomerName}}, you're booked in!</h2>

    <p>Your appointment request has been approved.</p>

    <div class="details">
        {{if .ServiceType}}<p><strong>Service:</strong> {{.ServiceType}}</p>{{end}}
        {{if .Date}}<p><strong>Date:</strong> {{.Date}}</p>{{end}}
        {{if .Time}}<p><strong>Time:</strong> {{.Time}}</p>{{end}}
    </div>

    <div class="footer">
        <p>Need to change something? Just reply to this email.</p>
    </div>
</body>
</html>`))

var bookingApprovedText = texttemplate.Must(texttemplate.New("booking_approved_text").Parse(
	`Hi {{.CustomerName}}, your {{.SiteName}} appointment has been approved.
{{if .ServiceType}}Service: {{.ServiceType}}
{{end}}{{if .Date}}Date: {{.Date}}
{{end}}{{if .Time}}Time: {{.Time}}
{{end}}`))
