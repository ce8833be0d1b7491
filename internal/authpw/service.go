// Package authpw signs console operators in with email and password.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"sitecms/api/internal/rbac"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingCredentials = errors.New("email and password are required")
)

// Operator is a console account. PasswordHash is a bcrypt hash.
type Operator struct {
	ID           string
	Email        string
	DisplayName  string
	Role         rbac.Role
	PasswordHash string
}

// Directory looks operators up by email.
type Directory interface {
	Lookup(ctx context.Context, email string) (Operator, bool, error)
}

type Service struct {
	directory Directory
	dummyOnce sync.Once
	dummy     []byte
}

func NewService(directory Directory) *Service {
	return &Service{directory: directory}
}

// SignIn checks the password against the operator's hash. Unknown emails
// still pay for one bcrypt comparison.
func (s *Service) SignIn(ctx context.Context, email, password string) (Operator, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Operator{}, ErrMissingCredentials
	}

	op, ok, err := s.directory.Lookup(ctx, email)
	if err != nil {
		return Operator{}, fmt.Errorf("lookup operator: %w", err)
	}
	if !ok || op.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(password))
		return Operator{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

func (s *Service) dummyHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	return s.dummy
}

// HashPassword produces the value expected in operator configuration.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// StaticDirectory serves operators from configuration.
type StaticDirectory struct {
	byEmail map[string]Operator
}

func NewStaticDirectory(operators ...Operator) *StaticDirectory {
	d := &StaticDirectory{byEmail: make(map[string]Operator, len(operators))}
	for _, op := range operators {
		op.Email = normalizeEmail(op.Email)
		if op.Email == "" {
			continue
		}
		if op.ID == "" {
			op.ID = op.Email
		}
		if op.DisplayName == "" {
			op.DisplayName, _, _ = strings.Cut(op.Email, "@")
		}
		op.Role = rbac.Normalize(string(op.Role))
		d.byEmail[op.Email] = op
	}
	return d
}

func (d *StaticDirectory) Lookup(_ context.Context, email string) (Operator, bool, error) {
	op, ok := d.byEmail[normalizeEmail(email)]
	return op, ok, nil
}

func (d *StaticDirectory) Len() int {
	return len(d.byEmail)
}

// ParseOperators reads "email|role|bcrypt-hash" entries separated by ";".
func ParseOperators(raw string) ([]Operator, error) {
	var out []Operator
	for i, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("operator entry %d: want email|role|hash", i+1)
		}
		out = append(out, Operator{
			Email:        parts[0],
			Role:         rbac.Role(parts[1]),
			PasswordHash: strings.TrimSpace(parts[2]),
		})
	}
	return out, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
