package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"sitecms/api/internal/auth"
	"sitecms/api/internal/authpw"
	"sitecms/api/internal/booking"
	"sitecms/api/internal/docsync"
	"sitecms/api/internal/document"
	"sitecms/api/internal/events"
	"sitecms/api/internal/history"
	"sitecms/api/internal/rbac"
	"sitecms/api/internal/remote"
	"sitecms/api/internal/session"
)

// usersSection holds visitor profiles. It lives in the same remote store but
// is not part of the content document.
const usersSection = "users"

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// DocumentView is what the console renders for the whole document.
type DocumentView struct {
	Working       document.Snapshot `json:"working"`
	DirtySections []string          `json:"dirtySections"`
	StaleSections []string          `json:"staleSections"`
	Save          docsync.State     `json:"save"`
}

type historyRecorder interface {
	Record(saved document.Snapshot, author string) (history.Revision, error)
	List(limit int) ([]history.Revision, error)
	At(hash string) (document.Snapshot, history.Revision, error)
}

type Options struct {
	JWTSecret      string
	AccessTTL      time.Duration
	Save           docsync.Options
	AttemptDisplay time.Duration
}

// Deps are the collaborators the service is built from. Dispatcher,
// History and Revocations are optional.
type Deps struct {
	Remote      remote.Store
	Dispatcher  booking.Dispatcher
	History     historyRecorder
	Operators   authpw.Directory
	Revocations session.RevocationStore
}

type Service struct {
	opts        Options
	remote      remote.Store
	history     historyRecorder
	revocations session.RevocationStore
	signIn      *authpw.Service
	now         func() time.Time

	bus           *events.Bus
	engine        *docsync.Engine
	coordinator   *docsync.Coordinator
	attempts      *booking.Attempts
	confirmations *booking.Sequencer
	workflow      *booking.Workflow

	saving atomic.Bool

	mu          sync.Mutex
	lastRemote  document.Snapshot
	unsubscribe func()
}

func New(opts Options, deps Deps) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 12 * time.Hour
	}
	if opts.AttemptDisplay <= 0 {
		opts.AttemptDisplay = booking.DefaultAttemptDisplay
	}

	bus := events.NewBus()
	engine := docsync.NewEngine()
	coordinator := docsync.NewCoordinator(engine, deps.Remote, opts.Save)
	attempts := booking.NewAttempts(opts.AttemptDisplay)
	confirmations := booking.NewSequencer(attempts)

	s := &Service{
		opts:          opts,
		remote:        deps.Remote,
		history:       deps.History,
		revocations:   deps.Revocations,
		now:           time.Now,
		bus:           bus,
		engine:        engine,
		coordinator:   coordinator,
		attempts:      attempts,
		confirmations: confirmations,
		workflow:      booking.NewWorkflow(deps.Remote, engine, bus, deps.Dispatcher, attempts, confirmations),
	}
	if deps.Operators != nil {
		s.signIn = authpw.NewService(deps.Operators)
	}

	coordinator.OnChange(func(state docsync.State) {
		bus.Publish(events.Event{Type: events.TypeSaveStatus, Save: &state})
	})
	coordinator.OnCommitted(s.recordHistory)
	return s
}

// Bus carries every event the console streams to browsers.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Start loads the document from the remote store and follows its changes
// until Stop.
func (s *Service) Start(ctx context.Context) error {
	loaded, err := s.remote.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	delete(loaded, usersSection)

	s.mu.Lock()
	s.lastRemote = document.Clone(loaded)
	s.mu.Unlock()
	s.engine.Initialize(loaded)

	unsubscribe, err := s.remote.Subscribe(ctx, "", s.onRemoteChange)
	if err != nil {
		return fmt.Errorf("subscribe to document changes: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	glog.Infof("document loaded sections=%d", len(loaded))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.attempts.Stop()
}

// onRemoteChange reconciles only the sections whose remote value moved since
// the last push.
func (s *Service) onRemoteChange(value any) {
	pushed, ok := value.(map[string]any)
	if !ok {
		glog.Warningf("remote push of unexpected shape %T", value)
		return
	}
	delete(pushed, usersSection)

	s.mu.Lock()
	if s.lastRemote == nil {
		s.lastRemote = document.Snapshot{}
	}
	changed := make([]string, 0)
	keys := make(map[string]struct{}, len(pushed)+len(s.lastRemote))
	for key := range pushed {
		keys[key] = struct{}{}
	}
	for key := range s.lastRemote {
		keys[key] = struct{}{}
	}
	for key := range keys {
		if document.SectionEqual(s.lastRemote, pushed, key) {
			continue
		}
		changed = append(changed, key)
		if v, ok := pushed[key]; ok {
			s.lastRemote[key] = document.CloneValue(v)
		} else {
			delete(s.lastRemote, key)
		}
	}
	s.mu.Unlock()

	for _, key := range changed {
		updated := s.engine.ApplyRemote(key, pushed[key])
		glog.V(1).Infof("remote change section=%s adopted=%t", key, updated)
		s.bus.Publish(events.Event{Type: events.TypeRemoteUpdate, Section: key})
	}
}

func (s *Service) recordHistory(c docsync.Committed) {
	if s.history == nil {
		return
	}
	author := c.Actor
	if author == "" {
		author = "console"
	}
	revision, err := s.history.Record(c.Sections, author)
	switch {
	case errors.Is(err, history.ErrNoChanges):
		glog.V(1).Infof("history: save %s matched head revision", c.RoundID)
	case err != nil:
		glog.Errorf("history: record save %s: %v", c.RoundID, err)
	default:
		glog.Infof("history: save %s recorded as %s", c.RoundID, revision.Hash)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.remote.Ping(ctx)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.signIn == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	op, err := s.signIn.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	claims := auth.NewClaims(op.ID, op.DisplayName, string(op.Role), s.now(), s.opts.AccessTTL)
	token, err := auth.IssueToken([]byte(s.opts.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	glog.Infof("operator %s signed in role=%s", op.ID, op.Role)
	return sessionFromClaims(token, claims), nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.opts.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return sessionFromClaims(token, claims), nil
}

func (s *Service) SignOut(ctx context.Context, session Session) error {
	if s.revocations == nil || session.JTI == "" {
		return nil
	}
	return s.revocations.Revoke(ctx, session.JTI, session.ExpiresAt)
}

func sessionFromClaims(token string, claims auth.Claims) Session {
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Document() DocumentView {
	return DocumentView{
		Working:       s.engine.Working(),
		DirtySections: s.engine.DirtySections(),
		StaleSections: s.engine.StaleSections(),
		Save:          s.coordinator.State(),
	}
}

func (s *Service) Section(key string) (any, error) {
	if err := validateSectionKey(key); err != nil {
		return nil, err
	}
	value, ok := s.engine.Section(key)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Section not found", map[string]any{"section": key})
	}
	return value, nil
}

// ReplaceSection sets the working value of key. A null value clears the
// section without removing it.
func (s *Service) ReplaceSection(key string, value any) error {
	if err := validateSectionKey(key); err != nil {
		return err
	}
	s.engine.Mutate(key, func(any) any { return value })
	return nil
}

func validateSectionKey(key string) error {
	if strings.TrimSpace(key) != key || key == "" || strings.Contains(key, "/") {
		return domainError(http.StatusBadRequest, "INVALID_SECTION", "Section key is invalid", nil)
	}
	if key == usersSection {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Visitor profiles are not editable here", nil)
	}
	return nil
}

// Save persists every dirty section. A second request while a round is in
// flight is refused.
func (s *Service) Save(ctx context.Context, session Session) (docsync.State, error) {
	if !s.saving.CompareAndSwap(false, true) {
		return s.coordinator.State(), domainError(http.StatusConflict, "SAVE_IN_PROGRESS", "A save is already in progress", nil)
	}
	defer s.saving.Store(false)

	err := s.coordinator.Save(docsync.WithActor(ctx, session.UserName))
	if err != nil {
		return s.coordinator.State(), wrapDomainError(err, http.StatusBadGateway, "SAVE_FAILED", "Save failed", map[string]any{"message": err.Error()})
	}
	return s.coordinator.State(), nil
}

func (s *Service) Reset(confirm bool) error {
	if !confirm {
		return domainError(http.StatusBadRequest, "CONFIRMATION_REQUIRED", "Discarding changes must be confirmed", nil)
	}
	if s.saving.Load() {
		return domainError(http.StatusConflict, "SAVE_IN_PROGRESS", "A save is already in progress", nil)
	}
	s.engine.Reset()
	return nil
}

func (s *Service) Bookings(status string) []booking.Booking {
	items := s.workflow.List(booking.Status(status))
	if items == nil {
		return []booking.Booking{}
	}
	return items
}

func (s *Service) Approve(ctx context.Context, id string) (booking.Booking, error) {
	b, err := s.workflow.Find(id)
	if err != nil {
		return booking.Booking{}, err
	}
	return s.workflow.Approve(ctx, b)
}

func (s *Service) Reject(ctx context.Context, id string) (booking.Booking, error) {
	b, err := s.workflow.Find(id)
	if err != nil {
		return booking.Booking{}, err
	}
	return s.workflow.Reject(ctx, b)
}

func (s *Service) RemoveBooking(ctx context.Context, id string) error {
	return s.workflow.Remove(ctx, id)
}

func (s *Service) Confirmation() booking.Confirmation {
	return s.confirmations.View()
}

func (s *Service) CloseConfirmation() {
	s.confirmations.Close()
}

func (s *Service) History(limit int) ([]history.Revision, error) {
	if s.history == nil {
		return nil, errHistoryUnavailable
	}
	return s.history.List(limit)
}

func (s *Service) HistoryAt(hash string) (document.Snapshot, history.Revision, error) {
	if s.history == nil {
		return nil, history.Revision{}, errHistoryUnavailable
	}
	content, revision, err := s.history.At(hash)
	if err != nil {
		return nil, history.Revision{}, wrapDomainError(err, http.StatusNotFound, "NOT_FOUND", "Revision not found", map[string]any{"hash": hash})
	}
	return content, revision, nil
}

var errHistoryUnavailable = domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Revision history is not configured", nil)
