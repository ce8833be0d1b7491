package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"sitecms/api/internal/auth"
	"sitecms/api/internal/authpw"
	"sitecms/api/internal/booking"
	"sitecms/api/internal/document"
	"sitecms/api/internal/events"
	"sitecms/api/internal/rbac"
	"sitecms/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	hub        *events.Hub
	detach     func()
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	allowed := corsOrigin
	if allowed == "*" {
		allowed = ""
	}
	hub := events.NewHub(allowed)
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		hub:        hub,
		detach:     hub.Attach(service.Bus()),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// Close disconnects event stream clients.
func (s *HTTPServer) Close() {
	s.detach()
	s.hub.Close()
}

func (s *HTTPServer) forbid(w http.ResponseWriter, session Session, action rbac.Action) {
	glog.Warningf("forbidden: %s (%s) attempted %s", session.UserID, session.Role, action)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"remote": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["remote"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		if token := bearerToken(r); token != "" {
			if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				if err := s.service.SignOut(r.Context(), session); err != nil {
					glog.Warningf("sign out %s: %v", session.UserID, err)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		session, ok := s.requireSessionFrom(w, r, eventsToken(r))
		if !ok {
			return
		}
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, session, rbac.ActionRead)
			return
		}
		s.hub.Serve(w, r, session.UserID)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "document":
		s.handleDocument(w, r, session, parts[2:])
	case "bookings":
		s.handleBookings(w, r, session, parts[2:])
	case "confirmation":
		s.handleConfirmation(w, r, session, parts[2:])
	case "history":
		s.handleHistory(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, session, rbac.ActionRead)
			return
		}
		writeJSON(w, http.StatusOK, s.service.Document())
		return
	}

	if len(parts) == 2 && parts[0] == "sections" {
		key := parts[1]
		switch r.Method {
		case http.MethodGet:
			if !s.service.Can(session.Role, rbac.ActionRead) {
				s.forbid(w, session, rbac.ActionRead)
				return
			}
			value, err := s.service.Section(key)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"section": key, "value": value})
			return
		case http.MethodPut:
			if !s.service.Can(session.Role, rbac.ActionWrite) {
				s.forbid(w, session, rbac.ActionWrite)
				return
			}
			var body struct {
				Value json.RawMessage `json:"value"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if len(body.Value) == 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value is required", nil)
				return
			}
			var value any
			if err := json.Unmarshal(body.Value, &value); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
				return
			}
			if err := s.service.ReplaceSection(key, value); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, s.service.Document())
			return
		}
	}

	if len(parts) == 1 && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			s.forbid(w, session, rbac.ActionWrite)
			return
		}
		switch parts[0] {
		case "save":
			state, err := s.service.Save(r.Context(), session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"save": state, "dirtySections": s.service.Document().DirtySections})
			return
		case "reset":
			var body struct {
				Confirm bool `json:"confirm"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.Reset(body.Confirm); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, s.service.Document())
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBookings(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, session, rbac.ActionRead)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bookings": s.service.Bookings(r.URL.Query().Get("status"))})
		return
	}

	if len(parts) == 1 && r.Method == http.MethodDelete {
		if !s.service.Can(session.Role, rbac.ActionRemove) {
			s.forbid(w, session, rbac.ActionRemove)
			return
		}
		if err := s.service.RemoveBooking(r.Context(), parts[0]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": parts[0]})
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionApprove) {
			s.forbid(w, session, rbac.ActionApprove)
			return
		}
		var (
			updated booking.Booking
			err     error
		)
		switch parts[1] {
		case booking.ActionApprove:
			updated, err = s.service.Approve(r.Context(), parts[0])
		case booking.ActionReject:
			updated, err = s.service.Reject(r.Context(), parts[0])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		response := map[string]any{"booking": updated}
		if parts[1] == booking.ActionApprove {
			response["confirmation"] = s.service.Confirmation()
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleConfirmation(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, session, rbac.ActionRead)
			return
		}
		writeJSON(w, http.StatusOK, s.service.Confirmation())
	case http.MethodDelete:
		if !s.service.Can(session.Role, rbac.ActionApprove) {
			s.forbid(w, session, rbac.ActionApprove)
			return
		}
		s.service.CloseConfirmation()
		writeJSON(w, http.StatusOK, s.service.Confirmation())
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method != http.MethodGet || len(parts) > 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if !s.service.Can(session.Role, rbac.ActionRead) {
		s.forbid(w, session, rbac.ActionRead)
		return
	}

	if len(parts) == 1 {
		content, revision, err := s.service.HistoryAt(parts[0])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revision": revision, "document": content})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	revisions, err := s.service.History(limit)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": session.Token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"role":        session.Role,
		"expiresAt":   session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	return s.requireSessionFrom(w, r, bearerToken(r))
}

func (s *HTTPServer) requireSessionFrom(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		glog.Errorf("session lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		glog.Errorf("%s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		glog.Infof(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// eventsToken also accepts ?token= since browsers cannot set headers on a
// websocket handshake.
func eventsToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, booking.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Booking not found", nil
	case errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, document.ErrInvalidPath):
		return http.StatusBadRequest, "INVALID_PATH", "Invalid path", nil
	case errors.Is(err, authpw.ErrMissingCredentials):
		return http.StatusBadRequest, "MISSING_CREDENTIALS", "Email and password are required", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
