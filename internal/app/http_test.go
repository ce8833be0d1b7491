package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"sitecms/api/internal/booking"
	"sitecms/api/internal/docsync"
	"sitecms/api/internal/events"
)

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/health", "", nil)

	assert.Equal(t, rr.Code, http.StatusOK)
	assert.Equal(t, decode(t, rr)["ok"], true)
}

func TestReadyEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, rr.Code, http.StatusOK)
	assert.Equal(t, decode(t, rr)["status"], "ready")

	f.remote.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = f.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, rr.Code, http.StatusServiceUnavailable)
	payload := decode(t, rr)
	assert.Equal(t, payload["ok"], false)
	remoteCheck := payload["checks"].(map[string]any)["remote"].(map[string]any)
	assert.Equal(t, remoteCheck["error"], "connection refused")
}

func TestSignInSessionAndSignOut(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{"email": "Avery@Example.com", "password": "correct-horse"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decode(t, rr)
	token, _ := payload["accessToken"].(string)
	if token == "" {
		t.Fatal("expected accessToken")
	}
	assert.Equal(t, payload["role"], "admin")
	assert.Equal(t, payload["userName"], "Avery")

	rr = f.do(t, http.MethodGet, "/api/session", token, nil)
	assert.Equal(t, decode(t, rr)["authenticated"], true)

	rr = f.do(t, http.MethodPost, "/api/auth/signout", token, nil)
	assert.Equal(t, rr.Code, http.StatusOK)

	rr = f.do(t, http.MethodGet, "/api/session", token, nil)
	assert.Equal(t, decode(t, rr)["authenticated"], false)

	rr = f.do(t, http.MethodGet, "/api/document", token, nil)
	assert.Equal(t, rr.Code, http.StatusUnauthorized)
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{"email": "avery@example.com", "password": "wrong-password"})
	assert.Equal(t, rr.Code, http.StatusUnauthorized)
	assert.Equal(t, decode(t, rr)["code"], "INVALID_CREDENTIALS")

	rr = f.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{"email": "avery@example.com"})
	assert.Equal(t, rr.Code, http.StatusBadRequest)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/document", "/api/bookings", "/api/confirmation", "/api/history"} {
		rr := f.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
	rr := f.do(t, http.MethodGet, "/api/document", "not-a-token", nil)
	assert.Equal(t, rr.Code, http.StatusUnauthorized)
}

func TestEditSaveAndResetDocument(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "editor")

	rr := f.do(t, http.MethodPut, "/api/document/sections/pricing", token, map[string]any{"value": map[string]any{"title": "New Pricing"}})
	assert.Equal(t, rr.Code, http.StatusOK)
	assert.Equal(t, decode(t, rr)["dirtySections"], []any{"pricing"})

	rr = f.do(t, http.MethodGet, "/api/document/sections/pricing", token, nil)
	assert.Equal(t, decode(t, rr)["value"], map[string]any{"title": "New Pricing"})

	rr = f.do(t, http.MethodPost, "/api/document/save", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decode(t, rr)
	assert.Equal(t, payload["save"].(map[string]any)["status"], "saved")
	assert.Equal(t, payload["dirtySections"], []any{})

	stored, _, err := f.remote.Read(context.Background(), "pricing/title")
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, "New Pricing")

	f.do(t, http.MethodPut, "/api/document/sections/seo", token, map[string]any{"value": map[string]any{"title": "Draft"}})

	rr = f.do(t, http.MethodPost, "/api/document/reset", token, map[string]any{})
	assert.Equal(t, rr.Code, http.StatusBadRequest)
	assert.Equal(t, decode(t, rr)["code"], "CONFIRMATION_REQUIRED")

	rr = f.do(t, http.MethodPost, "/api/document/reset", token, map[string]any{"confirm": true})
	assert.Equal(t, rr.Code, http.StatusOK)
	payload = decode(t, rr)
	assert.Equal(t, payload["dirtySections"], []any{})
	assert.Equal(t, payload["working"].(map[string]any)["seo"], map[string]any{"title": "Home"})
}

func TestSaveWithNothingDirtyIsNoop(t *testing.T) {
	f := newFixture(t)
	writes := 0
	f.remote.writeFn = func(context.Context, string, any) error {
		writes++
		return nil
	}

	rr := f.do(t, http.MethodPost, "/api/document/save", tokenFor(t, "editor"), nil)

	assert.Equal(t, rr.Code, http.StatusOK)
	assert.Equal(t, decode(t, rr)["save"].(map[string]any)["status"], "idle")
	assert.Equal(t, writes, 0)
}

func TestSaveWhileSavingIsRejected(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "editor")
	started := make(chan struct{})
	release := make(chan struct{})
	f.remote.writeFn = func(context.Context, string, any) error {
		close(started)
		<-release
		return nil
	}
	f.do(t, http.MethodPut, "/api/document/sections/pricing", token, map[string]any{"value": map[string]any{"title": "New Pricing"}})

	done := make(chan int, 1)
	go func() {
		done <- f.do(t, http.MethodPost, "/api/document/save", token, nil).Code
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("save never reached the remote store")
	}
	assert.Equal(t, f.service.Document().Save.Status, docsync.StatusSaving)

	rr := f.do(t, http.MethodPost, "/api/document/save", token, nil)
	assert.Equal(t, rr.Code, http.StatusConflict)
	assert.Equal(t, decode(t, rr)["code"], "SAVE_IN_PROGRESS")

	rr = f.do(t, http.MethodPost, "/api/document/reset", token, map[string]any{"confirm": true})
	assert.Equal(t, rr.Code, http.StatusConflict)

	close(release)
	assert.Equal(t, <-done, http.StatusOK)
}

func TestApproveBookingNotifiesAndOpensConfirmation(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "admin")
	f.do(t, http.MethodPut, "/api/document/sections/seo", token, map[string]any{"value": map[string]any{"title": "Draft"}})

	rr := f.do(t, http.MethodPost, "/api/bookings/b1/approve", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decode(t, rr)
	assert.Equal(t, payload["booking"].(map[string]any)["status"], "approved")
	confirmation := payload["confirmation"].(map[string]any)
	assert.Equal(t, confirmation["visible"], true)
	assert.Equal(t, confirmation["attempt"].(map[string]any)["phase"], "success")
	assert.Equal(t, f.dispatcher.sent, []string{"b1"})

	status, _, _ := f.remote.Read(context.Background(), "bookings/b1/status")
	assert.Equal(t, status, "approved")
	assert.Equal(t, f.service.Document().DirtySections, []string{"seo"})

	rr = f.do(t, http.MethodPost, "/api/bookings/b1/approve", token, nil)
	assert.Equal(t, rr.Code, http.StatusConflict)
	assert.Equal(t, decode(t, rr)["code"], "INVALID_TRANSITION")

	rr = f.do(t, http.MethodDelete, "/api/confirmation", token, nil)
	assert.Equal(t, decode(t, rr)["visible"], false)
}

func TestApproveWithoutOwnerReportsAttemptError(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "admin")

	rr := f.do(t, http.MethodPost, "/api/bookings/b2/approve", token, nil)
	assert.Equal(t, rr.Code, http.StatusOK)

	rr = f.do(t, http.MethodGet, "/api/confirmation", token, nil)
	attempt := decode(t, rr)["attempt"].(map[string]any)
	assert.Equal(t, attempt["phase"], "error")
	assert.Equal(t, attempt["message"], booking.MessageNoUser)
	assert.Equal(t, len(f.dispatcher.sent), 0)
}

func TestRejectAndRemoveBookings(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "admin")

	rr := f.do(t, http.MethodPost, "/api/bookings/b2/reject", token, nil)
	assert.Equal(t, rr.Code, http.StatusOK)
	assert.Equal(t, decode(t, rr)["confirmation"], nil)

	rr = f.do(t, http.MethodGet, "/api/bookings?status=rejected", token, nil)
	list := decode(t, rr)["bookings"].([]any)
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0].(map[string]any)["id"], "b2")

	rr = f.do(t, http.MethodDelete, "/api/bookings/b2", token, nil)
	assert.Equal(t, rr.Code, http.StatusOK)
	_, ok, _ := f.remote.Read(context.Background(), "bookings/b2")
	assert.Equal(t, ok, false)

	rr = f.do(t, http.MethodDelete, "/api/bookings/b2", token, nil)
	assert.Equal(t, rr.Code, http.StatusNotFound)

	rr = f.do(t, http.MethodPost, "/api/bookings/b1/archive", token, nil)
	assert.Equal(t, rr.Code, http.StatusNotFound)
}

func TestRoleGating(t *testing.T) {
	f := newFixture(t)
	viewer := tokenFor(t, "viewer")
	editor := tokenFor(t, "editor")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "viewer reads document", method: http.MethodGet, path: "/api/document", token: viewer, want: http.StatusOK},
		{name: "viewer cannot edit", method: http.MethodPut, path: "/api/document/sections/seo", token: viewer, body: map[string]any{"value": map[string]any{}}, want: http.StatusForbidden},
		{name: "viewer cannot save", method: http.MethodPost, path: "/api/document/save", token: viewer, want: http.StatusForbidden},
		{name: "editor cannot approve", method: http.MethodPost, path: "/api/bookings/b1/approve", token: editor, want: http.StatusForbidden},
		{name: "editor cannot remove", method: http.MethodDelete, path: "/api/bookings/b1", token: editor, want: http.StatusForbidden},
		{name: "editor cannot close confirmation", method: http.MethodDelete, path: "/api/confirmation", token: editor, want: http.StatusForbidden},
		{name: "editor reads bookings", method: http.MethodGet, path: "/api/bookings", token: editor, want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, tc.method, tc.path, tc.token, tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}

	status, _, _ := f.remote.Read(context.Background(), "bookings/b1/status")
	assert.Equal(t, status, "pending")
}

func TestHistoryRoutes(t *testing.T) {
	f := newFixture(t)
	token := tokenFor(t, "editor")
	f.do(t, http.MethodPut, "/api/document/sections/pricing", token, map[string]any{"value": map[string]any{"title": "New Pricing"}})
	f.do(t, http.MethodPost, "/api/document/save", token, nil)

	rr := f.do(t, http.MethodGet, "/api/history?limit=1", token, nil)
	assert.Equal(t, rr.Code, http.StatusOK)
	revisions := decode(t, rr)["revisions"].([]any)
	assert.Equal(t, len(revisions), 1)
	latest := revisions[0].(map[string]any)
	assert.Equal(t, latest["author"], "Avery")

	rr = f.do(t, http.MethodGet, "/api/history/"+latest["hash"].(string), token, nil)
	assert.Equal(t, rr.Code, http.StatusOK)
	doc := decode(t, rr)["document"].(map[string]any)
	assert.Equal(t, doc["pricing"], map[string]any{"title": "New Pricing"})

	rr = f.do(t, http.MethodGet, "/api/history/0000000", token, nil)
	assert.Equal(t, rr.Code, http.StatusNotFound)

	rr = f.do(t, http.MethodGet, "/api/history?limit=-1", token, nil)
	assert.Equal(t, rr.Code, http.StatusBadRequest)
}

func TestEventStreamCarriesBookingUpdates(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?token=" + tokenFor(t, "viewer")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for f.server.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.service.Reject(context.Background(), "b2"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got events.Event
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type == events.TypeBookingUpdate {
			assert.Equal(t, got.BookingID, "b2")
			assert.Equal(t, got.Status, "rejected")
			return
		}
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}
