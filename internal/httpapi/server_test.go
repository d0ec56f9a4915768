package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ephemeral-chat/internal/admission"
	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/config"
	"github.com/example/ephemeral-chat/internal/message"
	"github.com/example/ephemeral-chat/internal/presence"
	"github.com/example/ephemeral-chat/internal/room"
	"github.com/example/ephemeral-chat/internal/store"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(_ context.Context, _, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEmitter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func newTestApp(t *testing.T) (*fiber.App, *fakeEmitter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(rdb)
	emitter := &fakeEmitter{}
	tracker := presence.NewTracker(st, emitter)
	ctrl := admission.NewController(st, tracker, emitter)
	rooms := room.NewManager(st, tracker, emitter, 10*time.Minute)
	msgs := message.NewStore(st, emitter)

	cfg := config.Config{ListenAddr: ":0"}
	srv := NewServer(cfg, rooms, ctrl, tracker, msgs, emitter)
	return srv.App(), emitter
}

func doJSON(t *testing.T, app *fiber.App, method, target, cookie string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: cookie})
	}
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createRoom(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp := doJSON(t, app, "POST", "/api/room/create", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create room: status %d", resp.StatusCode)
	}
	var body struct {
		RoomID string `json:"roomId"`
	}
	decodeBody(t, resp, &body)
	if body.RoomID == "" {
		t.Fatal("Expected a room id")
	}
	return body.RoomID
}

// enter walks the gate and returns the issued membership token.
func enter(t *testing.T, app *fiber.App, roomID string) string {
	t.Helper()
	resp := doJSON(t, app, "GET", "/room/"+roomID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gate: status %d", resp.StatusCode)
	}
	resp.Body.Close()
	for _, ck := range resp.Cookies() {
		if ck.Name == AuthCookieName {
			return ck.Value
		}
	}
	t.Fatal("Expected membership cookie from the gate")
	return ""
}

func join(t *testing.T, app *fiber.App, roomID, token, username string) {
	t.Helper()
	resp := doJSON(t, app, "POST", "/api/room/join?roomId="+roomID, token, fiber.Map{"username": username})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("join: status %d", resp.StatusCode)
	}
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	app, emitter := newTestApp(t)

	roomID := createRoom(t, app)

	var check room.CheckResult
	resp := doJSON(t, app, "GET", "/api/room/check?roomId="+roomID, "", nil)
	decodeBody(t, resp, &check)
	if !check.Exists || check.IsFull {
		t.Fatalf("Expected fresh room open, got %+v", check)
	}

	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")

	resp = doJSON(t, app, "POST", "/api/presence/heartbeat?roomId="+roomID, lion, fiber.Map{"username": "Lion"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/api/messages?roomId="+roomID, lion, fiber.Map{"sender": "Lion", "text": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post message: status %d", resp.StatusCode)
	}
	var posted struct {
		Message chat.Message `json:"message"`
	}
	decodeBody(t, resp, &posted)
	if posted.Message.ID == "" || posted.Message.Text != "hello" {
		t.Fatalf("Unexpected posted message %+v", posted.Message)
	}
	if posted.Message.Token != "" {
		t.Error("Expected owning token stripped from the response")
	}

	resp = doJSON(t, app, "POST", "/api/messages/reaction?roomId="+roomID, lion,
		fiber.Map{"messageId": posted.Message.ID, "emoji": "👍", "username": "Lion", "action": "add"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reaction: status %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/api/messages/read?roomId="+roomID, lion,
		fiber.Map{"messageId": posted.Message.ID, "username": "Lion"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read: status %d", resp.StatusCode)
	}

	var listed struct {
		Messages []chat.Message `json:"messages"`
	}
	resp = doJSON(t, app, "GET", "/api/messages?roomId="+roomID, lion, nil)
	decodeBody(t, resp, &listed)
	if len(listed.Messages) != 1 {
		t.Fatalf("Expected one message, got %d", len(listed.Messages))
	}
	got := listed.Messages[0]
	if len(got.Reactions) != 1 || len(got.ReadBy) != 1 {
		t.Errorf("Expected reaction and read receipt, got %+v", got)
	}
	if got.Token != lion {
		t.Errorf("Expected own token echoed to the poster, got %q", got.Token)
	}

	var pres struct {
		Users []chat.PresenceUser `json:"users"`
	}
	resp = doJSON(t, app, "GET", "/api/presence?roomId="+roomID, lion, nil)
	decodeBody(t, resp, &pres)
	if len(pres.Users) != 1 || pres.Users[0].Username != "Lion" {
		t.Errorf("Unexpected presence snapshot %+v", pres.Users)
	}

	var ttl struct {
		TTL int64 `json:"ttl"`
	}
	resp = doJSON(t, app, "GET", "/api/room/ttl?roomId="+roomID, lion, nil)
	decodeBody(t, resp, &ttl)
	if ttl.TTL <= 0 || ttl.TTL > 600 {
		t.Errorf("Expected TTL within the room lifetime, got %d", ttl.TTL)
	}

	resp = doJSON(t, app, "DELETE", "/api/room?roomId="+roomID, lion, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("destroy: status %d", resp.StatusCode)
	}

	// Every domain mutation produced an event.
	seen := map[string]bool{}
	for _, name := range emitter.names() {
		seen[name] = true
	}
	for _, want := range []string{"chat.connection", "chat.presence", "chat.message", "chat.reaction", "chat.destroy"} {
		if !seen[want] {
			t.Errorf("Expected %s event, got %v", want, emitter.names())
		}
	}

	resp = doJSON(t, app, "GET", "/api/messages?roomId="+roomID, lion, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 after destruction, got %d", resp.StatusCode)
	}
}

func TestGate_RedirectsWhenRoomMissing(t *testing.T) {
	app, _ := newTestApp(t)
	resp := doJSON(t, app, "GET", "/room/nope", "", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/?error=room-not-found" {
		t.Errorf("Unexpected redirect target %q", loc)
	}
}

func TestGate_RedirectsWhenRoomFull(t *testing.T) {
	app, _ := newTestApp(t)
	roomID := createRoom(t, app)

	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")
	tiger := enter(t, app, roomID)
	join(t, app, roomID, tiger, "Tiger")

	resp := doJSON(t, app, "GET", "/room/"+roomID, "", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302 for a third visitor, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/?error=room-full" {
		t.Errorf("Unexpected redirect target %q", loc)
	}
}

func TestGate_ReadmitsExistingMember(t *testing.T) {
	app, _ := newTestApp(t)
	roomID := createRoom(t, app)

	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")
	tiger := enter(t, app, roomID)
	join(t, app, roomID, tiger, "Tiger")

	// A member returning with a valid cookie passes even at capacity,
	// and no fresh token is issued.
	resp := doJSON(t, app, "GET", "/room/"+roomID, lion, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected readmission, got %d", resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == AuthCookieName {
			t.Errorf("Expected no new cookie on readmission, got %q", ck.Value)
		}
	}
	resp.Body.Close()
}

func TestAuthGuard_RejectsMissingAndForgedTokens(t *testing.T) {
	app, _ := newTestApp(t)
	roomID := createRoom(t, app)
	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")

	otherRoom := createRoom(t, app)

	cases := []struct {
		name   string
		target string
		cookie string
	}{
		{"no cookie", "/api/messages?roomId=" + roomID, ""},
		{"forged token", "/api/messages?roomId=" + roomID, "not-a-real-token"},
		{"token scoped to another room", "/api/messages?roomId=" + otherRoom, lion},
		{"missing roomId", "/api/messages", lion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, app, "GET", tc.target, tc.cookie, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("Expected 401, got %d", resp.StatusCode)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] != "Unauthorized" {
				t.Errorf("Unexpected error body %v", body)
			}
		})
	}
}

func TestCheckRoom_RequiresRoomID(t *testing.T) {
	app, _ := newTestApp(t)
	resp := doJSON(t, app, "GET", "/api/room/check", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestPostMessage_RejectsOversizedText(t *testing.T) {
	app, _ := newTestApp(t)
	roomID := createRoom(t, app)
	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")

	long := make([]byte, chat.MaxTextLen+1)
	for i := range long {
		long[i] = 'a'
	}
	resp := doJSON(t, app, "POST", "/api/messages?roomId="+roomID, lion,
		fiber.Map{"sender": "Lion", "text": string(long)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteMessage_NonOwnerForbidden(t *testing.T) {
	app, _ := newTestApp(t)
	roomID := createRoom(t, app)
	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")
	tiger := enter(t, app, roomID)
	join(t, app, roomID, tiger, "Tiger")

	resp := doJSON(t, app, "POST", "/api/messages?roomId="+roomID, lion, fiber.Map{"sender": "Lion", "text": "mine"})
	var posted struct {
		Message chat.Message `json:"message"`
	}
	decodeBody(t, resp, &posted)

	resp = doJSON(t, app, "DELETE", "/api/messages?roomId="+roomID+"&messageId="+posted.Message.ID, tiger, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403 for non-owner delete, got %d", resp.StatusCode)
	}

	resp = doJSON(t, app, "DELETE", "/api/messages?roomId="+roomID+"&messageId="+posted.Message.ID, lion, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected owner delete to succeed, got %d", resp.StatusCode)
	}
}

func TestTyping_FireAndForget(t *testing.T) {
	app, emitter := newTestApp(t)
	roomID := createRoom(t, app)
	lion := enter(t, app, roomID)
	join(t, app, roomID, lion, "Lion")

	resp := doJSON(t, app, "POST", "/api/presence/typing?roomId="+roomID, lion,
		fiber.Map{"username": "Lion", "isTyping": true})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("typing: status %d", resp.StatusCode)
	}

	found := false
	for _, name := range emitter.names() {
		if name == "chat.typing" {
			found = true
		}
	}
	if !found {
		t.Error("Expected chat.typing event")
	}
}
