package loopline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const testOther = "eeeeeeeeeeeeeeeeeeeeeeee"

func boolPtr(b bool) *bool { return &b }

func testSession() *Session {
	return &Session{Token: "secret", UserID: testSelf}
}

// connectedConn returns a manager in the Connected state backed by an
// in-memory transport, so Send succeeds and writes can be inspected.
func connectedConn(t *testing.T) (*ConnManager, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	states := make(chan ConnState, 16)
	cm := NewConnManager(ConnConfig{
		URL:     "ws://test/ws",
		Session: testSession(),
		Dial: func(ctx context.Context, url string) (wsConn, error) {
			return fc, nil
		},
		OnState: func(s ConnState) { states <- s },
	})
	t.Cleanup(func() { cm.Close() })
	if err := cm.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-fc.writes // auth frame
	fc.in <- []byte(`{"type":"connection","status":"ok"}`)
	waitForState(t, states, StateConnected)
	<-cm.Frames() // drain the connection notice
	return cm, fc
}

// downConn returns a manager that can never establish a transport, so
// Send fails and the engine takes its fallback paths.
func downConn(t *testing.T) *ConnManager {
	t.Helper()
	cm := NewConnManager(ConnConfig{
		URL:         "ws://test/ws",
		Session:     testSession(),
		BaseDelay:   time.Millisecond,
		CapDelay:    2 * time.Millisecond,
		MaxAttempts: 1,
		Dial: func(ctx context.Context, url string) (wsConn, error) {
			return nil, errors.New("refused")
		},
	})
	t.Cleanup(func() { cm.Close() })
	return cm
}

func TestSendOptimisticLifecycle(t *testing.T) {
	conn, fc := connectedConn(t)
	e := NewEngine(EngineConfig{Session: testSession(), Conn: conn, Peer: testPeer})

	provisional, err := e.SendText(context.Background(), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !provisional.Provisional() {
		t.Fatalf("local id %s is not provisional", provisional)
	}

	snap := e.Messages()
	if len(snap) != 1 {
		t.Fatalf("got %d messages, want 1", len(snap))
	}
	if snap[0].Status != StatusPending {
		t.Fatalf("status = %s, want pending", snap[0].Status)
	}

	// The outbound frame carries the provisional id as temp_id.
	var out Frame
	select {
	case data := <-fc.writes:
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("outbound frame not json: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame written")
	}
	if out.Type != FrameMessage || out.TempID != provisional.String() {
		t.Fatalf("unexpected outbound frame: %+v", out)
	}

	// Server echo: canonical id plus the temp_id hint. The pending entry
	// is confirmed in place; no second copy appears.
	e.apply(Frame{
		Type:       FrameMessage,
		MessageID:  testMsg1,
		TempID:     provisional.String(),
		SenderID:   testSelf,
		ReceiverID: testPeer,
		Text:       "hi",
		CreatedAt:  out.CreatedAt,
	})

	snap = e.Messages()
	if len(snap) != 1 {
		t.Fatalf("echo duplicated the message: %d entries", len(snap))
	}
	if snap[0].ID.String() != testMsg1 || snap[0].ID.Provisional() {
		t.Fatalf("identity not promoted: %s", snap[0].ID)
	}
	if snap[0].Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", snap[0].Status)
	}
}

func TestSendWhileDownKeepsPendingIntent(t *testing.T) {
	var notices []Notice
	var mu sync.Mutex
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Peer:    testPeer,
		OnNotice: func(n Notice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
	})

	id, err := e.SendText(context.Background(), "offline hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}

	// The intent survives as pending so a later resync can reconcile it.
	snap := e.Messages()
	if len(snap) != 1 || snap[0].Status != StatusPending {
		t.Fatalf("pending intent lost: %+v", snap)
	}
	if snap[0].ID != id {
		t.Fatalf("returned id %s does not match stored %s", id, snap[0].ID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) == 0 || notices[0].Level != NoticeWarn {
		t.Fatalf("no recoverable-failure notice: %v", notices)
	}
}

func TestInboundMessageForOtherConversationDropped(t *testing.T) {
	e := NewEngine(EngineConfig{Session: testSession(), Conn: downConn(t), Peer: testPeer})

	e.apply(Frame{
		Type:       FrameMessage,
		MessageID:  testMsg1,
		SenderID:   testOther,
		ReceiverID: testSelf,
		Text:       "wrong room",
	})
	if got := len(e.Messages()); got != 0 {
		t.Fatalf("cross-conversation event reached the store: %d entries", got)
	}

	// Both directions of the active pair are accepted.
	e.apply(Frame{
		Type:       FrameMessage,
		MessageID:  testMsg1,
		SenderID:   testPeer,
		ReceiverID: testSelf,
		Text:       "inbound",
	})
	e.apply(Frame{
		Type:       FrameMessage,
		MessageID:  testMsg2,
		SenderID:   testSelf,
		ReceiverID: testPeer,
		Text:       "echo of ours",
	})
	if got := len(e.Messages()); got != 2 {
		t.Fatalf("got %d messages, want 2", got)
	}
}

func TestInboundMessageWithoutIDDropped(t *testing.T) {
	e := NewEngine(EngineConfig{Session: testSession(), Conn: downConn(t), Peer: testPeer})
	e.apply(Frame{
		Type:       FrameMessage,
		SenderID:   testPeer,
		ReceiverID: testSelf,
		Text:       "who am i",
	})
	if got := len(e.Messages()); got != 0 {
		t.Fatalf("message without canonical id stored: %d entries", got)
	}
}

func seedMessage(e *Engine, id, text string) {
	e.apply(Frame{
		Type:       FrameMessage,
		MessageID:  id,
		SenderID:   testSelf,
		ReceiverID: testPeer,
		Text:       text,
		CreatedAt:  wireTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func TestEditFallsBackToRest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	seedMessage(e, testMsg1, "original")

	if err := e.Edit(context.Background(), testMsg1, "fixed"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if gotPath != "/api/messages/"+testMsg1 {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody["text"] != "fixed" {
		t.Errorf("body = %v", gotBody)
	}

	snap := e.Messages()
	if snap[0].Text != "fixed" || !snap[0].Edited {
		t.Fatalf("edit not applied: %+v", snap[0])
	}
}

func TestEditRevertsOnRestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var notices []Notice
	var mu sync.Mutex
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
		OnNotice: func(n Notice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
	})
	seedMessage(e, testMsg1, "original")

	if err := e.Edit(context.Background(), testMsg1, "broken"); err == nil {
		t.Fatal("expected edit failure")
	}

	// The optimistic value must not be left silently stale.
	snap := e.Messages()
	if snap[0].Text != "original" || snap[0].Edited {
		t.Fatalf("optimistic edit not reverted: %+v", snap[0])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) == 0 {
		t.Fatal("no failure notice")
	}
}

func TestEditUnknownMessage(t *testing.T) {
	e := NewEngine(EngineConfig{Session: testSession(), Conn: downConn(t), Peer: testPeer})
	if err := e.Edit(context.Background(), testMsg1, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteFallsBackToRest(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = strings.TrimPrefix(r.URL.Path, "/api/messages/")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	seedMessage(e, testMsg1, "condemned")

	if err := e.Delete(context.Background(), testMsg1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != testMsg1 {
		t.Errorf("server saw delete for %q", deleted)
	}
	if got := len(e.Messages()); got != 0 {
		t.Fatalf("message still present after delete: %d entries", got)
	}
}

func TestDeleteFailureTriggersResync(t *testing.T) {
	// DELETE fails, and the subsequent history fetch still contains the
	// message: the optimistic removal must be undone by the resync.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusInternalServerError)
		case http.MethodGet:
			json.NewEncoder(w).Encode([]MessageRecord{{
				MessageID:  testMsg1,
				SenderID:   testPeer,
				ReceiverID: testSelf,
				Text:       "still here",
				CreatedAt:  wireTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
			}})
		}
	}))
	defer srv.Close()

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	seedMessage(e, testMsg1, "still here")

	if err := e.Delete(context.Background(), testMsg1); err == nil {
		t.Fatal("expected delete failure")
	}

	snap := e.Messages()
	if len(snap) != 1 || snap[0].ID.String() != testMsg1 {
		t.Fatalf("message not restored by resync: %+v", snap)
	}
}

func TestPresenceOnlyUpdatesKnownUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"user_id": testPeer, "display_name": "Sam", "is_online": false},
			{"user_id": "not-a-valid-id", "display_name": "Ghost"},
		})
	}))
	defer srv.Close()

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	if err := e.LoadRoster(context.Background()); err != nil {
		t.Fatalf("load roster: %v", err)
	}
	if got := len(e.Users()); got != 1 {
		t.Fatalf("roster size = %d, want 1 (malformed entry dropped)", got)
	}

	e.apply(Frame{Type: FrameUserStatus, UserID: testPeer, IsOnline: boolPtr(true)})
	e.apply(Frame{Type: FrameUserStatus, UserID: testOther, IsOnline: boolPtr(true)})

	users := e.Users()
	if len(users) != 1 {
		t.Fatalf("presence created a user: %d entries", len(users))
	}
	if !users[0].Online {
		t.Error("online flag not applied")
	}
}

func TestAuthErrorFrameInvalidatesSessionOnce(t *testing.T) {
	conn, _ := connectedConn(t)
	var fired int
	var mu sync.Mutex
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    conn,
		Peer:    testPeer,
		OnAuthExpired: func() {
			mu.Lock()
			fired++
			mu.Unlock()
		},
	})

	e.apply(Frame{Type: FrameError, Error: "session expired"})
	e.apply(Frame{Type: FrameError, Error: "invalid token"})

	mu.Lock()
	if fired != 1 {
		t.Fatalf("auth-expired fired %d times, want 1", fired)
	}
	mu.Unlock()

	// The connection was torn down with the session.
	if err := conn.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("connection still usable after invalidation: %v", err)
	}
}

func TestTransientErrorFrameIsNotice(t *testing.T) {
	var notices []Notice
	var fired int
	var mu sync.Mutex
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Peer:    testPeer,
		OnNotice: func(n Notice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
		OnAuthExpired: func() {
			mu.Lock()
			fired++
			mu.Unlock()
		},
	})

	e.apply(Frame{Type: FrameError, Error: "rate limit exceeded"})

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatal("transient error treated as session-invalidating")
	}
	if len(notices) != 1 || notices[0].Text != "rate limit exceeded" {
		t.Fatalf("notices = %v", notices)
	}
}

func TestRestAuthExpiredInvalidatesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var fired int
	var mu sync.Mutex
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
		OnAuthExpired: func() {
			mu.Lock()
			fired++
			mu.Unlock()
		},
	})
	seedMessage(e, testMsg1, "original")

	if err := e.Edit(context.Background(), testMsg1, "x"); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("got %v, want ErrAuthExpired", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("auth-expired fired %d times, want 1", fired)
	}
}

func TestSetPeerClearsConversation(t *testing.T) {
	e := NewEngine(EngineConfig{Session: testSession(), Conn: downConn(t), Peer: testPeer})
	seedMessage(e, testMsg1, "old room")

	e.SetPeer(testOther)
	if got := len(e.Messages()); got != 0 {
		t.Fatalf("message log not cleared on peer switch: %d entries", got)
	}

	// Events for the previous pair are now cross-conversation noise.
	seedMessage(e, testMsg2, "stale")
	if got := len(e.Messages()); got != 0 {
		t.Fatalf("event for previous peer accepted: %d entries", got)
	}

	e.apply(Frame{
		Type:       FrameMessage,
		MessageID:  testMsg3,
		SenderID:   testOther,
		ReceiverID: testSelf,
		Text:       "new room",
	})
	if got := len(e.Messages()); got != 1 {
		t.Fatalf("event for new peer dropped: %d entries", got)
	}
}

func TestResyncSharesMergePath(t *testing.T) {
	pending := NewProvisionalID()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]MessageRecord{
			{
				MessageID:  testMsg1,
				SenderID:   testPeer,
				ReceiverID: testSelf,
				Text:       "already seen",
				CreatedAt:  wireTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
			},
			{
				MessageID:  testMsg2,
				TempID:     pending.String(),
				SenderID:   testSelf,
				ReceiverID: testPeer,
				Text:       "sent while offline",
				CreatedAt:  wireTime(time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)),
			},
			{
				// Malformed record: dropped, not fatal.
				SenderID: "bogus",
			},
		})
	}))
	defer srv.Close()

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	seedMessage(e, testMsg1, "already seen")
	e.mu.Lock()
	e.store.Upsert(Message{
		ID:         pending,
		SenderID:   testSelf,
		ReceiverID: testPeer,
		Text:       "sent while offline",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		Status:     StatusPending,
	})
	e.mu.Unlock()

	if err := e.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	snap := e.Messages()
	if len(snap) != 2 {
		t.Fatalf("got %d messages after resync, want 2", len(snap))
	}
	if snap[0].ID.String() != testMsg1 {
		t.Errorf("first entry = %s", snap[0].ID)
	}
	if snap[1].ID.String() != testMsg2 || snap[1].Status != StatusConfirmed {
		t.Errorf("offline send not reconciled: %+v", snap[1])
	}
}

func TestAuthErrorClassification(t *testing.T) {
	cases := []struct {
		msg  string
		auth bool
	}{
		{"Invalid token", true},
		{"session expired", true},
		{"UNAUTHORIZED", true},
		{"authentication failed", true},
		{"rate limit exceeded", false},
		{"message too large", false},
		{"", false},
	}
	for _, c := range cases {
		t.Run(c.msg, func(t *testing.T) {
			if got := isAuthError(c.msg); got != c.auth {
				t.Errorf("isAuthError(%q) = %v, want %v", c.msg, got, c.auth)
			}
		})
	}
}
