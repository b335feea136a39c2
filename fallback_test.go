package loopline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newHistoryServer(t *testing.T, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode([]MessageRecord{{
			MessageID:  testMsg1,
			SenderID:   testPeer,
			ReceiverID: testSelf,
			Text:       "from history",
			CreatedAt:  wireTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFallbackSyncsWhileDisconnected(t *testing.T) {
	var fetches atomic.Int32
	srv := newHistoryServer(t, &fetches)

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	fs := NewFallbackSync(FallbackConfig{
		Engine:   e,
		Conn:     e.cfg.Conn,
		Interval: 10 * time.Millisecond,
		Debounce: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go fs.Run(ctx)

	deadline := time.After(2 * time.Second)
	for fetches.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no fallback fetch while disconnected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The fetched history flowed through the normal merge path.
	waitFor(t, func() bool { return len(e.Messages()) == 1 })
}

func TestFallbackIdleWhileConnected(t *testing.T) {
	var fetches atomic.Int32
	srv := newHistoryServer(t, &fetches)

	conn, _ := connectedConn(t)
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    conn,
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	fs := NewFallbackSync(FallbackConfig{
		Engine:   e,
		Conn:     conn,
		Interval: 5 * time.Millisecond,
		Debounce: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	fs.Run(ctx)

	if got := fetches.Load(); got != 0 {
		t.Fatalf("fallback fetched %d times while connected", got)
	}
}

func TestKickSyncsRegardlessOfConnectionState(t *testing.T) {
	var fetches atomic.Int32
	srv := newHistoryServer(t, &fetches)

	conn, _ := connectedConn(t)
	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    conn,
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	fs := NewFallbackSync(FallbackConfig{
		Engine:   e,
		Conn:     conn,
		Interval: time.Hour, // ticker out of the picture
		Debounce: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fs.Run(ctx)

	// A conversation switch needs its history even with the socket up.
	fs.Kick()
	waitFor(t, func() bool { return fetches.Load() >= 1 })
}

func TestKicksAreDebounced(t *testing.T) {
	var fetches atomic.Int32
	srv := newHistoryServer(t, &fetches)

	e := NewEngine(EngineConfig{
		Session: testSession(),
		Conn:    downConn(t),
		Rest:    NewClient(srv.URL, testSession()),
		Peer:    testPeer,
	})
	fs := NewFallbackSync(FallbackConfig{
		Engine:   e,
		Conn:     e.cfg.Conn,
		Interval: time.Hour,
		Debounce: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fs.Run(ctx)

	for i := 0; i < 20; i++ {
		fs.Kick()
	}
	waitFor(t, func() bool { return fetches.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)

	// Twenty rapid kicks collapse into at most two fetches: the one the
	// ready limiter admits immediately and one coalesced trailing kick.
	if got := fetches.Load(); got > 2 {
		t.Fatalf("request storm: %d fetches for 20 kicks", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
