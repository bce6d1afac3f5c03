package forum

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

	"github.com/gorilla/websocket"

	"errorbot/internal/eventbus"
	logx "errorbot/pkg/logx"
)

type fakeForum struct {
	t *testing.T

	mu      sync.Mutex
	cookie  string
	agent   string
	replies []replyArgs
}

func (f *fakeForum) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.cookie = r.Header.Get("Cookie")
	f.agent = r.Header.Get("User-Agent")
	f.mu.Unlock()

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(map[string]any{
		"event": EventNewNotification,
		"data":  map[string]any{"nid": "mention:1", "type": "mention", "pid": 42, "tid": 7, "bodyShort": "@bot !echo hi"},
	})

	for {
		var c struct {
			ID    uint64            `json:"id"`
			Event string            `json:"event"`
			Args  []json.RawMessage `json:"args"`
		}
		if err := conn.ReadJSON(&c); err != nil {
			return
		}
		switch c.Event {
		case EventReply:
			var ra replyArgs
			if len(c.Args) > 0 {
				_ = json.Unmarshal(c.Args[0], &ra)
			}
			f.mu.Lock()
			f.replies = append(f.replies, ra)
			f.mu.Unlock()
			_ = conn.WriteJSON(map[string]any{"id": c.ID, "err": nil, "data": map[string]any{"pid": 99}})
		case "fail":
			_ = conn.WriteJSON(map[string]any{"id": c.ID, "err": "[[error:no-privileges]]"})
		case "slow":
		default:
			_ = conn.WriteJSON(map[string]any{"id": c.ID, "err": nil, "data": c.Args})
		}
	}
}

func startClient(t *testing.T, cfg Config) (*SocketClient, *fakeForum, <-chan eventbus.Event, func()) {
	t.Helper()
	ff := &fakeForum{t: t}
	srv := httptest.NewServer(ff)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)

	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewSocketClient(cfg, logx.Nop(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitEvent(t, events, eventbus.ForumConnected)
	return c, ff, events, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run after cancel = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
		unsub()
		srv.Close()
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	t.Parallel()
	c := NewSocketClient(Config{URL: "ws://127.0.0.1:1"}, logx.Nop(), nil)
	if _, err := c.Emit(context.Background(), "meta.ping"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit = %v", err)
	}
	if err := c.Post(context.Background(), "x"); !errors.Is(err, ErrNoLogTopic) {
		t.Fatalf("Post = %v", err)
	}
}

func TestSocketRoundTrip(t *testing.T) {
	t.Parallel()
	c, ff, events, stop := startClient(t, Config{
		Cookie:      "express.sid=abc",
		UserAgent:   "errorbot-test",
		CallTimeout: 200 * time.Millisecond,
		LogTopicID:  3,
	})
	defer stop()

	ev := waitEvent(t, events, eventbus.ForumNotification)
	n, ok := ev.Data.(Notification)
	if !ok || n.PostID != 42 || n.TopicID != 7 || n.Type != "mention" {
		t.Fatalf("notification = %#v", ev.Data)
	}

	ctx := context.Background()
	if err := c.Reply(ctx, 7, 42, "hi"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if err := c.Post(ctx, "[WARN] something"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	data, err := c.Emit(ctx, "echo", "a", 1)
	if err != nil || string(data) != `["a",1]` {
		t.Fatalf("Emit echo = %s, %v", data, err)
	}

	_, err = c.Emit(ctx, "fail")
	var re *RemoteError
	if !errors.As(err, &re) || re.Event != "fail" || re.Message != "[[error:no-privileges]]" {
		t.Fatalf("remote error = %v", err)
	}

	if _, err := c.Emit(ctx, "slow"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow call = %v", err)
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.cookie != "express.sid=abc" || ff.agent != "errorbot-test" {
		t.Fatalf("handshake headers cookie=%q agent=%q", ff.cookie, ff.agent)
	}
	if len(ff.replies) != 2 || ff.replies[0].ToPostID != 42 || ff.replies[1].TopicID != 3 {
		t.Fatalf("replies = %+v", ff.replies)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	t.Parallel()
	c, _, _, stop := startClient(t, Config{CallTimeout: 5 * time.Second})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Emit(context.Background(), "slow")
		errc <- err
	}()
	// Let the call register before the link drops.
	time.Sleep(50 * time.Millisecond)
	stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("pending call = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}
	if c.Connected() {
		t.Fatal("still connected")
	}
}
