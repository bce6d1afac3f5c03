package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"errorbot/internal/eventbus"
	logx "errorbot/pkg/logx"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultCallTimeout    = 10 * time.Second
	writeTimeout          = 5 * time.Second
)

// SocketClient is a JSON-over-websocket RPC link to the forum. Run owns the
// connection; Emit, Reply and Post may be called from any goroutine.
type SocketClient struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan reply

	writeMu   sync.Mutex
	seq       atomic.Uint64
	connected atomic.Bool
}

func NewSocketClient(cfg Config, log logx.Logger, bus eventbus.Bus) *SocketClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SocketClient{cfg: cfg, log: log, bus: bus, pending: map[uint64]chan reply{}}
}

func (c *SocketClient) Connected() bool { return c.connected.Load() }

func (c *SocketClient) header() http.Header {
	h := http.Header{}
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	if ua := strings.TrimSpace(c.cfg.UserAgent); ua != "" {
		h.Set("User-Agent", ua)
	}
	if ck := strings.TrimSpace(c.cfg.Cookie); ck != "" {
		h.Set("Cookie", ck)
	}
	return h
}

// Run dials the forum and reads frames until the connection breaks or ctx
// ends. It returns nil only when ctx ended; callers restart it on error.
func (c *SocketClient) Run(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, resp, err := dialer.DialContext(dctx, c.cfg.URL, c.header())
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("forum dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Info("forum connected", logx.String("url", c.cfg.URL))
	eventbus.Publish(c.bus, eventbus.Event{Type: eventbus.ForumConnected, Source: "forum"})

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	err = c.readLoop(conn)
	close(stop)
	c.disconnect(conn)

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("forum read: %w", err)
}

func (c *SocketClient) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Debug("forum frame ignored", logx.Any("err", err))
			continue
		}
		if f.ID != 0 {
			c.resolve(f)
			continue
		}
		c.push(f)
	}
}

func (c *SocketClient) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("late forum reply", logx.Uint64("id", f.ID))
		return
	}
	r := reply{data: f.Data}
	if f.Err != nil {
		r.err = &RemoteError{Event: f.Event, Message: *f.Err}
	}
	ch <- r
}

func (c *SocketClient) push(f frame) {
	switch f.Event {
	case EventNewNotification:
		var n Notification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			c.log.Debug("bad notification payload", logx.Any("err", err))
			return
		}
		eventbus.Publish(c.bus, eventbus.Event{Type: eventbus.ForumNotification, Source: "forum", Data: n})
	case "":
	default:
		c.log.Debug("forum event", logx.String("event", f.Event))
	}
}

// disconnect fails every in-flight call.
func (c *SocketClient) disconnect(conn *websocket.Conn) {
	_ = conn.Close()
	c.connected.Store(false)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = map[uint64]chan reply{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: ErrNotConnected}
	}
	c.log.Warn("forum disconnected", logx.Int("failed_calls", len(pending)))
	eventbus.Publish(c.bus, eventbus.Event{Type: eventbus.ForumDisconnected, Source: "forum"})
}

// Emit sends one call and waits for its reply, ctx or the call timeout,
// whichever comes first.
func (c *SocketClient) Emit(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.seq.Add(1)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(call{ID: id, Event: event, Args: args})
	if err != nil {
		c.forget(id)
		return nil, err
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, errors.Join(ErrNotConnected, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		var re *RemoteError
		if errors.As(r.err, &re) && re.Event == "" {
			re.Event = event
		}
		return r.data, r.err
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, event, c.cfg.CallTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *SocketClient) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Reply posts content into a topic, optionally quoting toPostID.
func (c *SocketClient) Reply(ctx context.Context, topicID, toPostID int64, content string) error {
	_, err := c.Emit(ctx, EventReply, replyArgs{TopicID: topicID, Content: content, ToPostID: toPostID})
	return err
}

// Post writes text into the configured log topic.
func (c *SocketClient) Post(ctx context.Context, text string) error {
	if c.cfg.LogTopicID <= 0 {
		return ErrNoLogTopic
	}
	return c.Reply(ctx, c.cfg.LogTopicID, 0, text)
}
