package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected = errors.New("forum: not connected")
	ErrTimeout      = errors.New("forum: call timeout")
	ErrNoLogTopic   = errors.New("forum: log topic not configured")
)

// RemoteError is an error reported by the forum in a call reply.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("forum: %s: %s", e.Event, e.Message)
}

// Pushed event names.
const (
	EventNewNotification = "event:new_notification"
	EventReply           = "posts.reply"
)

type Config struct {
	URL            string
	UserAgent      string
	Cookie         string
	Headers        map[string]string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	// LogTopicID is the topic Post writes into.
	LogTopicID int64
}

// Client is the call surface modules depend on.
type Client interface {
	Emit(ctx context.Context, event string, args ...any) (json.RawMessage, error)
	Reply(ctx context.Context, topicID, toPostID int64, content string) error
	Connected() bool
}

// Notification is the payload of event:new_notification.
type Notification struct {
	NID        string `json:"nid"`
	Type       string `json:"type"`
	BodyShort  string `json:"bodyShort"`
	BodyLong   string `json:"bodyLong"`
	Path       string `json:"path"`
	PostID     int64  `json:"pid"`
	TopicID    int64  `json:"tid"`
	CategoryID int64  `json:"cid"`
	From       int64  `json:"from"`
	Datetime   int64  `json:"datetime"`
	TopicTitle string `json:"topicTitle,omitempty"`
}

// call is an outgoing request frame.
type call struct {
	ID    uint64 `json:"id"`
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

// frame is any incoming frame. Replies carry an id; pushes carry an event.
type frame struct {
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Err   *string         `json:"err,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type reply struct {
	data json.RawMessage
	err  error
}

type replyArgs struct {
	TopicID  int64  `json:"tid"`
	Content  string `json:"content"`
	ToPostID int64  `json:"toPid,omitempty"`
}
