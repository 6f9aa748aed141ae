package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/clawforge/internal/safety"
)

// ErrDisconnected is returned when an adapter is used before it connects.
var ErrDisconnected = errors.New("channel disconnected")

// Ack acknowledges one outbound send.
type Ack struct {
	MessageID string `json:"message_id,omitempty"`
}

// Adapter is the outbound side of a messaging platform. Chat ids are the
// platform's own ids rendered as strings.
type Adapter interface {
	// Name returns the platform name (e.g. "telegram").
	Name() string
	// MaxMessageLen is the transport's per-message size limit in bytes.
	MaxMessageLen() int

	SendMessage(ctx context.Context, chatID, text string) (Ack, error)
	SendDocument(ctx context.Context, chatID, path, filename, caption string) (Ack, error)
	SendPhoto(ctx context.Context, chatID, path, filename, caption string) (Ack, error)
	SendVideo(ctx context.Context, chatID, path, filename, caption string) (Ack, error)
	SendAudio(ctx context.Context, chatID, path, filename, caption string) (Ack, error)
}

// Button is one quick-reply action rendered under a message.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Incoming is one inbound chat message or button press.
type Incoming struct {
	Platform string
	ChatID   string
	UserID   string
	Text     string
	// Action is set for button presses ("confirm", "stop").
	Action    string
	SessionID string
}

// Reply is what an inbound handler wants sent back.
type Reply struct {
	Text    string
	Buttons []Button
}

// IncomingHandler turns one inbound message into a reply.
type IncomingHandler func(ctx context.Context, msg Incoming) Reply

// Listener is implemented by adapters that also receive messages.
type Listener interface {
	Adapter
	Listen(ctx context.Context, handler IncomingHandler) error
}

// Registry looks adapters up by platform name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[strings.ToLower(a.Name())] = a
	r.mu.Unlock()
}

// Get returns the adapter for platform. A nil registry has no adapters.
func (r *Registry) Get(platform string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(platform))]
	return a, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SendFile routes a file to the send method matching kind. Unknown kinds go
// out as documents.
func SendFile(ctx context.Context, a Adapter, chatID, kind, path, filename, caption string) (Ack, error) {
	switch strings.ToLower(kind) {
	case "photo", "image":
		return a.SendPhoto(ctx, chatID, path, filename, caption)
	case "video":
		return a.SendVideo(ctx, chatID, path, filename, caption)
	case "audio", "voice":
		return a.SendAudio(ctx, chatID, path, filename, caption)
	default:
		return a.SendDocument(ctx, chatID, path, filename, caption)
	}
}

// SendChunked sends text split to the adapter's size limit, each part
// prefixed "[i/n] " when more than one is needed. Credentials are redacted
// first.
func SendChunked(ctx context.Context, a Adapter, chatID, text string) (int, error) {
	text = safety.Redact(text)
	parts := Chunk(text, a.MaxMessageLen())
	for i, p := range parts {
		if _, err := a.SendMessage(ctx, chatID, p); err != nil {
			return i, fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return len(parts), nil
}
