package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Recorded is one send captured by a Recorder.
type Recorded struct {
	ChatID   string
	Kind     string // "text", "document", "photo", "video", "audio"
	Text     string
	Path     string
	Filename string
}

// Headless is implemented by adapters whose sends never reach a user.
type Headless interface {
	Headless() bool
}

// IsHeadless reports whether replies sent through a would be lost.
func IsHeadless(a Adapter) bool {
	h, ok := a.(Headless)
	return ok && h.Headless()
}

// Recorder is an Adapter that records what would have been sent instead of
// reaching a platform. Tests use it as a stand-in platform; heartbeat and
// batch runs use the headless form.
type Recorder struct {
	name     string
	limit    int
	headless bool

	mu      sync.Mutex
	records []Recorded
}

func NewRecorder(name string, limit int) *Recorder {
	if name == "" {
		name = "headless"
	}
	return &Recorder{name: name, limit: limit}
}

// NewHeadlessRecorder returns a Recorder that is not a delivery route, so
// work it starts falls back to the user's default target.
func NewHeadlessRecorder(name string, limit int) *Recorder {
	r := NewRecorder(name, limit)
	r.headless = true
	return r
}

func (r *Recorder) Headless() bool     { return r.headless }
func (r *Recorder) Name() string       { return r.name }
func (r *Recorder) MaxMessageLen() int { return r.limit }

func (r *Recorder) add(rec Recorded) Ack {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return Ack{MessageID: fmt.Sprintf("rec-%d", len(r.records))}
}

func (r *Recorder) SendMessage(ctx context.Context, chatID, text string) (Ack, error) {
	return r.add(Recorded{ChatID: chatID, Kind: "text", Text: text}), nil
}

func (r *Recorder) SendDocument(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return r.add(Recorded{ChatID: chatID, Kind: "document", Path: path, Filename: filename, Text: caption}), nil
}

func (r *Recorder) SendPhoto(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return r.add(Recorded{ChatID: chatID, Kind: "photo", Path: path, Filename: filename, Text: caption}), nil
}

func (r *Recorder) SendVideo(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return r.add(Recorded{ChatID: chatID, Kind: "video", Path: path, Filename: filename, Text: caption}), nil
}

func (r *Recorder) SendAudio(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return r.add(Recorded{ChatID: chatID, Kind: "audio", Path: path, Filename: filename, Text: caption}), nil
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.records...)
}

// Text joins all recorded text messages.
func (r *Recorder) Text() string {
	var parts []string
	for _, rec := range r.Records() {
		if rec.Kind == "text" && strings.TrimSpace(rec.Text) != "" {
			parts = append(parts, rec.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = nil
	r.mu.Unlock()
}
