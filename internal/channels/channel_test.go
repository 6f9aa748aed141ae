package channels_test

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/basket/clawforge/internal/channels"
)

var (
	_ channels.Listener = (*channels.Telegram)(nil)
	_ channels.Listener = (*channels.Discord)(nil)
	_ channels.Adapter  = (*channels.Recorder)(nil)
)

func TestAdapterNames(t *testing.T) {
	if got := channels.NewTelegram("fake-token", nil, nil).Name(); got != "telegram" {
		t.Fatalf("Telegram.Name() = %q", got)
	}
	if got := channels.NewDiscord("fake-token", nil).Name(); got != "discord" {
		t.Fatalf("Discord.Name() = %q", got)
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	ctx := context.Background()
	if _, err := channels.NewTelegram("fake-token", nil, nil).SendMessage(ctx, "42", "hi"); err != channels.ErrDisconnected {
		t.Fatalf("telegram: expected ErrDisconnected, got %v", err)
	}
	if _, err := channels.NewDiscord("fake-token", nil).SendMessage(ctx, "42", "hi"); err != channels.ErrDisconnected {
		t.Fatalf("discord: expected ErrDisconnected, got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	rec := channels.NewRecorder("telegram", 100)
	reg := channels.NewRegistry(rec)
	if a, ok := reg.Get("Telegram"); !ok || a != rec {
		t.Fatal("expected case-insensitive lookup to find the adapter")
	}
	if _, ok := reg.Get("slack"); ok {
		t.Fatal("unexpected adapter for unknown platform")
	}
	var nilReg *channels.Registry
	if _, ok := nilReg.Get("telegram"); ok {
		t.Fatal("nil registry should have no adapters")
	}
}

func TestSendFileRoutesByKind(t *testing.T) {
	rec := channels.NewRecorder("", 0)
	ctx := context.Background()
	for _, kind := range []string{"photo", "video", "audio", "document", "archive"} {
		if _, err := channels.SendFile(ctx, rec, "c1", kind, "/tmp/f", "f", ""); err != nil {
			t.Fatalf("send %s: %v", kind, err)
		}
	}
	got := rec.Records()
	want := []string{"photo", "video", "audio", "document", "document"}
	for i, r := range got {
		if r.Kind != want[i] {
			t.Fatalf("record %d: kind %q, want %q", i, r.Kind, want[i])
		}
	}
}

func TestChunkSingleMessageHasNoPrefix(t *testing.T) {
	parts := channels.Chunk("hello world", 100)
	if len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("unexpected parts: %q", parts)
	}
	if parts := channels.Chunk("   ", 100); len(parts) != 0 {
		t.Fatalf("blank text should produce no parts, got %q", parts)
	}
}

func TestChunkSplitsWithPrefixesWithinLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("line of heartbeat output\n")
	}
	const limit = 120
	parts := channels.Chunk(b.String(), limit)
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > limit {
			t.Fatalf("part %d exceeds limit: %d bytes", i, len(p))
		}
		prefix := "[" + itoa(i+1) + "/" + itoa(len(parts)) + "] "
		if !strings.HasPrefix(p, prefix) {
			t.Fatalf("part %d missing prefix %q: %q", i, prefix, p)
		}
	}
}

func TestChunkDoesNotSplitRunes(t *testing.T) {
	text := strings.Repeat("é", 200)
	for _, p := range channels.Chunk(text, 64) {
		body := p[strings.Index(p, "] ")+2:]
		if !utf8.ValidString(body) || !strings.HasPrefix(body, "é") {
			t.Fatalf("rune split in part %q", p)
		}
	}
}

func TestSendChunkedRecordsEveryPart(t *testing.T) {
	rec := channels.NewRecorder("headless", 50)
	n, err := channels.SendChunked(context.Background(), rec, "chat", strings.Repeat("word ", 40))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n < 2 || len(rec.Records()) != n {
		t.Fatalf("expected %d records, got %d", n, len(rec.Records()))
	}
	if !strings.Contains(rec.Text(), "[1/") {
		t.Fatalf("recorded text missing prefix: %q", rec.Text())
	}
}

func TestSendChunkedRedactsCredentials(t *testing.T) {
	rec := channels.NewRecorder("headless", 0)
	if _, err := channels.SendChunked(context.Background(), rec, "chat", "deploy used sk-abcdefghijklmnopqrstuvwx"); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := rec.Text()
	if strings.Contains(got, "sk-abc") || !strings.Contains(got, "[redacted:api_key]") {
		t.Fatalf("credential leaked: %q", got)
	}
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}
