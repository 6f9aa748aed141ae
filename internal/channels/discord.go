package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// DiscordMaxMessageLen is Discord's per-message character limit.
const DiscordMaxMessageLen = 2000

// Discord implements Adapter and Listener using discordgo.
type Discord struct {
	token  string
	logger *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
}

func NewDiscord(token string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{token: token, logger: logger.With("component", "discord")}
}

func (d *Discord) Name() string       { return "discord" }
func (d *Discord) MaxMessageLen() int { return DiscordMaxMessageLen }

// Connect opens the Discord gateway connection.
func (d *Discord) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return nil
	}
	if d.token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	if u := session.State.User; u != nil {
		d.logger.Info("discord connected", "bot", u.Username, "id", u.ID)
	}
	return nil
}

func (d *Discord) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	return err
}

func (d *Discord) current() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, ErrDisconnected
	}
	return d.session, nil
}

func (d *Discord) SendMessage(ctx context.Context, chatID, text string) (Ack, error) {
	s, err := d.current()
	if err != nil {
		return Ack{}, err
	}
	msg, err := s.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{Content: text})
	if err != nil {
		return Ack{}, fmt.Errorf("discord send: %w", err)
	}
	return Ack{MessageID: msg.ID}, nil
}

func (d *Discord) sendFile(chatID, path, filename, caption string) (Ack, error) {
	s, err := d.current()
	if err != nil {
		return Ack{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Ack{}, fmt.Errorf("discord: open attachment: %w", err)
	}
	defer f.Close()
	if filename == "" {
		filename = filepath.Base(path)
	}
	msg, err := s.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: filename, Reader: f}},
	})
	if err != nil {
		return Ack{}, fmt.Errorf("discord send file: %w", err)
	}
	return Ack{MessageID: msg.ID}, nil
}

// Discord renders every attachment kind the same way.
func (d *Discord) SendDocument(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return d.sendFile(chatID, path, filename, caption)
}

func (d *Discord) SendPhoto(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return d.sendFile(chatID, path, filename, caption)
}

func (d *Discord) SendVideo(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return d.sendFile(chatID, path, filename, caption)
}

func (d *Discord) SendAudio(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	return d.sendFile(chatID, path, filename, caption)
}

// Listen routes direct messages and mentions to handler until ctx is done.
func (d *Discord) Listen(ctx context.Context, handler IncomingHandler) error {
	if err := d.Connect(); err != nil {
		return err
	}
	s, err := d.current()
	if err != nil {
		return err
	}
	remove := s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		content := strings.TrimSpace(m.Content)
		if s.State.User != nil {
			content = strings.TrimSpace(strings.ReplaceAll(content, "<@"+s.State.User.ID+">", ""))
		}
		if content == "" {
			return
		}
		incoming := Incoming{
			Platform:  d.Name(),
			ChatID:    m.ChannelID,
			UserID:    "discord:" + m.Author.ID,
			Text:      content,
			SessionID: "discord-" + m.ChannelID,
		}
		if action, ok := strings.CutPrefix(content, "!"); ok && (action == "confirm" || action == "stop") {
			incoming.Text = ""
			incoming.Action = action
		}
		reply := handler(ctx, incoming)
		if _, err := SendChunked(ctx, d, m.ChannelID, withButtonHints(reply)); err != nil {
			d.logger.Error("failed to send discord reply", "error", err)
		}
	})
	defer remove()
	<-ctx.Done()
	return nil
}

// withButtonHints renders quick-reply buttons as text commands.
func withButtonHints(r Reply) string {
	if len(r.Buttons) == 0 {
		return r.Text
	}
	hints := make([]string, 0, len(r.Buttons))
	for _, b := range r.Buttons {
		hints = append(hints, fmt.Sprintf("`!%s` %s", b.Action, b.Label))
	}
	return r.Text + "\n\n" + strings.Join(hints, " · ")
}
