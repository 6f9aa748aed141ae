package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMaxMessageLen is Telegram's text message limit.
const TelegramMaxMessageLen = 4096

// Telegram implements Adapter and Listener for Telegram bots.
type Telegram struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram adapter. An empty allowedIDs accepts
// messages from anyone.
func NewTelegram(token string, allowedIDs []int64, logger *slog.Logger) *Telegram {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:      token,
		allowedIDs: allowed,
		logger:     logger.With("component", "telegram"),
	}
}

func (t *Telegram) Name() string       { return "telegram" }
func (t *Telegram) MaxMessageLen() int { return TelegramMaxMessageLen }

// Connect authenticates the bot. Sends before Connect fail with ErrDisconnected.
func (t *Telegram) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	return nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

func (t *Telegram) send(c tgbotapi.Chattable) (Ack, error) {
	if t.bot == nil {
		return Ack{}, ErrDisconnected
	}
	msg, err := t.bot.Send(c)
	if err != nil {
		return Ack{}, fmt.Errorf("telegram send: %w", err)
	}
	return Ack{MessageID: strconv.Itoa(msg.MessageID)}, nil
}

func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) (Ack, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return Ack{}, err
	}
	return t.send(tgbotapi.NewMessage(id, text))
}

func (t *Telegram) sendWithButtons(chatID int64, text string, buttons []Button, sessionID string) (Ack, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if len(buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, actionCallback(b.Action, sessionID)))
		}
		kb := tgbotapi.NewInlineKeyboardMarkup(row)
		msg.ReplyMarkup = &kb
	}
	return t.send(msg)
}

// fileData reads path so the upload carries the caller's filename.
func fileData(path, filename string) (tgbotapi.RequestFileData, error) {
	if filename == "" || filename == filepath.Base(path) {
		return tgbotapi.FilePath(path), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return tgbotapi.FileBytes{Name: filename, Bytes: data}, nil
}

func (t *Telegram) SendDocument(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return Ack{}, err
	}
	f, err := fileData(path, filename)
	if err != nil {
		return Ack{}, err
	}
	doc := tgbotapi.NewDocument(id, f)
	doc.Caption = caption
	return t.send(doc)
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return Ack{}, err
	}
	f, err := fileData(path, filename)
	if err != nil {
		return Ack{}, err
	}
	photo := tgbotapi.NewPhoto(id, f)
	photo.Caption = caption
	return t.send(photo)
}

func (t *Telegram) SendVideo(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return Ack{}, err
	}
	f, err := fileData(path, filename)
	if err != nil {
		return Ack{}, err
	}
	video := tgbotapi.NewVideo(id, f)
	video.Caption = caption
	return t.send(video)
}

func (t *Telegram) SendAudio(ctx context.Context, chatID, path, filename, caption string) (Ack, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return Ack{}, err
	}
	f, err := fileData(path, filename)
	if err != nil {
		return Ack{}, err
	}
	audio := tgbotapi.NewAudio(id, f)
	audio.Caption = caption
	return t.send(audio)
}

// Listen long-polls for updates until ctx is cancelled, reconnecting with
// exponential backoff when the poll stalls or the channel closes.
func (t *Telegram) Listen(ctx context.Context, handler IncomingHandler) error {
	if err := t.Connect(); err != nil {
		return err
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates, handler)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// updates arrive within 2.5x the long-poll timeout.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, handler IncomingHandler) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil && update.Message.From != nil {
				if !t.allowed(update.Message.From.ID) {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				go t.handleMessage(ctx, update.Message, handler)
				continue
			}
			if update.CallbackQuery != nil && update.CallbackQuery.From != nil {
				if !t.allowed(update.CallbackQuery.From.ID) {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				go t.handleCallback(ctx, update.CallbackQuery, handler)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *Telegram) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message, handler IncomingHandler) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	reply := handler(ctx, Incoming{
		Platform:  t.Name(),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    "telegram:" + strconv.FormatInt(msg.From.ID, 10),
		Text:      content,
		SessionID: fmt.Sprintf("telegram-%d", msg.Chat.ID),
	})
	t.deliverReply(msg.Chat.ID, reply, fmt.Sprintf("telegram-%d", msg.Chat.ID))
}

func (t *Telegram) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery, handler IncomingHandler) {
	action, sessionID, err := parseActionCallback(query.Data)
	if err != nil {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, action)); err != nil {
		t.logger.Warn("failed to acknowledge callback", "error", err)
	}
	if query.Message == nil {
		return
	}
	chatID := query.Message.Chat.ID
	reply := handler(ctx, Incoming{
		Platform:  t.Name(),
		ChatID:    strconv.FormatInt(chatID, 10),
		UserID:    "telegram:" + strconv.FormatInt(query.From.ID, 10),
		Action:    action,
		SessionID: sessionID,
	})
	t.deliverReply(chatID, reply, sessionID)
}

func (t *Telegram) deliverReply(chatID int64, reply Reply, sessionID string) {
	parts := Chunk(reply.Text, TelegramMaxMessageLen)
	for i, p := range parts {
		var err error
		if i == len(parts)-1 {
			_, err = t.sendWithButtons(chatID, p, reply.Buttons, sessionID)
		} else {
			_, err = t.send(tgbotapi.NewMessage(chatID, p))
		}
		if err != nil {
			t.logger.Error("failed to send telegram reply", "error", err)
			return
		}
	}
}

// actionCallback encodes a button press as "act:<action>:<session>".
func actionCallback(action, sessionID string) string {
	return "act:" + action + ":" + sessionID
}

func parseActionCallback(data string) (action, sessionID string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "act:") {
		return "", "", fmt.Errorf("not an action callback")
	}
	parts := strings.SplitN(data[len("act:"):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid action callback format")
	}
	return parts[0], parts[1], nil
}
