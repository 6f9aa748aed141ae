package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/persistence"
)

// HandleIncoming is the channels.IncomingHandler for chat traffic. Button
// presses resume or stop a session waiting on the user; anything else
// starts a new manager turn.
func (o *Orchestrator) HandleIncoming(ctx context.Context, msg channels.Incoming) channels.Reply {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("%s-%s", msg.Platform, msg.ChatID)
	}
	switch strings.ToLower(strings.TrimSpace(msg.Action)) {
	case "confirm":
		return o.confirm(ctx, msg, sessionID)
	case "stop":
		return o.stop(ctx, msg, sessionID)
	}
	if strings.TrimSpace(msg.Text) == "" {
		return channels.Reply{}
	}
	res, err := o.Run(ctx, TurnRequest{
		UserID:    msg.UserID,
		SessionID: sessionID,
		Source:    persistence.SourceChat,
		Goal:      msg.Text,
		Channel:   o.adapter(msg.Platform),
		ChatID:    msg.ChatID,
	})
	if err != nil {
		return channels.Reply{Text: err.Error()}
	}
	return replyFor(res)
}

func (o *Orchestrator) confirm(ctx context.Context, msg channels.Incoming, sessionID string) channels.Reply {
	if o.sessions == nil {
		return channels.Reply{Text: "Nothing is waiting for confirmation."}
	}
	st, err := o.sessions.Resume(ctx, sessionID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrInvalidTransition) {
			return channels.Reply{Text: "Nothing is waiting for confirmation."}
		}
		o.logger.Error("resume session failed", "session_id", sessionID, "error", err)
		return channels.Reply{Text: "Could not resume the task."}
	}
	res, err := o.Run(ctx, TurnRequest{
		UserID:    msg.UserID,
		SessionID: sessionID,
		TaskID:    st.TaskID,
		Source:    persistence.SourceChat,
		Goal:      "The user confirmed. Continue the task: " + st.Goal,
		Channel:   o.adapter(msg.Platform),
		ChatID:    msg.ChatID,
	})
	if err != nil {
		return channels.Reply{Text: err.Error()}
	}
	return replyFor(res)
}

func (o *Orchestrator) stop(ctx context.Context, msg channels.Incoming, sessionID string) channels.Reply {
	if o.sessions != nil {
		st, err := o.sessions.SetFailed(ctx, sessionID, "stopped_by_user")
		switch {
		case err == nil:
			if o.inbox != nil && st.TaskID != "" {
				if _, err := o.inbox.Cancel(ctx, st.TaskID, "stopped by user"); err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
					o.logger.Warn("inbox cancel failed", "task_id", st.TaskID, "error", err)
				}
			}
		case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrInvalidTransition):
		default:
			o.logger.Warn("stop session failed", "session_id", sessionID, "error", err)
		}
	}
	if o.dispatcher.queue == nil || msg.UserID == "" {
		return channels.Reply{Text: "Stopped."}
	}
	report, err := o.dispatcher.queue.CancelForUser(ctx, msg.UserID, "stopped by user", true)
	if err != nil {
		o.logger.Error("cancel worker jobs failed", "user_id", msg.UserID, "error", err)
		return channels.Reply{Text: "Stopped, but some worker jobs could not be cancelled."}
	}
	if o.inbox != nil {
		if _, err := o.inbox.CancelAll(ctx, report.TaskIDs, "stopped by user"); err != nil {
			o.logger.Warn("inbox cancel failed", "user_id", msg.UserID, "error", err)
		}
	}
	if n := len(report.JobIDs); n > 0 {
		return channels.Reply{Text: fmt.Sprintf("Stopped. Cancelled %d worker job(s).", n)}
	}
	return channels.Reply{Text: "Stopped."}
}

func (o *Orchestrator) adapter(platform string) channels.Adapter {
	a, ok := o.channels.Get(platform)
	if !ok {
		return nil
	}
	return a
}

func replyFor(res TurnResult) channels.Reply {
	reply := channels.Reply{Text: res.Text}
	if res.UI == nil {
		return reply
	}
	if t, _ := res.UI["type"].(string); t != "confirm" {
		return reply
	}
	switch buttons := res.UI["buttons"].(type) {
	case []channels.Button:
		reply.Buttons = buttons
	case []map[string]string:
		for _, b := range buttons {
			reply.Buttons = append(reply.Buttons, channels.Button{Label: b["label"], Action: b["action"]})
		}
	case []map[string]any:
		for _, b := range buttons {
			label, _ := b["label"].(string)
			action, _ := b["action"].(string)
			reply.Buttons = append(reply.Buttons, channels.Button{Label: label, Action: action})
		}
	case []any:
		for _, item := range buttons {
			b, ok := item.(map[string]any)
			if !ok {
				continue
			}
			label, _ := b["label"].(string)
			action, _ := b["action"].(string)
			reply.Buttons = append(reply.Buttons, channels.Button{Label: label, Action: action})
		}
	}
	return reply
}
