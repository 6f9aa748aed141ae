package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawforge/internal/bus"
)

type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionWaitingUser SessionStatus = "waiting_user"
	SessionDone        SessionStatus = "done"
	SessionFailed      SessionStatus = "failed"
)

// ReasonConfirmationTimeout marks a waiting_user session whose deadline passed.
const ReasonConfirmationTimeout = "confirmation_timeout"

var sessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionRunning: {
		SessionWaitingUser: {},
		SessionDone:        {},
		SessionFailed:      {},
	},
	SessionWaitingUser: {
		SessionRunning: {},
		SessionDone:    {},
		SessionFailed:  {},
	},
}

// SessionTask is the live task state of one conversation.
type SessionTask struct {
	SessionID       string        `json:"session_id"`
	TaskID          string        `json:"task_id"`
	UserID          string        `json:"user_id"`
	Goal            string        `json:"goal"`
	Status          SessionStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	Preview         string        `json:"preview,omitempty"`
	ConfirmDeadline *time.Time    `json:"confirm_deadline,omitempty"`
	LastActiveAt    time.Time     `json:"last_active_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type Sessions struct {
	s *Store
}

func (s *Store) Sessions() *Sessions {
	return &Sessions{s: s}
}

// Begin starts (or restarts) the session's task in running state.
func (ss *Sessions) Begin(ctx context.Context, sessionID, taskID, userID, goal string) (*SessionTask, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	err := ss.s.inTx(ctx, func(tx *sql.Tx) error {
		now := ss.s.clock()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_tasks (session_id, task_id, user_id, goal, status, reason, preview,
				confirm_deadline_ms, last_active_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '', '', NULL, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				task_id = excluded.task_id,
				user_id = excluded.user_id,
				goal = excluded.goal,
				status = excluded.status,
				reason = '',
				preview = '',
				confirm_deadline_ms = NULL,
				last_active_at = excluded.last_active_at,
				updated_at = excluded.updated_at;
		`, sessionID, taskID, userID, goal, SessionRunning, now, now, now)
		if err != nil {
			return fmt.Errorf("upsert session task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ss.publish(sessionID, taskID, SessionRunning, "")
	return ss.Get(ctx, sessionID)
}

func (ss *Sessions) publish(sessionID, taskID string, status SessionStatus, reason string) {
	ss.s.bus.Publish(bus.TopicSessionStateChanged, bus.SessionStateChangedEvent{
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    string(status),
		Reason:    reason,
	})
}

func (ss *Sessions) Get(ctx context.Context, sessionID string) (*SessionTask, error) {
	row := ss.s.db.QueryRowContext(ctx, `
		SELECT session_id, task_id, user_id, goal, status, reason, preview, confirm_deadline_ms,
			last_active_at, created_at, updated_at
		FROM session_tasks WHERE session_id = ?;
	`, sessionID)
	st, err := scanSessionTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get session task: %w", err)
	}
	return st, nil
}

func scanSessionTask(scanFn func(dest ...any) error) (*SessionTask, error) {
	var st SessionTask
	var deadline sql.NullInt64
	if err := scanFn(&st.SessionID, &st.TaskID, &st.UserID, &st.Goal, &st.Status, &st.Reason, &st.Preview,
		&deadline, &st.LastActiveAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.ConfirmDeadline = fromMillis(deadline)
	return &st, nil
}

// Touch records liveness for the session's current task.
func (ss *Sessions) Touch(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := ss.s.db.ExecContext(ctx, `UPDATE session_tasks SET last_active_at = ? WHERE session_id = ?;`, ss.s.clock(), sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
}

// RecordPreview stores a truncated preview of the latest reply.
func (ss *Sessions) RecordPreview(ctx context.Context, sessionID, text string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		now := ss.s.clock()
		_, err := ss.s.db.ExecContext(ctx, `
			UPDATE session_tasks SET preview = ?, last_active_at = ?, updated_at = ? WHERE session_id = ?;
		`, text, now, now, sessionID)
		if err != nil {
			return fmt.Errorf("record session preview: %w", err)
		}
		return nil
	})
}

func (ss *Sessions) transition(ctx context.Context, sessionID string, to SessionStatus, reason, preview string, deadline *time.Time) (*SessionTask, error) {
	var taskID string
	err := ss.s.inTx(ctx, func(tx *sql.Tx) error {
		var from SessionStatus
		if err := tx.QueryRowContext(ctx, `SELECT status, task_id FROM session_tasks WHERE session_id = ?;`, sessionID).Scan(&from, &taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
			}
			return fmt.Errorf("select session task: %w", err)
		}
		if _, ok := sessionTransitions[from][to]; !ok {
			return fmt.Errorf("%w: session %s -> %s", ErrInvalidTransition, from, to)
		}
		now := ss.s.clock()
		_, err := tx.ExecContext(ctx, `
			UPDATE session_tasks
			SET status = ?, reason = ?, preview = CASE WHEN ? = '' THEN preview ELSE ? END,
				confirm_deadline_ms = ?, last_active_at = ?, updated_at = ?
			WHERE session_id = ?;
		`, to, reason, preview, preview, nullableMillis(deadline), now, now, sessionID)
		if err != nil {
			return fmt.Errorf("update session task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ss.publish(sessionID, taskID, to, reason)
	return ss.Get(ctx, sessionID)
}

// SetWaiting parks the session until the user confirms or the deadline passes.
func (ss *Sessions) SetWaiting(ctx context.Context, sessionID string, deadline time.Time, preview string) (*SessionTask, error) {
	return ss.transition(ctx, sessionID, SessionWaitingUser, "", preview, &deadline)
}

// Resume moves a waiting session back to running after user confirmation.
func (ss *Sessions) Resume(ctx context.Context, sessionID string) (*SessionTask, error) {
	return ss.transition(ctx, sessionID, SessionRunning, "", "", nil)
}

func (ss *Sessions) SetDone(ctx context.Context, sessionID, preview string) (*SessionTask, error) {
	return ss.transition(ctx, sessionID, SessionDone, "", preview, nil)
}

func (ss *Sessions) SetFailed(ctx context.Context, sessionID, reason string) (*SessionTask, error) {
	return ss.transition(ctx, sessionID, SessionFailed, reason, "", nil)
}

// ExpireWaiting fails every waiting_user session whose confirmation deadline
// is before now and returns the expired rows.
func (ss *Sessions) ExpireWaiting(ctx context.Context, now time.Time) ([]SessionTask, error) {
	rows, err := ss.s.db.QueryContext(ctx, `
		SELECT session_id FROM session_tasks
		WHERE status = ? AND confirm_deadline_ms IS NOT NULL AND confirm_deadline_ms < ?;
	`, SessionWaitingUser, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []SessionTask
	for _, id := range ids {
		st, err := ss.SetFailed(ctx, id, ReasonConfirmationTimeout)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired = append(expired, *st)
	}
	return expired, nil
}

// ExpireWaitingSessions is ExpireWaiting against the store clock.
func (s *Store) ExpireWaitingSessions(ctx context.Context) ([]SessionTask, error) {
	return s.Sessions().ExpireWaiting(ctx, s.clock())
}
