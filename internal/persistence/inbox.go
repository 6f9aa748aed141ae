package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/google/uuid"
)

type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxRunning   InboxStatus = "running"
	InboxCompleted InboxStatus = "completed"
	InboxFailed    InboxStatus = "failed"
	InboxCancelled InboxStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s InboxStatus) Terminal() bool {
	return s == InboxCompleted || s == InboxFailed || s == InboxCancelled
}

const (
	SourceChat      = "chat"
	SourceHeartbeat = "heartbeat"
	SourceSystem    = "system"
)

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

var priorityRank = map[string]int{
	PriorityHigh:   0,
	PriorityNormal: 1,
	PriorityLow:    2,
}

var inboxTransitions = map[InboxStatus]map[InboxStatus]struct{}{
	InboxPending: {
		InboxRunning:   {},
		InboxCompleted: {},
		InboxFailed:    {},
		InboxCancelled: {},
	},
	InboxRunning: {
		InboxCompleted: {},
		InboxFailed:    {},
		InboxCancelled: {},
	},
}

func canTransitionInbox(from, to InboxStatus) bool {
	next, ok := inboxTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Output is the delivery shape every completed or failed task is reduced to.
type Output struct {
	Text  string           `json:"text"`
	UI    map[string]any   `json:"ui,omitempty"`
	Files []workqueue.File `json:"files,omitempty"`
}

// InboxEvent is one entry of a task's append-only event log.
type InboxEvent struct {
	ID        int64       `json:"id"`
	Type      string      `json:"type"`
	From      InboxStatus `json:"from,omitempty"`
	To        InboxStatus `json:"to,omitempty"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

func (e InboxEvent) String() string {
	return fmt.Sprintf("%s %s %s", e.CreatedAt.Format(time.RFC3339), e.Type, e.Message)
}

// Envelope is the canonical record of one unit of work.
type Envelope struct {
	TaskID           string         `json:"task_id"`
	Source           string         `json:"source"`
	Goal             string         `json:"goal"`
	Payload          map[string]any `json:"payload"`
	Priority         string         `json:"priority"`
	UserID           string         `json:"user_id"`
	RequiresReply    bool           `json:"requires_reply"`
	Metadata         map[string]any `json:"metadata"`
	Status           InboxStatus    `json:"status"`
	AssignedWorkerID string         `json:"assigned_worker_id,omitempty"`
	DispatchReason   string         `json:"dispatch_reason,omitempty"`
	Result           any            `json:"result,omitempty"`
	FinalOutput      string         `json:"final_output,omitempty"`
	Output           *Output        `json:"output,omitempty"`
	Error            string         `json:"error,omitempty"`
	Events           []InboxEvent   `json:"events"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// SubmitRequest carries the fields of a new envelope.
type SubmitRequest struct {
	Source        string
	Goal          string
	UserID        string
	Payload       map[string]any
	Priority      string
	RequiresReply bool
	Metadata      map[string]any
}

// Inbox is the Task Inbox view over the store.
type Inbox struct {
	s *Store
}

func (s *Store) Inbox() *Inbox {
	return &Inbox{s: s}
}

func marshalJSON(v any, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (in *Inbox) Submit(ctx context.Context, req SubmitRequest) (*Envelope, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	switch req.Source {
	case SourceChat, SourceHeartbeat, SourceSystem:
	case "":
		req.Source = SourceSystem
	default:
		return nil, fmt.Errorf("invalid source %q", req.Source)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	rank, ok := priorityRank[req.Priority]
	if !ok {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}
	payload, err := marshalJSON(req.Payload, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := marshalJSON(req.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	taskID := uuid.NewString()
	err = in.s.inTx(ctx, func(tx *sql.Tx) error {
		now := in.s.clock()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_tasks (task_id, source, goal, payload_json, priority, priority_rank, user_id,
				requires_reply, metadata_json, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, taskID, req.Source, goal, payload, req.Priority, rank, req.UserID,
			boolToInt(req.RequiresReply), meta, InboxPending, now, now); err != nil {
			return fmt.Errorf("insert inbox task: %w", err)
		}
		return appendInboxEventTx(ctx, tx, taskID, "submitted", "", InboxPending,
			fmt.Sprintf("submitted by %s (priority=%s)", req.Source, req.Priority), now)
	})
	if err != nil {
		return nil, err
	}
	in.s.bus.Publish(bus.TopicInboxStateChanged, bus.InboxStateChangedEvent{TaskID: taskID, NewStatus: string(InboxPending)})
	return in.Get(ctx, taskID)
}

func appendInboxEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to InboxStatus, message string, at time.Time) error {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_events (task_id, trace_id, event_type, state_from, state_to, message, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, taskID, traceID, eventType, string(from), string(to), message, at)
	if err != nil {
		return fmt.Errorf("insert inbox_event: %w", err)
	}
	return nil
}

// transition moves taskID to status to, applying extra column updates and
// appending one event. A running task may be re-targeted at running (worker
// reassignment) without a status change.
func (in *Inbox) transition(ctx context.Context, taskID string, to InboxStatus, eventType, message string, apply func(tx *sql.Tx, now time.Time) error) (*Envelope, error) {
	var from InboxStatus
	err := in.s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM inbox_tasks WHERE task_id = ?;`, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("inbox task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select inbox task: %w", err)
		}
		if !(from == to && to == InboxRunning) && !canTransitionInbox(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		now := in.s.clock()
		if _, err := tx.ExecContext(ctx, `
			UPDATE inbox_tasks SET status = ?, updated_at = ? WHERE task_id = ?;
		`, to, now, taskID); err != nil {
			return fmt.Errorf("update inbox status: %w", err)
		}
		if apply != nil {
			if err := apply(tx, now); err != nil {
				return err
			}
		}
		return appendInboxEventTx(ctx, tx, taskID, eventType, from, to, message, now)
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		in.s.bus.Publish(bus.TopicInboxStateChanged, bus.InboxStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
	return in.Get(ctx, taskID)
}

// Start marks a pending task running without assigning a worker, as
// headless runs do.
func (in *Inbox) Start(ctx context.Context, taskID, note string) (*Envelope, error) {
	return in.transition(ctx, taskID, InboxRunning, "started", note, nil)
}

// AssignWorker records the worker chosen for taskID and moves it to running.
func (in *Inbox) AssignWorker(ctx context.Context, taskID, workerID, reason, managerID string) (*Envelope, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	msg := fmt.Sprintf("assigned to %s by %s: %s", workerID, managerID, reason)
	return in.transition(ctx, taskID, InboxRunning, "assigned", msg, func(tx *sql.Tx, _ time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE inbox_tasks SET assigned_worker_id = ?, dispatch_reason = ? WHERE task_id = ?;
		`, workerID, reason, taskID)
		if err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		return nil
	})
}

func (in *Inbox) Complete(ctx context.Context, taskID string, result any, finalOutput string, output *Output) (*Envelope, error) {
	out := NormalizeOutput(result, finalOutput, "")
	if output != nil {
		out = mergeOutput(*output, out)
	}
	return in.finish(ctx, taskID, InboxCompleted, "completed", preview(out.Text, 120), result, finalOutput, out, "")
}

func (in *Inbox) Fail(ctx context.Context, taskID, errMsg string, result any, output *Output) (*Envelope, error) {
	out := NormalizeOutput(result, "", errMsg)
	if output != nil {
		out = mergeOutput(*output, out)
	}
	return in.finish(ctx, taskID, InboxFailed, "failed", errMsg, result, "", out, errMsg)
}

func (in *Inbox) Cancel(ctx context.Context, taskID, reason string) (*Envelope, error) {
	return in.finish(ctx, taskID, InboxCancelled, "cancelled", reason, nil, "", Output{Text: reason}, reason)
}

// CancelAll cancels every listed task that is not already terminal and
// returns how many moved. Missing and finished tasks are skipped.
func (in *Inbox) CancelAll(ctx context.Context, taskIDs []string, reason string) (int, error) {
	n := 0
	for _, id := range taskIDs {
		if id == "" {
			continue
		}
		_, err := in.Cancel(ctx, id, reason)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		default:
			return n, err
		}
	}
	return n, nil
}

func (in *Inbox) finish(ctx context.Context, taskID string, to InboxStatus, eventType, message string, result any, finalOutput string, out Output, errMsg string) (*Envelope, error) {
	resultJSON, err := marshalJSON(result, "")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	outputJSON, err := marshalJSON(out, "")
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return in.transition(ctx, taskID, to, eventType, message, func(tx *sql.Tx, _ time.Time) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE inbox_tasks
			SET result_json = NULLIF(?, ''), final_output = ?, output_json = ?, error = ?
			WHERE task_id = ?;
		`, resultJSON, finalOutput, outputJSON, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("update inbox result: %w", err)
		}
		return nil
	})
}

// Note appends a free-form event and bumps updated_at without a status change.
func (in *Inbox) Note(ctx context.Context, taskID, eventType, message string) error {
	return in.s.inTx(ctx, func(tx *sql.Tx) error {
		now := in.s.clock()
		res, err := tx.ExecContext(ctx, `UPDATE inbox_tasks SET updated_at = ? WHERE task_id = ?;`, now, taskID)
		if err != nil {
			return fmt.Errorf("touch inbox task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("inbox task %s: %w", taskID, ErrNotFound)
		}
		return appendInboxEventTx(ctx, tx, taskID, eventType, "", "", message, now)
	})
}

const inboxColumns = `task_id, source, goal, payload_json, priority, user_id, requires_reply, metadata_json,
	status, assigned_worker_id, dispatch_reason, result_json, final_output, output_json, error, created_at, updated_at`

func scanEnvelope(scanFn func(dest ...any) error) (*Envelope, error) {
	var (
		env                    Envelope
		payload, meta          string
		requiresReply          int
		resultJSON, outputJSON sql.NullString
	)
	if err := scanFn(&env.TaskID, &env.Source, &env.Goal, &payload, &env.Priority, &env.UserID, &requiresReply, &meta,
		&env.Status, &env.AssignedWorkerID, &env.DispatchReason, &resultJSON, &env.FinalOutput, &outputJSON, &env.Error,
		&env.CreatedAt, &env.UpdatedAt); err != nil {
		return nil, err
	}
	env.RequiresReply = requiresReply != 0
	_ = json.Unmarshal([]byte(payload), &env.Payload)
	_ = json.Unmarshal([]byte(meta), &env.Metadata)
	if resultJSON.Valid && resultJSON.String != "" {
		_ = json.Unmarshal([]byte(resultJSON.String), &env.Result)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		var out Output
		if err := json.Unmarshal([]byte(outputJSON.String), &out); err == nil {
			env.Output = &out
		}
	}
	return &env, nil
}

func (in *Inbox) Get(ctx context.Context, taskID string) (*Envelope, error) {
	row := in.s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_tasks WHERE task_id = ?;`, taskID)
	env, err := scanEnvelope(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inbox task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get inbox task: %w", err)
	}
	events, err := in.Events(ctx, taskID)
	if err != nil {
		return nil, err
	}
	env.Events = events
	return env, nil
}

func (in *Inbox) Events(ctx context.Context, taskID string) ([]InboxEvent, error) {
	rows, err := in.s.db.QueryContext(ctx, `
		SELECT event_id, event_type, COALESCE(state_from, ''), COALESCE(state_to, ''), message, created_at
		FROM inbox_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list inbox events: %w", err)
	}
	defer rows.Close()
	events := []InboxEvent{}
	for rows.Next() {
		var ev InboxEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.From, &ev.To, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inbox event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListPending returns pending tasks ordered by priority then creation time.
// Empty userID or source match everything.
func (in *Inbox) ListPending(ctx context.Context, userID, source string, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := in.s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+`
		FROM inbox_tasks
		WHERE status = ?
		  AND (? = '' OR user_id = ?)
		  AND (? = '' OR source = ?)
		ORDER BY priority_rank ASC, created_at ASC, rowid ASC
		LIMIT ?;
	`, InboxPending, userID, userID, source, source, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending inbox: %w", err)
	}
	defer rows.Close()
	var out []Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan inbox task: %w", err)
		}
		out = append(out, *env)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of tasks per status.
func (in *Inbox) CountByStatus(ctx context.Context) (map[InboxStatus]int, error) {
	rows, err := in.s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM inbox_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count inbox: %w", err)
	}
	defer rows.Close()
	out := map[InboxStatus]int{}
	for rows.Next() {
		var st InboxStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan inbox count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
