package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawforge/internal/workqueue"
	"github.com/google/uuid"
)

// HeartbeatState is the per-user heartbeat lock and bookkeeping row.
type HeartbeatState struct {
	UserID         string                   `json:"user_id"`
	LockToken      string                   `json:"lock_token,omitempty"`
	LockExpiresAt  *time.Time               `json:"lock_expires_at,omitempty"`
	LastRunAt      *time.Time               `json:"last_run_at,omitempty"`
	Checklist      []string                 `json:"checklist"`
	DeliveryTarget workqueue.DeliveryTarget `json:"delivery_target"`
	LastError      string                   `json:"last_error,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// Locked reports whether a live, unexpired lock is held at now.
func (h HeartbeatState) Locked(now time.Time) bool {
	return h.LockToken != "" && h.LockExpiresAt != nil && now.Before(*h.LockExpiresAt)
}

type Heartbeats struct {
	s *Store
}

func (s *Store) Heartbeats() *Heartbeats {
	return &Heartbeats{s: s}
}

func (h *Heartbeats) ensureTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO heartbeat_state (user_id, updated_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO NOTHING;
	`, userID, now)
	if err != nil {
		return fmt.Errorf("ensure heartbeat state: %w", err)
	}
	return nil
}

// Acquire takes the user's heartbeat lock for ttl. It fails (ok=false) while
// another holder's unexpired lock exists; an expired lock is reclaimed.
func (h *Heartbeats) Acquire(ctx context.Context, userID string, ttl time.Duration) (token string, ok bool, err error) {
	if userID == "" {
		return "", false, fmt.Errorf("user id is required")
	}
	candidate := uuid.NewString()
	err = h.s.inTx(ctx, func(tx *sql.Tx) error {
		now := h.s.clock()
		if err := h.ensureTx(ctx, tx, userID, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE heartbeat_state
			SET lock_token = ?, lock_expires_ms = ?, updated_at = ?
			WHERE user_id = ? AND (lock_token = '' OR lock_expires_ms <= ?);
		`, candidate, now.Add(ttl).UnixMilli(), now, userID, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("acquire heartbeat lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire rows affected: %w", err)
		}
		ok = n == 1
		return nil
	})
	if err != nil || !ok {
		return "", false, err
	}
	return candidate, true, nil
}

// Refresh extends a held lock. It returns false when token no longer owns it.
func (h *Heartbeats) Refresh(ctx context.Context, userID, token string, ttl time.Duration) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		now := h.s.clock()
		res, err := h.s.db.ExecContext(ctx, `
			UPDATE heartbeat_state SET lock_expires_ms = ?, updated_at = ?
			WHERE user_id = ? AND lock_token = ? AND lock_token != '';
		`, now.Add(ttl).UnixMilli(), now, userID, token)
		if err != nil {
			return fmt.Errorf("refresh heartbeat lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("refresh rows affected: %w", err)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// Release drops the lock if token still owns it.
func (h *Heartbeats) Release(ctx context.Context, userID, token string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := h.s.db.ExecContext(ctx, `
			UPDATE heartbeat_state SET lock_token = '', lock_expires_ms = 0, updated_at = ?
			WHERE user_id = ? AND lock_token = ?;
		`, h.s.clock(), userID, token)
		if err != nil {
			return fmt.Errorf("release heartbeat lock: %w", err)
		}
		return nil
	})
}

// Get returns the user's heartbeat state; a user without a row gets an
// empty state rather than ErrNotFound.
func (h *Heartbeats) Get(ctx context.Context, userID string) (*HeartbeatState, error) {
	row := h.s.db.QueryRowContext(ctx, `
		SELECT user_id, lock_token, lock_expires_ms, last_run_at, checklist_json,
			delivery_platform, delivery_chat_id, last_error, updated_at
		FROM heartbeat_state WHERE user_id = ?;
	`, userID)
	st, err := scanHeartbeat(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &HeartbeatState{UserID: userID, Checklist: []string{}}, nil
		}
		return nil, fmt.Errorf("get heartbeat state: %w", err)
	}
	return st, nil
}

func scanHeartbeat(scanFn func(dest ...any) error) (*HeartbeatState, error) {
	var (
		st        HeartbeatState
		expiresMs int64
		lastRun   sql.NullTime
		checklist string
	)
	if err := scanFn(&st.UserID, &st.LockToken, &expiresMs, &lastRun, &checklist,
		&st.DeliveryTarget.Platform, &st.DeliveryTarget.ChatID, &st.LastError, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if expiresMs > 0 {
		t := time.UnixMilli(expiresMs).UTC()
		st.LockExpiresAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		st.LastRunAt = &t
	}
	if err := json.Unmarshal([]byte(checklist), &st.Checklist); err != nil || st.Checklist == nil {
		st.Checklist = []string{}
	}
	return &st, nil
}

// ListUsers returns every user with heartbeat state, sorted.
func (h *Heartbeats) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := h.s.db.QueryContext(ctx, `SELECT user_id FROM heartbeat_state ORDER BY user_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan heartbeat user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (h *Heartbeats) update(ctx context.Context, userID, setClause string, args ...any) error {
	return h.s.inTx(ctx, func(tx *sql.Tx) error {
		now := h.s.clock()
		if err := h.ensureTx(ctx, tx, userID, now); err != nil {
			return err
		}
		all := append(append([]any{}, args...), now, userID)
		if _, err := tx.ExecContext(ctx, `UPDATE heartbeat_state SET `+setClause+`, updated_at = ? WHERE user_id = ?;`, all...); err != nil {
			return fmt.Errorf("update heartbeat state: %w", err)
		}
		return nil
	})
}

func (h *Heartbeats) SetChecklist(ctx context.Context, userID string, items []string) error {
	if items == nil {
		items = []string{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal checklist: %w", err)
	}
	return h.update(ctx, userID, `checklist_json = ?`, string(raw))
}

func (h *Heartbeats) SetDeliveryTarget(ctx context.Context, userID string, target workqueue.DeliveryTarget) error {
	return h.update(ctx, userID, `delivery_platform = ?, delivery_chat_id = ?`, target.Platform, target.ChatID)
}

// RecordRun stamps last_run_at and stores (or clears) the last error.
func (h *Heartbeats) RecordRun(ctx context.Context, userID string, at time.Time, errMsg string) error {
	return h.update(ctx, userID, `last_run_at = ?, last_error = ?`, at.UTC(), errMsg)
}
