package workqueue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Worker Job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	// StatusCancelled only appears in history records.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job has finished executing.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Well-known metadata keys.
const (
	MetaUserID             = "user_id"
	MetaTaskID             = "task_id"
	MetaDeliveryTarget     = "delivery_target"
	MetaProgress           = "progress"
	MetaCancelRequested    = "cancel_requested"
	MetaSuppressDelivery   = "suppress_delivery"
	MetaCancelReason       = "cancel_reason"
	MetaLastProgressNotice = "last_progress_notice_at"
	MetaDeliveredFiles     = "delivered_files"
)

// Delivery details recorded in history.
const (
	DetailDelivered        = "delivered"
	DetailNoDeliveryTarget = "no_delivery_target"
	DetailSuppressed       = "suppressed"
	DetailCancelled        = "cancelled"
)

// File is an artifact produced by a job.
type File struct {
	Kind     string `json:"kind"` // document, photo, video, audio
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Payload carries structured job output.
type Payload struct {
	Files []File         `json:"files,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Result is the structured outcome of executing one instruction.
type Result struct {
	OK          bool           `json:"ok"`
	Text        string         `json:"text,omitempty"`
	UI          map[string]any `json:"ui,omitempty"`
	Payload     Payload        `json:"payload"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Backend     string         `json:"backend,omitempty"`
	RuntimeMode string         `json:"runtime_mode,omitempty"`
}

// DeliveryTarget names where results for a job should be sent.
type DeliveryTarget struct {
	Platform string `json:"platform"`
	ChatID   string `json:"chat_id"`
}

func (t DeliveryTarget) Valid() bool {
	return t.Platform != "" && t.ChatID != ""
}

// Progress summarizes sub-steps of a running job.
type Progress struct {
	Completed []string  `json:"completed,omitempty"`
	Current   string    `json:"current,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job is one instruction enqueued for a worker. While running, the claimer
// keeps LeaseExpiresAt in the future; a lapsed lease marks the job abandoned.
type Job struct {
	JobID          string         `json:"job_id"`
	WorkerID       string         `json:"worker_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Instruction    string         `json:"instruction"`
	Source         string         `json:"source"`
	Backend        string         `json:"backend,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// HistoryRecord is one archived job plus delivery metadata.
type HistoryRecord struct {
	Job
	ArchivedAt     time.Time `json:"archived_at"`
	DeliveryDetail string    `json:"delivery_detail"`
}

func (j Job) UserID() string {
	s, _ := j.Metadata[MetaUserID].(string)
	return s
}

func (j Job) TaskID() string {
	s, _ := j.Metadata[MetaTaskID].(string)
	return s
}

// LeaseExpired reports whether a running job's lease lapsed before now. A
// running job without a lease counts as expired.
func (j Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt == nil || !now.Before(*j.LeaseExpiresAt)
}

func (j Job) CancelRequested() bool {
	b, _ := j.Metadata[MetaCancelRequested].(bool)
	return b
}

func (j Job) SuppressDelivery() bool {
	b, _ := j.Metadata[MetaSuppressDelivery].(bool)
	return b
}

// DeliveryTarget decodes the explicit delivery target, if any.
func (j Job) DeliveryTarget() (DeliveryTarget, bool) {
	var t DeliveryTarget
	if !decodeMeta(j.Metadata, MetaDeliveryTarget, &t) || !t.Valid() {
		return DeliveryTarget{}, false
	}
	return t, true
}

// Progress decodes the progress summary, if any.
func (j Job) Progress() (Progress, bool) {
	var p Progress
	if !decodeMeta(j.Metadata, MetaProgress, &p) {
		return Progress{}, false
	}
	return p, true
}

// DeliveredFiles returns the keys of result files already sent by an
// earlier, interrupted delivery.
func (j Job) DeliveredFiles() []string {
	var keys []string
	decodeMeta(j.Metadata, MetaDeliveredFiles, &keys)
	return keys
}

// LastProgressNotice returns when the relay last pinged about this job.
func (j Job) LastProgressNotice() (time.Time, bool) {
	s, ok := j.Metadata[MetaLastProgressNotice].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// decodeMeta re-marshals a metadata value into dst; values read back from
// disk are generic maps.
func decodeMeta(meta map[string]any, key string, dst any) bool {
	v, ok := meta[key]
	if !ok || v == nil {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// toMeta converts a typed value into its generic JSON form so in-memory
// metadata matches what a reload from disk would produce.
func toMeta(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func cloneMeta(m map[string]any) map[string]any {
	if out, ok := toMeta(m).(map[string]any); ok && out != nil {
		return out
	}
	return map[string]any{}
}
