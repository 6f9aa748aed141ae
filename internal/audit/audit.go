package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawforge/internal/safety"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one policy decision.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Identity      string `json:"identity"`
	Kind          string `json:"kind"`
	Subject       string `json:"subject"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
}

// Log is an append-only JSONL record of policy decisions. A nil *Log is a
// valid no-op recorder.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
}

// Open creates or appends to logs/audit.jsonl under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since Open.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.Decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Reason = safety.Redact(e.Reason)
	e.Subject = safety.Redact(e.Subject)

	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
