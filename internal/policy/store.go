package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/clawforge/internal/audit"
	"github.com/basket/clawforge/internal/otel"
	"gopkg.in/yaml.v3"
)

// Checker is the read side of the Policy Store used by the runtime.
type Checker interface {
	IsToolAllowed(identity, toolName, kind string) (bool, Detail)
	IsBackendAllowed(workerID, backend string) (bool, Detail)
}

// Store wraps a Policy with thread-safe mutation and write-through persistence.
type Store struct {
	mu      sync.RWMutex
	data    Policy
	version string
	path    string // empty = no persistence

	audit   *audit.Log
	metrics *otel.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithAudit records every deny decision to the audit log.
func WithAudit(l *audit.Log) Option {
	return func(s *Store) { s.audit = l }
}

// WithMetrics counts deny decisions.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store from an initial Policy snapshot.
func NewStore(initial Policy, path string, opts ...Option) *Store {
	s := &Store{data: initial.clone(), version: initial.Version(), path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads path (missing file = Default) and returns a persisted Store.
func Open(path string, opts ...Option) (*Store, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(p, path, opts...), nil
}

func (s *Store) IsToolAllowed(identity, toolName, kind string) (bool, Detail) {
	s.mu.RLock()
	ok, d := s.data.IsToolAllowed(identity, toolName, kind)
	s.mu.RUnlock()
	s.observe(ok, d)
	return ok, d
}

func (s *Store) IsBackendAllowed(workerID, backend string) (bool, Detail) {
	s.mu.RLock()
	ok, d := s.data.IsBackendAllowed(workerID, backend)
	s.mu.RUnlock()
	s.observe(ok, d)
	return ok, d
}

func (s *Store) observe(ok bool, d Detail) {
	if ok {
		return
	}
	s.audit.Record(audit.Entry{
		Decision:      audit.DecisionDeny,
		Identity:      d.Identity,
		Kind:          d.Kind,
		Subject:       d.Subject,
		Reason:        d.Reason,
		PolicyVersion: d.Version,
	})
	s.metrics.RecordDenial(context.Background(), d.Identity, d.Reason)
}

func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// WorkerRule returns the effective record for a worker and whether it is a
// custom record.
func (s *Store) WorkerRule(workerID string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.data.Workers[workerIDOf(workerID)]; ok {
		return cloneRule(r), true
	}
	return cloneRule(s.data.WorkerDefault), false
}

// SetWorkerPolicy installs a custom record for workerID and persists it.
func (s *Store) SetWorkerPolicy(workerID string, r Rule) error {
	workerID = strings.TrimSpace(workerIDOf(workerID))
	if workerID == "" {
		return fmt.Errorf("empty worker id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data.clone()
	if next.Workers == nil {
		next.Workers = make(map[string]Rule)
	}
	next.Workers[workerID] = cloneRule(r)
	if err := next.validate(); err != nil {
		return err
	}
	return s.commit(next)
}

// ResetWorkerPolicy drops the custom record so workerID falls back to the
// worker default. Resetting a worker without a record is a no-op.
func (s *Store) ResetWorkerPolicy(workerID string) error {
	workerID = strings.TrimSpace(workerIDOf(workerID))
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Workers[workerID]; !ok {
		return nil
	}
	next := s.data.clone()
	delete(next.Workers, workerID)
	return s.commit(next)
}

// commit persists next and swaps it in; the old policy stays active on error.
func (s *Store) commit(next Policy) error {
	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	s.version = next.Version()
	return nil
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (s *Store) Reload(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = p.clone()
	s.version = p.Version()
}

// ReloadFromFile re-reads the store's file. On error the previous policy
// remains active.
func (s *Store) ReloadFromFile() error {
	p, err := Load(s.path)
	if err != nil {
		return err
	}
	s.Reload(p)
	return nil
}

// Snapshot returns a copy of the current policy data.
func (s *Store) Snapshot() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.clone()
}

func (s *Store) persist(p Policy) error {
	if s.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace policy: %w", err)
	}
	return nil
}
