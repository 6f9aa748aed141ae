package worker

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/basket/clawforge/internal/policy"
	"gopkg.in/yaml.v3"
)

// ErrUnknownWorker is returned when a worker id is not in the registry.
var ErrUnknownWorker = errors.New("unknown worker")

// Worker is one named execution identity from workers.yaml.
type Worker struct {
	ID             string   `yaml:"id" json:"id"`
	DisplayName    string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	DefaultBackend string   `yaml:"default_backend,omitempty" json:"default_backend"`
	Capabilities   []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	MaxConcurrency int      `yaml:"max_concurrency,omitempty" json:"max_concurrency"`
	WorkDir        string   `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	DockerImage    string   `yaml:"docker_image,omitempty" json:"docker_image,omitempty"`
}

type registryFile struct {
	Workers []Worker `yaml:"workers"`
}

// Registry holds the configured workers. It is safe for concurrent use and
// can be reloaded when workers.yaml changes.
type Registry struct {
	mu             sync.RWMutex
	workers        map[string]Worker
	path           string
	defaultBackend string
}

// DefaultWorker is registered when workers.yaml is absent.
func DefaultWorker(backend string) Worker {
	return Worker{
		ID:             "generalist",
		DisplayName:    "Generalist",
		Description:    "Handles any instruction with the in-process agent loop.",
		DefaultBackend: backend,
		Capabilities:   []string{"general"},
		MaxConcurrency: 1,
	}
}

// NewRegistry builds a registry from an in-memory worker list.
func NewRegistry(defaultBackend string, workers ...Worker) (*Registry, error) {
	r := &Registry{defaultBackend: defaultBackend}
	if err := r.set(workers); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadRegistry reads path. A missing file yields a single default worker.
func LoadRegistry(path, defaultBackend string) (*Registry, error) {
	r := &Registry{path: path, defaultBackend: defaultBackend}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file; on error the previous set is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r.set([]Worker{DefaultWorker(r.defaultBackend)})
		}
		return fmt.Errorf("read workers: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse workers: %w", err)
	}
	if len(f.Workers) == 0 {
		f.Workers = []Worker{DefaultWorker(r.defaultBackend)}
	}
	return r.set(f.Workers)
}

func (r *Registry) set(workers []Worker) error {
	next := make(map[string]Worker, len(workers))
	for _, w := range workers {
		w.ID = strings.TrimSpace(w.ID)
		if w.ID == "" {
			return fmt.Errorf("worker without id")
		}
		if _, dup := next[w.ID]; dup {
			return fmt.Errorf("duplicate worker %q", w.ID)
		}
		if w.DefaultBackend == "" {
			w.DefaultBackend = r.defaultBackend
		}
		if !policy.KnownBackend(w.DefaultBackend) {
			return fmt.Errorf("worker %q: unknown default backend %q", w.ID, w.DefaultBackend)
		}
		if w.MaxConcurrency <= 0 {
			w.MaxConcurrency = 1
		}
		next[w.ID] = w
	}
	r.mu.Lock()
	r.workers = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[strings.TrimSpace(id)]
	return w, ok
}

// List returns all workers sorted by id.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Selection is the outcome of automatic worker selection.
type Selection struct {
	Worker  Worker
	Score   int
	Matched []string
	Reason  string
}

// Select scores every worker by capability-tag overlap with the
// instruction, penalized by queue depth, and returns the best one. Ties go
// to the lower id. depth may be nil.
func (r *Registry) Select(instruction string, depth func(workerID string) int) (Selection, bool) {
	words := tokenize(instruction)
	var best Selection
	found := false
	for _, w := range r.List() {
		var matched []string
		for _, c := range w.Capabilities {
			if _, ok := words[strings.ToLower(c)]; ok {
				matched = append(matched, c)
			}
		}
		score := 10 * len(matched)
		if depth != nil {
			score -= depth(w.ID)
		}
		if !found || score > best.Score {
			best = Selection{Worker: w, Score: score, Matched: matched}
			found = true
		}
	}
	if !found {
		return Selection{}, false
	}
	if len(best.Matched) > 0 {
		best.Reason = "capability match: " + strings.Join(best.Matched, ", ")
	} else {
		best.Reason = "no capability match; least loaded worker"
	}
	return best, true
}

func tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	}) {
		out[f] = struct{}{}
	}
	return out
}
