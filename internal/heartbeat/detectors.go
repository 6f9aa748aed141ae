package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/persistence"
	"gopkg.in/yaml.v3"
)

// TaskSpec is one unit of heartbeat work, before it becomes a Task Inbox entry.
type TaskSpec struct {
	Kind     string
	Goal     string
	Priority string
	Metadata map[string]any
}

// Detector inspects a user's signals and proposes task specs. Returning no
// specs means nothing triggered.
type Detector interface {
	Name() string
	Detect(ctx context.Context, st *persistence.HeartbeatState, now time.Time) ([]TaskSpec, error)
}

// checklistSpecs turns each non-empty checklist item into a spec, in order.
func checklistSpecs(items []string) []TaskSpec {
	var out []TaskSpec
	for i, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, TaskSpec{
			Kind:     "checklist",
			Goal:     item,
			Priority: persistence.PriorityNormal,
			Metadata: map[string]any{"checklist_index": i},
		})
	}
	return out
}

// userDir maps a user id onto a directory name under root.
func userDir(root, userID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, userID)
	return filepath.Join(root, safe)
}

// PendingSubscriptionsDetector triggers when the user's subscriptions.json
// holds unread updates. The file is a JSON array, one element per update.
type PendingSubscriptionsDetector struct {
	Dir string
}

func (d PendingSubscriptionsDetector) Name() string { return "pending_subscriptions" }

func (d PendingSubscriptionsDetector) Detect(_ context.Context, st *persistence.HeartbeatState, _ time.Time) ([]TaskSpec, error) {
	path := filepath.Join(userDir(d.Dir, st.UserID), "subscriptions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read subscription updates: %w", err)
	}
	var updates []json.RawMessage
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("parse subscription updates: %w", err)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	return []TaskSpec{{
		Kind:     d.Name(),
		Goal:     fmt.Sprintf("There are %d pending subscription updates in %s. Review them and summarize anything that needs the user's attention.", len(updates), path),
		Priority: persistence.PriorityNormal,
		Metadata: map[string]any{"pending_updates": len(updates)},
	}}, nil
}

// MarketOpenDetector triggers on weekdays during market hours when the user
// keeps a non-empty watchlist.yaml.
type MarketOpenDetector struct {
	Dir      string
	Location *time.Location
	// Open and Close are minutes after midnight in Location.
	Open  int
	Close int
}

type watchlistFile struct {
	Symbols []string `yaml:"symbols"`
}

// NewMarketOpenDetector parses the timezone and "HH:MM" market hours.
func NewMarketOpenDetector(dir, timezone, open, closeAt string) (*MarketOpenDetector, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("market timezone: %w", err)
		}
		loc = l
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	c, err := parseClock(closeAt)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("market close %s must be after open %s", closeAt, open)
	}
	return &MarketOpenDetector{Dir: dir, Location: loc, Open: o, Close: c}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (d *MarketOpenDetector) Name() string { return "market_open" }

// IsOpen reports whether now falls inside market hours.
func (d *MarketOpenDetector) IsOpen(now time.Time) bool {
	local := now.In(d.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= d.Open && m < d.Close
}

func (d *MarketOpenDetector) Detect(_ context.Context, st *persistence.HeartbeatState, now time.Time) ([]TaskSpec, error) {
	if !d.IsOpen(now) {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(userDir(d.Dir, st.UserID), "watchlist.yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	var wl watchlistFile
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parse watchlist: %w", err)
	}
	var symbols []string
	for _, s := range wl.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	return []TaskSpec{{
		Kind:     d.Name(),
		Goal:     "The market is open. Check the watchlist for notable moves or news: " + strings.Join(symbols, ", "),
		Priority: persistence.PriorityHigh,
		Metadata: map[string]any{"symbols": symbols},
	}}, nil
}
