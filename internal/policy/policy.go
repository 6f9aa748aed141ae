package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/clawforge/internal/shared"
	"gopkg.in/yaml.v3"
)

// Decision reasons.
const (
	ReasonAllowed               = "allowed"
	ReasonMatchedDenyList       = "matched_deny_list"
	ReasonNotInAllowList        = "not_in_allow_list"
	ReasonWorkerMemoryForbidden = "worker_memory_forbidden"
)

// Rule is the allow/deny record of one agent identity. An empty Allow list
// allows every group that is not denied.
type Rule struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// Policy is the serializable policy data.
type Policy struct {
	// WorkerDefault applies to any worker without its own record.
	WorkerDefault Rule `yaml:"worker_default"`
	// Workers holds per-worker overrides keyed by worker id.
	Workers map[string]Rule `yaml:"workers,omitempty"`
	// Groups adds custom capability groups: group name -> member tool names.
	Groups map[string][]string `yaml:"groups,omitempty"`
}

// managerRule is the manager's fixed record: every group is available.
var managerRule = Rule{}

// Default returns the built-in policy. Workers may not dispatch to other
// workers unless an operator grants it.
func Default() Policy {
	return Policy{
		WorkerDefault: Rule{Deny: []string{GroupDelegation}},
	}
}

// Detail explains a decision.
type Detail struct {
	Identity     string   `json:"identity"`
	Kind         string   `json:"kind"`
	Subject      string   `json:"subject"`
	Groups       []string `json:"groups"`
	Reason       string   `json:"reason"`
	MatchedGroup string   `json:"matched_group,omitempty"`
	Version      string   `json:"policy_version"`
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// IsWorkerIdentity reports whether identity is held to worker rules. Only
// the exact manager identity is not; a blank identity is treated as an
// unknown worker.
func IsWorkerIdentity(identity string) bool {
	return strings.TrimSpace(identity) != shared.ManagerIdentity
}

func workerIDOf(identity string) string {
	return strings.TrimPrefix(strings.TrimSpace(identity), shared.WorkerIdentityPrefix)
}

func (p Policy) ruleFor(identity string) Rule {
	if !IsWorkerIdentity(identity) {
		return managerRule
	}
	if r, ok := p.Workers[workerIDOf(identity)]; ok {
		return r
	}
	return p.WorkerDefault
}

// IsToolAllowed resolves whether identity may call the named tool.
func (p Policy) IsToolAllowed(identity, toolName, kind string) (bool, Detail) {
	groups := toolGroups(toolName, kind, p.Groups)
	d := Detail{Identity: identity, Kind: "tool:" + kind, Subject: toolName, Groups: groups, Version: p.Version()}

	// Structural boundary, evaluated before any configurable rule.
	if IsWorkerIdentity(identity) {
		for _, g := range groups {
			if g == GroupMemory {
				d.Reason = ReasonWorkerMemoryForbidden
				d.MatchedGroup = GroupMemory
				return false, d
			}
		}
	}
	return evaluate(p.ruleFor(identity), groups, d)
}

// IsBackendAllowed resolves whether workerID may run jobs on backend.
func (p Policy) IsBackendAllowed(workerID, backend string) (bool, Detail) {
	identity := shared.WorkerIdentity(workerIDOf(workerID))
	groups := backendGroups(backend)
	d := Detail{Identity: identity, Kind: "backend", Subject: backend, Groups: groups, Version: p.Version()}
	return evaluate(p.ruleFor(identity), groups, d)
}

func evaluate(r Rule, groups []string, d Detail) (bool, Detail) {
	for _, g := range groups {
		if containsGroup(r.Deny, g) {
			d.Reason = ReasonMatchedDenyList
			d.MatchedGroup = g
			return false, d
		}
	}
	if len(r.Allow) > 0 {
		matched := ""
		for _, g := range groups {
			if containsGroup(r.Allow, g) {
				matched = g
				break
			}
		}
		if matched == "" {
			d.Reason = ReasonNotInAllowList
			return false, d
		}
		d.MatchedGroup = matched
	}
	d.Reason = ReasonAllowed
	return true, d
}

func containsGroup(list []string, group string) bool {
	for _, entry := range list {
		if normalizeGroup(entry) == group {
			return true
		}
	}
	return false
}

func (p Policy) knownGroup(g string) bool {
	g = normalizeGroup(g)
	if strings.HasPrefix(g, toolGroupPrefix) && len(g) > len(toolGroupPrefix) {
		return true
	}
	if _, ok := builtinGroups[g]; ok {
		return true
	}
	for name := range p.Groups {
		if normalizeGroup(name) == g {
			return true
		}
	}
	return false
}

func (p Policy) validateRule(owner string, r Rule) error {
	for _, list := range [][]string{r.Allow, r.Deny} {
		for _, g := range list {
			if strings.TrimSpace(g) == "" {
				continue
			}
			if !p.knownGroup(g) {
				return fmt.Errorf("%s: unknown capability group %q", owner, g)
			}
		}
	}
	return nil
}

func (p Policy) validate() error {
	for name := range p.Groups {
		g := normalizeGroup(name)
		if g == "" || strings.HasPrefix(g, toolGroupPrefix) {
			return fmt.Errorf("invalid custom group name %q", name)
		}
	}
	if err := p.validateRule("worker_default", p.WorkerDefault); err != nil {
		return err
	}
	for id, r := range p.Workers {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("worker policy with empty id")
		}
		if err := p.validateRule("workers."+id, r); err != nil {
			return err
		}
	}
	return nil
}

// Version is a stable fingerprint of the policy content.
func (p Policy) Version() string {
	h := fnv.New64a()
	writeRule := func(prefix string, r Rule) {
		_, _ = h.Write([]byte(prefix + "|allow="))
		for _, v := range r.Allow {
			_, _ = h.Write([]byte(normalizeGroup(v) + ","))
		}
		_, _ = h.Write([]byte("|deny="))
		for _, v := range r.Deny {
			_, _ = h.Write([]byte(normalizeGroup(v) + ","))
		}
	}
	writeRule("worker_default", p.WorkerDefault)
	for _, id := range sortedKeys(p.Workers) {
		writeRule("worker:"+id, p.Workers[id])
	}
	for _, g := range sortedKeys(p.Groups) {
		_, _ = h.Write([]byte("group:" + normalizeGroup(g) + "=" + strings.ToLower(strings.Join(p.Groups[g], ",")) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Policy) clone() Policy {
	cp := Policy{
		WorkerDefault: cloneRule(p.WorkerDefault),
	}
	if p.Workers != nil {
		cp.Workers = make(map[string]Rule, len(p.Workers))
		for k, v := range p.Workers {
			cp.Workers[k] = cloneRule(v)
		}
	}
	if p.Groups != nil {
		cp.Groups = make(map[string][]string, len(p.Groups))
		for k, v := range p.Groups {
			cp.Groups[k] = append([]string(nil), v...)
		}
	}
	return cp
}

func cloneRule(r Rule) Rule {
	return Rule{
		Allow: append([]string(nil), r.Allow...),
		Deny:  append([]string(nil), r.Deny...),
	}
}
