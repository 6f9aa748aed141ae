package policy

import (
	"sort"
	"strings"
)

// Capability groups. Policies allow or deny groups, never raw tool names;
// a single tool can be addressed with the synthetic "tool:<name>" group.
const (
	GroupCore       = "core"
	GroupFS         = "fs"
	GroupFSWrite    = "fs_write"
	GroupRuntime    = "runtime"
	GroupWeb        = "web"
	GroupMemory     = "memory"
	GroupMessaging  = "messaging"
	GroupWorkers    = "workers"
	GroupDelegation = "delegation"
	GroupExtensions = "extensions"
	GroupUngrouped  = "ungrouped"

	GroupBackendAgent  = "backend_agent"
	GroupBackendShell  = "backend_shell"
	GroupBackendDocker = "backend_docker"
)

const toolGroupPrefix = "tool:"

// Tool kinds, as passed to IsToolAllowed.
const (
	KindCore      = "core"
	KindManager   = "manager"
	KindExtension = "extension"
)

var builtinToolGroups = map[string][]string{
	"finish_task":     {GroupCore},
	"ask_user":        {GroupCore},
	"read_file":       {GroupFS},
	"list_files":      {GroupFS},
	"write_file":      {GroupFS, GroupFSWrite},
	"run_shell":       {GroupRuntime},
	"web_fetch":       {GroupWeb},
	"send_message":    {GroupMessaging},
	"memory_search":   {GroupMemory},
	"memory_recall":   {GroupMemory},
	"memory_save":     {GroupMemory},
	"list_workers":    {GroupWorkers},
	"worker_status":   {GroupWorkers},
	"dispatch_worker": {GroupWorkers, GroupDelegation},
}

var builtinBackendGroups = map[string][]string{
	"agent":  {GroupBackendAgent},
	"shell":  {GroupBackendShell, GroupRuntime},
	"docker": {GroupBackendDocker, GroupRuntime},
}

var builtinGroups = func() map[string]struct{} {
	out := map[string]struct{}{GroupExtensions: {}, GroupUngrouped: {}}
	for _, groups := range builtinToolGroups {
		for _, g := range groups {
			out[g] = struct{}{}
		}
	}
	for _, groups := range builtinBackendGroups {
		for _, g := range groups {
			out[g] = struct{}{}
		}
	}
	return out
}()

// normalizeGroup accepts "group:fs", "FS" or "fs" and returns "fs".
func normalizeGroup(g string) string {
	g = strings.ToLower(strings.TrimSpace(g))
	return strings.TrimPrefix(g, "group:")
}

// toolGroups resolves the capability groups of a tool. custom maps extra
// group names to member tools and is merged with the built-in table.
func toolGroups(name, kind string, custom map[string][]string) []string {
	name = strings.ToLower(strings.TrimSpace(name))
	seen := map[string]struct{}{}
	var out []string
	add := func(g string) {
		if _, ok := seen[g]; ok {
			return
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	for _, g := range builtinToolGroups[name] {
		add(g)
	}
	groupNames := make([]string, 0, len(custom))
	for g := range custom {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)
	for _, g := range groupNames {
		for _, member := range custom[g] {
			if strings.ToLower(strings.TrimSpace(member)) == name {
				add(normalizeGroup(g))
				break
			}
		}
	}
	if len(out) == 0 {
		if kind == KindExtension {
			add(GroupExtensions)
		} else {
			add(GroupUngrouped)
		}
	}
	add(toolGroupPrefix + name)
	return out
}

func backendGroups(backend string) []string {
	backend = strings.ToLower(strings.TrimSpace(backend))
	groups := append([]string(nil), builtinBackendGroups[backend]...)
	if len(groups) == 0 {
		groups = []string{GroupUngrouped}
	}
	return groups
}

// KnownBackend reports whether backend is one of the built-in execution backends.
func KnownBackend(backend string) bool {
	_, ok := builtinBackendGroups[strings.ToLower(strings.TrimSpace(backend))]
	return ok
}
