package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/shared"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "clawforge-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	check := func(name string, got, want bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got != want {
			ok = false
		}
	}
	worker := shared.WorkerIdentity("coder")
	allowed := func(p interface {
		IsToolAllowed(identity, tool, kind string) (bool, policy.Detail)
	}, identity, tool string) bool {
		got, _ := p.IsToolAllowed(identity, tool, policy.KindManager)
		return got
	}

	check("default_worker_dispatch", allowed(p, worker, "dispatch_worker"), false)
	check("default_worker_memory", allowed(p, worker, "memory_search"), false)
	check("default_worker_shell", allowed(p, worker, "run_shell"), true)
	check("default_manager_dispatch", allowed(p, shared.ManagerIdentity, "dispatch_worker"), true)
	check("default_manager_memory", allowed(p, shared.ManagerIdentity, "memory_save"), true)
	check("default_blank_identity_dispatch", allowed(p, "", "dispatch_worker"), false)

	dir, err := os.MkdirTemp("", "clawforge-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "worker_default:\n  deny: [delegation]\nworkers:\n  coder:\n    deny: [runtime]\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	store, err := policy.Open(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	check("custom_worker_shell", allowed(store, worker, "run_shell"), false)

	invalid := "workers:\n  coder:\n    deny: [no_such_group]\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := store.ReloadFromFile()
	check("reload_error_present", reloadErr != nil, true)
	check("retain_previous_rule", allowed(store, worker, "run_shell"), false)
	backendOK, _ := store.IsBackendAllowed("coder", "docker")
	check("retain_previous_backend", backendOK, false)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
