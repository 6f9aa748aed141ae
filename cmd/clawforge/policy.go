package main

import (
	"fmt"

	"github.com/basket/clawforge/internal/orchestrator"
	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/shared"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit per-worker tool policy",
		Long: `Per-worker tool policy lives in policy.yaml. Rules name capability
groups (core, fs, runtime, web, messaging, workers, delegation, ...) or
single tools as "tool:<name>".
Deny always wins over allow; workers never get memory tools.`,
	}
	cmd.AddCommand(newPolicyShowCmd(opts), newPolicySetCmd(opts), newPolicyResetCmd(opts), newPolicyCheckCmd(opts))
	return cmd
}

func newPolicyShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			data, err := yaml.Marshal(a.policy.Snapshot())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# version %s\n%s", a.policy.Version(), data)
			return nil
		},
	}
}

func newPolicySetCmd(opts *rootOptions) *cobra.Command {
	var allow, deny []string
	cmd := &cobra.Command{
		Use:   "set <worker>",
		Short: "Install a custom rule for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.policy.SetWorkerPolicy(args[0], policy.Rule{Allow: allow, Deny: deny}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy for %s updated (version %s)\n", args[0], a.policy.Version())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "groups or tools to allow (empty allows everything not denied)")
	cmd.Flags().StringSliceVar(&deny, "deny", nil, "groups or tools to deny")
	return cmd
}

func newPolicyResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <worker>",
		Short: "Drop a worker's custom rule so the worker default applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.policy.ResetWorkerPolicy(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy for %s reset (version %s)\n", args[0], a.policy.Version())
			return nil
		},
	}
}

func newPolicyCheckCmd(opts *rootOptions) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "check <worker> [tool]",
		Short: "Explain whether a worker may use a tool or backend",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			workerID := args[0]

			if len(args) == 2 {
				kind, err := toolKind(a.policy, args[1])
				if err != nil {
					return err
				}
				ok, d := a.policy.IsToolAllowed(shared.WorkerIdentity(workerID), args[1], kind)
				fmt.Fprintf(out, "tool %s: %s (%s)\n", args[1], verdict(ok), d.Reason)
			}
			if backend != "" {
				ok, d := a.policy.IsBackendAllowed(workerID, backend)
				fmt.Fprintf(out, "backend %s: %s (%s)\n", backend, verdict(ok), d.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "also check this execution backend")
	return cmd
}

// toolKind looks the tool up in the manager's catalogue, which lists every
// tool.
func toolKind(checker policy.Checker, name string) (string, error) {
	d, err := orchestrator.NewDispatcher(checker)
	if err != nil {
		return "", err
	}
	for _, spec := range d.Tools(shared.ManagerIdentity) {
		if spec.Name == name {
			return spec.Kind, nil
		}
	}
	return policy.KindExtension, nil
}

func verdict(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}
