package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	home     string
	logLevel string
	quiet    bool
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "clawforge",
		Short: "Agent orchestration daemon and worker queue tools",
		Long: `clawforge runs a manager agent that plans work, dispatches it to
policy-constrained workers through durable per-worker queues, and delivers
results back to chat.

Examples:
  clawforge daemon
  clawforge submit --worker auto --user telegram:42 "run the test suite"
  clawforge jobs
  clawforge policy set coder --deny runtime
  clawforge heartbeat set-checklist telegram:42 "check unread invoices"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $CLAWFORGE_HOME or ~/.clawforge)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "write logs to the log file only")

	root.AddCommand(
		newDaemonCmd(opts),
		newWorkerCmd(opts),
		newSubmitCmd(opts),
		newCancelCmd(opts),
		newJobsCmd(opts),
		newPolicyCmd(opts),
		newHeartbeatCmd(opts),
	)
	return root
}
