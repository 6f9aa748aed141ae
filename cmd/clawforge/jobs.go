package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/worker"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/spf13/cobra"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var workerID, backend, userID, platform, chatID string
	cmd := &cobra.Command{
		Use:   "submit <instruction>",
		Short: "Enqueue an instruction for a worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			instruction := strings.Join(args, " ")
			meta := map[string]any{}
			if userID != "" {
				meta[workqueue.MetaUserID] = userID
			}
			if platform != "" || chatID != "" {
				target := workqueue.DeliveryTarget{Platform: platform, ChatID: chatID}
				if !target.Valid() {
					return errors.New("--platform and --chat must be set together")
				}
				meta[workqueue.MetaDeliveryTarget] = target
			}

			if workerID == "" || workerID == "auto" {
				sel, ok := a.registry.Select(instruction, a.depthFunc(ctx))
				if !ok {
					return errors.New("no workers configured")
				}
				workerID = sel.Worker.ID
				meta["dispatch_reason"] = sel.Reason
			} else if _, ok := a.registry.Get(workerID); !ok {
				return fmt.Errorf("%w: %s", worker.ErrUnknownWorker, workerID)
			}

			job, err := a.queue.Submit(ctx, workerID, instruction, persistence.SourceSystem, backend, meta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.JobID, workerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "auto", "worker id, or auto to pick by capability and load")
	cmd.Flags().StringVar(&backend, "backend", "", "requested backend (agent, shell, docker)")
	cmd.Flags().StringVar(&userID, "user", "", "user the job runs for")
	cmd.Flags().StringVar(&platform, "platform", "", "delivery platform (telegram, discord)")
	cmd.Flags().StringVar(&chatID, "chat", "", "delivery chat id")
	return cmd
}

// depthFunc scores load as pending plus running jobs.
func (a *app) depthFunc(ctx context.Context) func(string) int {
	return func(workerID string) int {
		pending, running, err := a.queue.Depth(ctx, workerID)
		if err != nil {
			return 0
		}
		return pending + running
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var userID, reason string
	var running bool
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a user's queued jobs, optionally signaling running ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.queue.CancelForUser(ctx, userID, reason, running)
			if err != nil {
				return err
			}
			if _, err := a.store.Inbox().CancelAll(ctx, rep.TaskIDs, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d pending, signaled %d running\n", rep.PendingCancelled, rep.RunningSignaled)
			for _, id := range rep.JobIDs {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose jobs to cancel")
	cmd.Flags().StringVar(&reason, "reason", "cancelled from cli", "reason recorded on the jobs")
	cmd.Flags().BoolVar(&running, "running", true, "also signal running jobs to stop")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show queue depth, running and undelivered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			if jobID != "" {
				return a.showJob(ctx, out, jobID)
			}
			return a.listJobs(ctx, out)
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "show one job, live or archived")
	return cmd
}

func (a *app) showJob(ctx context.Context, out io.Writer, jobID string) error {
	var v any
	job, err := a.queue.Get(ctx, jobID)
	switch {
	case err == nil:
		v = job
	case errors.Is(err, workqueue.ErrNotFound):
		workers, werr := a.queue.Workers()
		if werr != nil {
			return werr
		}
		for _, w := range workers {
			if rec, herr := a.queue.History(w, jobID); herr == nil && rec != nil {
				v = rec
				break
			}
		}
		if v == nil {
			return err
		}
	default:
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) listJobs(ctx context.Context, out io.Writer) error {
	workers, err := a.queue.Workers()
	if err != nil {
		return err
	}
	for _, w := range workers {
		pending, running, err := a.queue.Depth(ctx, w)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-16s pending=%d running=%d\n", w, pending, running)
	}
	runningJobs, err := a.queue.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, j := range runningJobs {
		fmt.Fprintf(out, "running     %s %s %q\n", j.JobID, j.WorkerID, j.Instruction)
	}
	undelivered, err := a.queue.ListUndelivered(ctx, 0)
	if err != nil {
		return err
	}
	for _, j := range undelivered {
		fmt.Fprintf(out, "undelivered %s %s %s\n", j.JobID, j.WorkerID, j.Status)
	}
	return nil
}
