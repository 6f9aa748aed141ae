package main

import (
	"encoding/json"
	"fmt"

	"github.com/basket/clawforge/internal/heartbeat"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/spf13/cobra"
)

func newHeartbeatCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Manage per-user heartbeat checklists and delivery targets",
	}
	cmd.AddCommand(
		newHeartbeatSetChecklistCmd(opts),
		newHeartbeatSetTargetCmd(opts),
		newHeartbeatShowCmd(opts),
		newHeartbeatRunCmd(opts),
	)
	return cmd
}

func newHeartbeatSetChecklistCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-checklist <user> [item...]",
		Short: "Replace a user's standing checklist; no items clears it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Heartbeats().SetChecklist(cmd.Context(), args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checklist for %s: %d item(s)\n", args[0], len(args)-1)
			return nil
		},
	}
}

func newHeartbeatSetTargetCmd(opts *rootOptions) *cobra.Command {
	var platform, chatID string
	cmd := &cobra.Command{
		Use:   "set-target <user>",
		Short: "Set where a user's heartbeat output and worker results go",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			target := workqueue.DeliveryTarget{Platform: platform, ChatID: chatID}
			if !target.Valid() {
				return fmt.Errorf("--platform and --chat are required")
			}
			if err := a.store.Heartbeats().SetDeliveryTarget(cmd.Context(), args[0], target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivery target for %s: %s/%s\n", args[0], platform, chatID)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "telegram or discord")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id on that platform")
	return cmd
}

func newHeartbeatShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's heartbeat state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.store.Heartbeats().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func newHeartbeatRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <user>",
		Short: "Run one heartbeat cycle for a user now, if due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			chans, _ := a.buildChannels()
			st, err := a.buildStack(ctx, chans)
			if err != nil {
				return err
			}
			hb := heartbeat.New(a.store, st.orch, a.cfg.Heartbeat,
				heartbeat.WithChannels(chans),
				heartbeat.WithDetectors(a.detectors()...),
				heartbeat.WithBus(a.bus),
				heartbeat.WithMetrics(a.metrics),
				heartbeat.WithLogger(a.logger),
			)
			rep, err := hb.RunUser(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rep.Skipped != "" {
				fmt.Fprintf(out, "skipped: %s\n", rep.Skipped)
				return nil
			}
			fmt.Fprintf(out, "tasks=%d delivered=%t\n", len(rep.TaskIDs), rep.Delivered)
			if rep.Error != "" {
				fmt.Fprintf(out, "error: %s\n", rep.Error)
			}
			return nil
		},
	}
}
