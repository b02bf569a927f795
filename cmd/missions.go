// File: cmd/missions.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/observability"
	"github.com/xkilldash9x/overmind/internal/service"
	"github.com/xkilldash9x/overmind/internal/tools"
)

func newSubmitCmd() *cobra.Command {
	var (
		serverURL string
		owner     string
		wait      bool
		asJSON    bool
		engine    *engineFlags
	)
	submitCmd := &cobra.Command{
		Use:   `submit "<objective>"`,
		Short: "Submit a mission. Without --server it runs in-process and streams events until it finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if serverURL != "" {
				client := newAPIClient(serverURL, cfg)
				id, err := client.submit(ctx, args[0], owner)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, id)
				if !wait {
					return nil
				}
				if err := client.follow(ctx, id, 0, func(e mission.Event) error { return printEvent(out, e, asJSON) }); err != nil {
					return err
				}
				snap, err := client.mission(ctx, id)
				if err != nil {
					return err
				}
				return missionOutcome(snap)
			}

			if err := engine.apply(cmd, cfg); err != nil {
				return err
			}
			return runInProcess(ctx, cfg, args[0], owner, out, asJSON)
		},
	}
	submitCmd.Flags().StringVar(&serverURL, "server", "", "submit to a running server instead of running in-process (e.g. http://127.0.0.1:8080)")
	submitCmd.Flags().StringVar(&owner, "owner", "", "opaque owner reference stored with the mission")
	submitCmd.Flags().BoolVar(&wait, "wait", false, "with --server, stream events until the mission finishes")
	submitCmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	engine = addEngineFlags(submitCmd)
	return submitCmd
}

// runInProcess builds a private engine, runs one mission to completion and
// streams its events. Interrupting the command cancels the mission.
func runInProcess(ctx context.Context, cfg config.Interface, objective, owner string, out io.Writer, asJSON bool) error {
	logger := observability.GetLogger()
	components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer shutdownComponents(components, logger)

	orch := components.Orchestrator
	id, err := orch.Submit(ctx, objective, owner)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)

	stream, err := orch.Subscribe(context.WithoutCancel(ctx), id, 0)
	if err != nil {
		return err
	}
	defer stream.Close()

	stop := context.AfterFunc(ctx, func() {
		if _, err := orch.Cancel(context.WithoutCancel(ctx), id); err != nil {
			logger.Debug("Cancel on interrupt failed.", zap.Error(err))
		}
	})
	defer stop()

	for e := range stream.Events() {
		if err := printEvent(out, e, asJSON); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}

	snap, err := orch.GetMission(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	return missionOutcome(snap)
}

func newStatusCmd() *cobra.Command {
	var (
		serverURL string
		asJSON    bool
	)
	statusCmd := &cobra.Command{
		Use:   "status <mission-id>",
		Short: "Show a mission and the tasks of its active plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := newAPIClient(serverURL, cfg).mission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return codec.NewEncoder(cmd.OutOrStdout()).Encode(snap)
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}
	statusCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default http://<server.listen_addr>)")
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	return statusCmd
}

func newCancelCmd() *cobra.Command {
	var serverURL string
	cancelCmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Request cooperative cancellation of a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			outcome, err := newAPIClient(serverURL, cfg).cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), outcome)
			return err
		},
	}
	cancelCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default http://<server.listen_addr>)")
	return cancelCmd
}

func newEventsCmd() *cobra.Command {
	var (
		serverURL string
		after     int64
		follow    bool
		asJSON    bool
	)
	eventsCmd := &cobra.Command{
		Use:   "events <mission-id>",
		Short: "Print a mission's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			client := newAPIClient(serverURL, cfg)
			out := cmd.OutOrStdout()
			if follow {
				return client.follow(cmd.Context(), args[0], after, func(e mission.Event) error { return printEvent(out, e, asJSON) })
			}
			events, err := client.events(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			for _, e := range events {
				if err := printEvent(out, e, asJSON); err != nil {
					return err
				}
			}
			return nil
		},
	}
	eventsCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default http://<server.listen_addr>)")
	eventsCmd.Flags().Int64Var(&after, "after", 0, "only events with a sequence greater than this")
	eventsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream live events until the mission finishes")
	eventsCmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return eventsCmd
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools plans may reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			router, err := service.InitializeLLMClient(ctx, cfg.LLM(), logger)
			if err != nil {
				return err
			}
			registry := tools.NewRegistry(logger)
			if router != nil {
				defer router.Close()
				err = tools.RegisterBuiltins(registry, cfg.Tools(), router, logger)
			} else {
				err = tools.RegisterBuiltins(registry, cfg.Tools(), nil, logger)
			}
			if err != nil {
				return err
			}
			return printTools(cmd.OutOrStdout(), registry.List())
		},
	}
}

// -- Output --

func printEvent(w io.Writer, e mission.Event, asJSON bool) error {
	if asJSON {
		return codec.NewEncoder(w).Encode(e)
	}
	_, err := fmt.Fprintf(w, "%4d  %-18s %s\n", e.Sequence, e.Type, strings.TrimSpace(string(e.Payload)))
	return err
}

func printSnapshot(w io.Writer, snap *mission.Snapshot) error {
	m := snap.Mission
	fmt.Fprintf(w, "Mission:   %s\nObjective: %s\nStatus:    %s\n", m.ID, m.Objective, m.Status)
	if m.FailureReason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", m.FailureReason)
	}
	if m.LastError != "" {
		fmt.Fprintf(w, "Error:     %s\n", m.LastError)
	}
	plan := snap.ActivePlan()
	if plan == nil {
		return nil
	}
	fmt.Fprintf(w, "\nPlan revision %d\n", plan.Revision)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTOOL\tSTATUS\tRETRIES\tDEPENDS ON\tERROR")
	for _, t := range plan.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", t.Key, t.Tool, t.Status, t.RetryCount, strings.Join(t.DependsOn, ","), t.Error)
	}
	return tw.Flush()
}

func printTools(w io.Writer, descs []tools.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODE\tREQUIRED\tDESCRIPTION")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Mode, strings.Join(d.Schema.Required, ","), d.Description)
	}
	return tw.Flush()
}

// missionOutcome turns a terminal mission into the command's exit status.
func missionOutcome(snap *mission.Snapshot) error {
	switch snap.Mission.Status {
	case mission.MissionCompleted:
		return nil
	case mission.MissionFailed:
		msg := fmt.Sprintf("mission %s failed", snap.Mission.ID)
		if snap.Mission.FailureReason != "" {
			msg += ": " + snap.Mission.FailureReason
		}
		return errors.New(msg)
	default:
		return fmt.Errorf("mission %s is still %s", snap.Mission.ID, snap.Mission.Status)
	}
}
