package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"recurd/internal/app"
	"recurd/internal/config"
)

// withApp opens the configured store without starting the daemon. With the
// file driver, run these while the daemon is stopped.
func withApp(ctx context.Context, opts *rootOpts, fn func(a *app.App) error) error {
	a, err := app.NewApp(opts.configPath, app.WithLogLevel("warn"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func newListCmd(opts *rootOpts) *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored actions with their next run time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				if seed {
					if err := a.SeedActions(cmd.Context()); err != nil {
						return err
					}
				}
				snap, err := a.Scheduler().Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tEVERY\tSTATE\tSTART\tLAST RUN\tNEXT RUN")
				for _, it := range snap.Schedules {
					every := it.Interval
					if every == "" {
						every = "once"
					}
					start := "-"
					if it.Start != nil {
						start = formatTime(*it.Start)
					}
					next := "-"
					if it.HasNext {
						next = formatTime(it.Next)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						it.ID, it.Kind, every, it.State, start, formatTime(it.LastRun), next)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "upsert actions declared in the config first")
	return cmd
}

func newAddCmd(opts *rootOpts) *cobra.Command {
	var (
		ac    config.ActionConfig
		every string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a scheduled action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(ac.ID) == "" {
				ac.ID = uuid.NewString()
			}
			if err := ac.Every.UnmarshalText([]byte(strings.TrimSpace(every))); err != nil {
				return fmt.Errorf("--every: %w", err)
			}
			if len(ac.Payload) > 0 && !json.Valid(ac.Payload) {
				return fmt.Errorf("--payload: invalid JSON")
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				loc, err := a.Config().Location()
				if err != nil {
					return err
				}
				sa, err := ac.Build(loc)
				if err != nil {
					return err
				}
				if err := a.Scheduler().Register(cmd.Context(), sa); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sa.ID())
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&ac.ID, "id", "", "action id (default: random uuid)")
	f.StringVar(&ac.Kind, "kind", "", "action kind (log, exec, webhook, systemd)")
	f.Var(newRawJSONValue(&ac.Payload), "payload", "action payload as JSON")
	f.StringVar(&ac.Start, "start", "", "start date (RFC 3339 or YYYY-MM-DD HH:MM in scheduler timezone)")
	f.StringVar(&every, "every", "", "interval <count><M|W|D|h|m>; empty runs once")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newRemoveCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an action and its run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				return a.Scheduler().Remove(cmd.Context(), args[0])
			})
		},
	}
}

func newCancelCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Stop an action from firing again while keeping its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				return a.Scheduler().Cancel(cmd.Context(), args[0])
			})
		},
	}
}

func newRunsCmd(opts *rootOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "Show the run log, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				runs, err := a.Store().ListRuns(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tACTION\tOUTCOME\tATTEMPTS\tDURATION\tERROR")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						formatTime(r.Started), r.ActionID, r.Outcome, r.Attempts, r.Duration, r.Error)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max records (0 = all)")
	return cmd
}

// rawJSONValue adapts json.RawMessage to pflag.Value.
type rawJSONValue struct{ p *json.RawMessage }

func newRawJSONValue(p *json.RawMessage) *rawJSONValue { return &rawJSONValue{p: p} }

func (v *rawJSONValue) String() string {
	if v.p == nil {
		return ""
	}
	return string(*v.p)
}

func (v *rawJSONValue) Set(s string) error {
	*v.p = json.RawMessage(strings.TrimSpace(s))
	return nil
}

func (v *rawJSONValue) Type() string { return "json" }

func newResumeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Let a cancelled action fire again from its last run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				resumed, err := a.Scheduler().Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !resumed {
					fmt.Fprintln(cmd.OutOrStdout(), "not cancelled")
				}
				return nil
			})
		},
	}
}
