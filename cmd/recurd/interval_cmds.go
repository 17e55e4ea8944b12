package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"recurd/internal/schedule"
)

func newIntervalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interval",
		Short: "Parse, format and preview interval strings",
	}
	cmd.AddCommand(newIntervalParseCmd(), newIntervalFormatCmd(), newIntervalNextCmd())
	return cmd
}

func newIntervalParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <interval>",
		Short: "Decode <count><M|W|D|h|m> into count and period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, period, err := schedule.ParseInterval(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "count=%d period=%s\n", count, period)
			return nil
		},
	}
}

func newIntervalFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format <count> <period>",
		Short: "Encode count and period (minute, hour, day, week, month)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			period, ok := periodByName(args[1])
			if !ok {
				return fmt.Errorf("unknown period %q", args[1])
			}
			s, err := schedule.FormatInterval(count, period)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newIntervalNextCmd() *cobra.Command {
	var (
		from  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "next <interval>",
		Short: "Print upcoming run times starting at --from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, period, err := schedule.ParseInterval(args[0])
			if err != nil {
				return err
			}
			anchor := time.Now()
			if strings.TrimSpace(from) != "" {
				if anchor, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				anchor = anchor.Add(schedule.ComputeInterval(n, period, anchor))
				fmt.Fprintln(out, anchor.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "anchor instant (RFC 3339); default now")
	cmd.Flags().IntVar(&count, "count", 5, "how many run times to print")
	return cmd
}

func periodByName(s string) (schedule.Period, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range schedule.Periods {
		if p.String() == s || p.String()+"s" == s {
			return p, true
		}
	}
	return schedule.PeriodNone, false
}
