package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/ui"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse stored assessment runs",
	}
	cmd.AddCommand(
		newHistoryListCmd(a),
		newHistoryShowCmd(a),
		newHistoryCompareCmd(a),
		newHistoryTrendCmd(a),
		newHistoryDeleteCmd(a),
		newHistoryPruneCmd(a),
	)
	return cmd
}

func newHistoryListCmd(a *app) *cobra.Command {
	var (
		host  string
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			entries := store.List(host, from, time.Time{}, limit)
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tHOST\tPHASE\tSCORE\tFINDINGS\tSTARTED")
			for _, e := range entries {
				phase := string(e.Phase)
				if e.FailureReason != "" {
					phase += " (" + e.FailureReason + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%d\t%s\n",
					e.ID, e.Host, phase, e.OverallScore, e.Findings, e.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&host, "host", "", "Only runs against this host")
	f.DurationVar(&since, "since", 0, "Only runs started within this window, e.g. 168h")
	f.IntVar(&limit, "limit", 20, "Maximum runs to list (0 for all)")
	return cmd
}

func newHistoryShowCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Render the report of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			run, err := store.Get(args[0])
			if err != nil {
				return err
			}
			rep := report.Build(run)
			if format == "" {
				ui.PrintFindings(a.stdout, rep.Run.Findings)
				ui.PrintSummary(a.stdout, rep)
				return nil
			}
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			return report.NewGenerator().Generate(rep, f, a.stdout)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json, markdown or html (default: terminal summary)")
	return cmd
}

func newHistoryCompareCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "compare BASELINE CURRENT",
		Short: "Show findings added and fixed between two runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			cmp, err := store.Compare(args[0], args[1])
			if err != nil {
				return err
			}
			if asJSON {
				return jsonutil.MarshalWrite(a.stdout, cmp)
			}
			fmt.Fprintf(a.stdout, "%s: score %+.1f (%d new, %d fixed, %d unchanged)\n",
				strings.ToUpper(cmp.Trend), cmp.ScoreDelta, len(cmp.New), len(cmp.Fixed), len(cmp.Unchanged))
			printGroup := func(title string, fs []finding.Finding) {
				if len(fs) == 0 {
					return
				}
				ui.PrintSection(a.stdout, title)
				ui.PrintFindings(a.stdout, fs)
			}
			printGroup("New", cmp.New)
			printGroup("Fixed", cmp.Fixed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the comparison as JSON")
	return cmd
}

func newHistoryPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("%w: --older-than must be positive", finding.ErrConfiguration)
			}
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			n, err := store.Prune(olderThan)
			if err != nil {
				return err
			}
			ui.PrintSuccess(a.stderr, fmt.Sprintf("removed %d runs", n))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff, e.g. 720h")
	return cmd
}

func newHistoryTrendCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "trend HOST",
		Short: "Show the risk score of completed runs over time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			points := store.Trend(args[0], from)
			if len(points) == 0 {
				ui.PrintInfo(a.stderr, "no completed runs for "+args[0])
				return nil
			}
			for _, p := range points {
				fmt.Fprintf(a.stdout, "%s  %s %5.1f  %3d findings  %s\n",
					p.StartedAt.Format(time.DateTime), ui.ProgressBar(int(p.OverallScore), 20), p.OverallScore, p.Findings, p.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs started within this window")
	return cmd
}

func newHistoryDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			ui.PrintSuccess(a.stderr, "deleted "+args[0])
			return nil
		},
	}
}
