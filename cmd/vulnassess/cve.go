package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/hooks"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/ui"
)

func newCVECmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cve",
		Short: "Manage the CVE knowledge store",
	}
	cmd.AddCommand(newCVESyncCmd(a), newCVELookupCmd(a), newCVEStatsCmd(a))
	return cmd
}

func newCVESyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull changed records from the feed into the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.CVE.FeedURL == "" {
				return fmt.Errorf("%w: cve.feed_url is not set", finding.ErrConfiguration)
			}
			d := hooks.NewDispatcher(hooks.Config{Logger: a.logger})
			defer d.Close()
			d.Register(hooks.NewLoggerHook(a.logger))

			store := a.openCVEStore(cmd.Context(), d)
			n, err := a.syncCVE(cmd.Context(), store, d)
			if err != nil {
				return err
			}
			ui.PrintSuccess(a.stderr, fmt.Sprintf("%d records updated, %d cached in %s", n, store.Len(), a.cfg.CVE.CacheFile))
			return nil
		},
	}
	f := cmd.Flags()
	f.String("feed-url", "", "CVE feed base URL")
	f.String("api-key", "", "CVE feed API key")
	a.bind(f, "feed-url", "cve.feed_url")
	a.bind(f, "api-key", "cve.api_key")
	return cmd
}

func newCVELookupCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "lookup PRODUCT VERSION",
		Short:   "List cached CVEs affecting a product version",
		Example: "  vulnassess cve lookup openssh 7.2p2",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := hooks.NewDispatcher(hooks.Config{Logger: a.logger})
			defer d.Close()
			store := a.openCVEStore(cmd.Context(), d)
			recs := store.Lookup(args[0], args[1])
			if asJSON {
				return jsonutil.MarshalWrite(a.stdout, recs)
			}
			if len(recs) == 0 {
				ui.PrintInfo(a.stderr, fmt.Sprintf("no cached CVEs for %s %s", args[0], args[1]))
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CVE\tCVSS\tSEVERITY\tSTALE\tDESCRIPTION")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%.1f\t%s\t%t\t%s\n",
					r.ID, r.CVSS, finding.FromScore(r.CVSS), r.Stale, ui.Truncate(strings.TrimSpace(r.Description), 70))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newCVEStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and freshness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := hooks.NewDispatcher(hooks.Config{Logger: a.logger})
			defer d.Close()
			return jsonutil.MarshalWrite(a.stdout, a.openCVEStore(cmd.Context(), d).Stats())
		},
	}
}
