package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/waftester/vulnassess/pkg/catalog"
	"github.com/waftester/vulnassess/pkg/jsonutil"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the payload test library",
	}
	cmd.AddCommand(newCatalogListCmd(a))
	return cmd
}

func newCatalogListCmd(a *app) *cobra.Command {
	var (
		classes []string
		apiOnly bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Load(a.cfg.Scan.CatalogFiles...)
			if err != nil {
				return err
			}
			var filter []catalog.Class
			for _, c := range classes {
				filter = append(filter, catalog.Class(c))
			}
			var cases []catalog.TestCase
			if apiOnly {
				cases = cat.Filter(filter, true)
			} else {
				cases = append(cat.Filter(filter, false), cat.Filter(filter, true)...)
			}
			if asJSON {
				return jsonutil.MarshalWrite(a.stdout, cases)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCLASS\tCWE\tOWASP\tAPI\tTITLE")
			for _, tc := range cases {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", tc.ID, tc.Class, tc.CWE, tc.OWASP, tc.API, tc.Title)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&classes, "class", nil, "Only these vulnerability classes")
	f.BoolVar(&apiOnly, "api", false, "Only API test cases")
	f.BoolVar(&asJSON, "json", false, "Print test cases as JSON")
	return cmd
}
