package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/richpresence/browserd/internal/browser"
)

func getCmdList(gs *globalState) *cobra.Command {
	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed browsers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := gs.loadConfig(nil); err != nil {
				return err
			}
			st := gs.buildStack(cmd.Context())
			if err := st.ctrl.RefreshInstalledBrowsers(cmd.Context()); err != nil {
				return err
			}

			list := st.ctrl.ListInstalledBrowsers()
			if asJSON {
				return printJSON(gs.stdout, list)
			}
			return printBrowsers(gs.stdout, list)
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print the inventory as JSON")
	return listCmd
}

func printBrowsers(w io.Writer, list []browser.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tPATH")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, orDash(d.Version), orDash(d.ExecutablePath))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
