package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/lucasew/photoframe"
	"github.com/spf13/cobra"
)

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List the current pool of a frame server",
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := cmd.Flags().GetStringSlice("server")
		if err != nil {
			return err
		}
		next, err := cmd.Flags().GetBool("next")
		if err != nil {
			return err
		}
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}

		c := photoframe.NewClient(nil, servers)

		var assets []photoframe.Asset
		if next {
			a, err := c.NextAsset(cmd.Context())
			if err != nil {
				return err
			}
			assets = []photoframe.Asset{a}
		} else if assets, err = c.ListAssets(cmd.Context()); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(assets)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tDATE\tCITY")
		for _, a := range assets {
			date := ""
			if !a.LocalDateTime.IsZero() {
				date = a.LocalDateTime.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.OriginalFileName, date, a.ExifInfo.City)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(assetsCmd)
	assetsCmd.Flags().StringSlice("server", nil, "Frame server URL (repeatable)")
	assetsCmd.Flags().Bool("next", false, "Advance the rotation and show only the selected asset")
	assetsCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}
