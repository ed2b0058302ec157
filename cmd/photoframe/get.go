package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lucasew/photoframe"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <asset-id>",
	Short: "Download the image of an asset from a frame server",
	Long: `Download the image of an asset from a frame server.

Servers come from --server or from PHOTOFRAME_SERVER, a structured-field list
such as "http://frame-a:8080", "http://frame-b:8080".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := cmd.Flags().GetStringSlice("server")
		if err != nil {
			return err
		}
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}

		c := photoframe.NewClient(nil, servers)

		var out io.Writer = os.Stdout
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer func() {
				errutil.LogMsg(file.Close(), "Failed to close output file")
			}()
			out = file
		}

		bar := progressbar.NewOptions64(
			-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				errutil.LogMsg(printErr("\n"), "Failed to print newline to stderr")
			}),
		)

		info, err := c.DownloadImage(cmd.Context(), args[0], io.MultiWriter(out, bar))
		if err != nil {
			if output != "" {
				errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed download", "path", output)
			}
			return err
		}
		errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")
		return printErr(fmt.Sprintf("%s (%s)\n", info.FileName, info.ContentType))
	},
}

func printErr(s string) error {
	_, err := fmt.Fprint(os.Stderr, s)
	return err
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringSlice("server", nil, "Frame server URL (repeatable)")
	getCmd.Flags().StringP("output", "o", "", "Output file")
}
