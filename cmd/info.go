package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <page-url>",
	Short: "Print the tile pyramid of a viewer page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		st, cache, err := newStitcher(logger)
		if err != nil {
			return err
		}
		defer cache.Close()

		ctx, cancel := signalContext()
		defer cancel()

		src, err := st.Resolve(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		info := src.Info
		fmt.Fprintf(out, "title:     %s\n", src.Title)
		fmt.Fprintf(out, "path:      %s\n", src.Credential.Path)
		fmt.Fprintf(out, "image:     %dx%d\n", info.ImageWidth, info.ImageHeight)
		fmt.Fprintf(out, "tile:      %dx%d\n", info.TileWidth, info.TileHeight)
		fmt.Fprintf(out, "timestamp: %d\n", info.Timestamp)
		fmt.Fprintf(out, "zoom:      %d (finest) .. %d (coarsest)\n\n", info.Finest().InverseScale, info.Coarsest().InverseScale)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ZOOM\tTILES\tSIZE\tPADDING")
		for _, l := range info.Levels {
			fmt.Fprintf(tw, "%d\t%dx%d\t%dx%d\t%d,%d\n",
				l.InverseScale,
				l.TilesAcross, l.TilesDown,
				l.PixelWidth(info.TileWidth), l.PixelHeight(info.TileHeight),
				l.EdgePaddingX, l.EdgePaddingY)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
