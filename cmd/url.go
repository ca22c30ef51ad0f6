package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/gapstitch/pkg/tile"
)

var urlCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the signed URL of one tile",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("url.path")
		token := viper.GetString("url.token")
		if path == "" || token == "" {
			return fmt.Errorf("path and token are required")
		}

		fmt.Fprintln(cmd.OutOrStdout(), tile.ComputeURL(path, token,
			viper.GetUint32("url.x"), viper.GetUint32("url.y"), tile.Zoom(viper.GetUint32("url.z"))))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(urlCmd)

	urlCmd.Flags().String("path", "", "image path, without scheme and host")
	urlCmd.Flags().String("token", "", "token scraped from the viewer page")
	urlCmd.Flags().Uint32P("x", "x", 0, "tile column")
	urlCmd.Flags().Uint32P("y", "y", 0, "tile row")
	urlCmd.Flags().Uint32P("z", "z", 1, "inverse scale of the level")

	// Bind flags to viper
	for _, name := range []string{"path", "token", "x", "y", "z"} {
		viper.BindPFlag("url."+name, urlCmd.Flags().Lookup(name))
	}
}
