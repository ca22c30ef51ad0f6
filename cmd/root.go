package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/gapstitch/internal/pagemeta"
	"github.com/kiesman99/gapstitch/internal/stitcher"
	"github.com/kiesman99/gapstitch/internal/store"
	"github.com/kiesman99/gapstitch/pkg/tile"
)

const version = "1.0.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gapstitch [page-url]",
	Short: "Download a gigapixel image from its deep-zoom viewer page",
	Long: `gapstitch reads a viewer page, finds the signed tile path it embeds, and
downloads and stitches every tile of one pyramid level into a single image.

Examples:
  # Full resolution, file name taken from the page title
  gapstitch https://artsandculture.google.com/asset/the-starry-night/bgEuwDxel93-Pg

  # A coarser level (inverse scale 4) as JPEG
  gapstitch https://artsandculture.google.com/asset/the-starry-night/bgEuwDxel93-Pg --zoom 4 -f jpeg -o starry.jpg

  # Resume-friendly download through tor
  gapstitch <page-url> --cache tiles.db --proxy 127.0.0.1:9050 --rate 5

  # Inspect the pyramid, or sign a single tile
  gapstitch info <page-url>
  gapstitch url --path <path> --token <token> -x 0 -y 0 -z 1

  # Start HTTP server
  gapstitch serve --port 8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no args, show help
		if len(args) == 0 {
			return cmd.Help()
		}
		return runStitch(cmd, args[0])
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gapstitch.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	// Download options, shared by every command that talks to the tile service
	rootCmd.PersistentFlags().String("user-agent", "gapstitch/"+version, "HTTP User-Agent header")
	rootCmd.PersistentFlags().String("proxy", "", "SOCKS5 proxy address (host:port)")
	rootCmd.PersistentFlags().Duration("http-timeout", 30*time.Second, "timeout of a single HTTP request")
	rootCmd.PersistentFlags().Int("concurrency", 8, "parallel tile downloads")
	rootCmd.PersistentFlags().Float64("rate", 0, "maximum tile requests per second (0 = unlimited)")
	rootCmd.PersistentFlags().Int("retries", 3, "retries per tile on transient errors")
	rootCmd.PersistentFlags().String("tile-host", "", "host tiles are signed for and fetched from (default: host of the page's image)")
	rootCmd.PersistentFlags().Int64("max-pixels", stitcher.DefaultMaxPixels, "largest canvas a single stitch may allocate")
	rootCmd.PersistentFlags().String("cache", "", "sqlite file caching downloaded tiles")

	// Output options
	rootCmd.Flags().StringP("output", "o", "", "output file (default: <page title>.<format>, - for stdout)")
	rootCmd.Flags().StringP("format", "f", "png", "output format (png|jpeg)")
	rootCmd.Flags().Uint32P("zoom", "z", 0, "inverse scale of the level to fetch (0 = finest)")

	for _, name := range []string{"log-level", "user-agent", "proxy", "http-timeout", "concurrency", "rate", "retries", "tile-host", "max-pixels", "cache"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("format", rootCmd.Flags().Lookup("format"))
	viper.BindPFlag("zoom", rootCmd.Flags().Lookup("zoom"))
}

// initConfig reads in a .env file, the config file and ENV variables if set.
func initConfig() {
	// A missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".gapstitch" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".gapstitch")
	}

	viper.SetEnvPrefix("gapstitch")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from --log-level
func newLogger() (*log.Logger, error) {
	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	log.SetDefault(logger)
	return logger, nil
}

// newStitcher wires the stitcher from configuration. The returned store,
// if any, must be closed by the caller.
func newStitcher(logger *log.Logger) (*stitcher.Stitcher, *store.Store, error) {
	client, err := tile.NewHTTPClient(viper.GetDuration("http-timeout"), viper.GetString("proxy"))
	if err != nil {
		return nil, nil, err
	}

	var cache *store.Store
	if path := viper.GetString("cache"); path != "" {
		cache, err = store.Open(path)
		if err != nil {
			return nil, nil, err
		}
	}

	st := stitcher.New(stitcher.Config{
		Client:      client,
		UserAgent:   viper.GetString("user-agent"),
		Concurrency: viper.GetInt("concurrency"),
		RateLimit:   viper.GetFloat64("rate"),
		Retries:     viper.GetInt("retries"),
		TileHost:    viper.GetString("tile-host"),
		Store:       cache,
		Logger:      logger,
		MaxPixels:   viper.GetInt64("max-pixels"),
	})
	return st, cache, nil
}

func parseFormat(name string) (int, string, error) {
	switch strings.ToLower(name) {
	case "png":
		return tile.FormatPNG, ".png", nil
	case "jpeg", "jpg":
		return tile.FormatJPEG, ".jpg", nil
	default:
		return 0, "", fmt.Errorf("unknown format: %s", name)
	}
}

// isTerminal reports whether f is a character device
func isTerminal(f *os.File) (bool, error) {
	stat, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}
	return stat.Mode()&os.ModeCharDevice != 0, nil
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runStitch(cmd *cobra.Command, pageURL string) error {
	format, ext, err := parseFormat(viper.GetString("format"))
	if err != nil {
		return err
	}

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

	result, err := st.Stitch(ctx, &stitcher.Options{
		PageURL:      pageURL,
		Zoom:         tile.Zoom(viper.GetUint32("zoom")),
		OutputFormat: format,
	})
	if err != nil {
		return err
	}

	output := viper.GetString("output")
	switch output {
	case "-":
		output = ""
	case "":
		output = pagemeta.Slug(result.Title) + ext
	}

	if output == "" {
		tty, err := isTerminal(os.Stdout)
		if err != nil {
			return err
		}
		if tty {
			return fmt.Errorf("refusing to write image data to a terminal")
		}
	}

	if err := tile.WriteImage(output, result.ImageData); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}

	if output != "" {
		abs, _ := filepath.Abs(output)
		logger.Info("image written", "file", abs, "size", fmt.Sprintf("%dx%d", result.Width, result.Height))
	}
	return nil
}
