package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ultrakipen/netcore"
	"github.com/ultrakipen/netcore/config"
)

// cli holds the state shared by every subcommand. The pipeline is built
// lazily by setup so that commands such as version never touch the store.
type cli struct {
	v          *viper.Viper
	configFile string

	cfg      *config.Config
	logger   netcore.Logger
	pipeline *netcore.Pipeline
	closers  []func() error
}

// rootFlags maps persistent flags to their configuration keys.
var rootFlags = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"base-url":     "transport.base_url",
	"store-driver": "store.driver",
	"store-path":   "store.path",
	"probe-url":    "transport.probe_url",
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:   "netcore",
		Short: "Resilient HTTP requests with caching, retries and an offline write queue.",
		Long: `netcore sends HTTP requests through a resilience pipeline.

Reads are deduplicated and cached by tier. Writes that cannot reach the
server are persisted and replayed when connectivity returns. Credentials are
refreshed once on a 401 and shared by every waiting request.

Configuration is read from --config (YAML), then NETCORE_* environment
variables, then flags.`,
		Version:            netcore.Version,
		SilenceErrors:      true,
		SilenceUsage:       true,
		DisableSuggestions: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "Path to config file")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "console", "Log format: console or json")
	flags.String("base-url", "", "Base URL prepended to relative request paths")
	flags.String("store-driver", "sqlite", "Persistence driver: sqlite or memory")
	flags.String("store-path", "netcore.db", "SQLite database path")
	flags.String("probe-url", "", "URL probed to detect connectivity changes")
	for name, key := range rootFlags {
		cobra.CheckErr(c.v.BindPFlag(key, flags.Lookup(name)))
	}

	root.AddCommand(
		newGetCmd(c),
		newSendCmd(c),
		newQueueCmd(c),
		newLoginCmd(c),
		newLogoutCmd(c),
		newWatchCmd(c),
		newVersionCmd(),
	)
	return root, c
}

// execute runs the command tree and releases the pipeline and store
// afterwards, whether or not the command failed.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	root, c := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer func() {
		err = errors.Join(err, c.teardown())
	}()
	return root.ExecuteContext(ctx)
}

// setup loads configuration, opens the store and builds the pipeline.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.pipeline != nil {
		return nil
	}

	if c.configFile != "" {
		c.v.SetConfigFile(c.configFile)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	cfg, err := config.FromViper(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = newLogger(cfg.Log, cmd.ErrOrStderr())

	store, closeStore, err := netcore.OpenStore(cmd.Context(), cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	c.closers = append(c.closers, closeStore)

	opts, err := netcore.OptionsFromConfig(cfg, store, c.logger)
	if err != nil {
		return err
	}
	p := netcore.New(opts...)
	c.closers = append(c.closers, p.Close)
	if !p.IsValid() {
		return p.ValidationError()
	}
	c.pipeline = p
	return nil
}

// teardown runs closers in reverse order of acquisition.
func (c *cli) teardown() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig, w io.Writer) netcore.Logger {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return netcore.NewZerologLogger(zerolog.New(out).Level(lvl).With().Timestamp().Logger())
}
