// Package main provides the command-line interface for the offline lesson
// downloader.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/offline"
	"github.com/forest6511/offline/internal/catalog"
	"github.com/forest6511/offline/pkg/config"
	"github.com/forest6511/offline/pkg/ui"
)

// Version information.
var version = "dev" // Set via ldflags during build

const appName = "offline"

// cli holds the persistent flags shared by every command.
type cli struct {
	configPath  string
	dataDir     string
	catalogPath string
	logLevel    string
	noColor     bool
	quiet       bool

	formatter *ui.Formatter
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &cli{}
	root := newRootCmd(c, os.Stdout)

	handleInterruption(cancel, c)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, c.printer().FormatError(err))
		os.Exit(1)
	}
}

func newRootCmd(c *cli, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Download course lessons for offline playback",
		Long:          `offline downloads course lessons into a local store, keeps them within a storage quota, and syncs learning progress when a connection is available.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.formatter = ui.NewFormatter().WithWriter(out)
			if c.noColor {
				c.formatter.WithColor(false)
			}
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "configuration file (default ~/.config/offline/config.json)")
	flags.StringVar(&c.dataDir, "data-dir", "", "data directory, overrides the configuration")
	flags.StringVar(&c.catalogPath, "catalog", "catalog.json", "course catalog file")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "only print errors")

	root.AddCommand(
		newDownloadCmd(c),
		newResumeCmd(c),
		newCancelCmd(c),
		newTasksCmd(c),
		newLessonsCmd(c),
		newUsageCmd(c),
		newEvictCmd(c),
		newClearCmd(c),
		newSyncCmd(c),
		newStatusCmd(c),
		newConfigCmd(c),
	)

	return root
}

func (c *cli) printer() *ui.Formatter {
	if c.formatter == nil {
		c.formatter = ui.NewFormatter().WithColor(!c.noColor && ui.IsColorSupported())
	}
	return c.formatter
}

func (c *cli) info(format string, args ...interface{}) {
	if !c.quiet {
		c.printer().PrintMessage(ui.MessageInfo, format, args...)
	}
}

func (c *cli) success(format string, args ...interface{}) {
	if !c.quiet {
		c.printer().PrintMessage(ui.MessageSuccess, format, args...)
	}
}

func (c *cli) out() io.Writer {
	return c.printer().Writer()
}

func (c *cli) loader() (*config.ConfigLoader, error) {
	path := c.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}
	return config.NewConfigLoader(path), nil
}

// loadConfig reads the configuration file and applies flag overrides.
func (c *cli) loadConfig() (*config.Config, error) {
	loader, err := c.loader()
	if err != nil {
		return nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if c.dataDir != "" {
		cfg.Storage.DataDir = c.dataDir
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}

	return cfg, nil
}

// openEngine starts an engine. withCatalog loads the catalog file; commands
// that never resolve lessons use an empty one.
func (c *cli) openEngine(withCatalog bool) (*offline.Engine, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}

	var cat *catalog.Catalog
	if withCatalog {
		cat, err = catalog.Load(c.catalogPath, nil)
	} else {
		cat, err = catalog.New(nil)
	}
	if err != nil {
		return nil, err
	}

	engine, err := offline.New(cfg, offline.WithResolver(cat))
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory %s: %w", cfg.Storage.DataDir, err)
	}
	return engine, nil
}
