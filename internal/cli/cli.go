// Package cli implements the seqlabel command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/famasya/neural-sequence-labeling/internal/config"
	"github.com/famasya/neural-sequence-labeling/internal/logging"
)

// CLI encapsulates the command-line interface with its dependencies.
type CLI struct {
	version    string
	verbose    bool
	silent     bool
	configPath string
	rootCmd    *cobra.Command
	log        *zap.Logger
	logReady   bool
}

// New creates a new CLI instance with the given version string.
func New(version string) *CLI {
	c := &CLI{version: version, log: zap.NewNop()}
	c.setupCommands()
	return c
}

// setupCommands initializes all CLI commands and their configurations.
func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:           "seqlabel",
		Short:         "Neural sequence labeling: POS, chunking and NER",
		Version:       c.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	c.rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose/debug output")
	c.rootCmd.PersistentFlags().BoolVarP(&c.silent, "silent", "s", false, "Suppress all logging")
	c.rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to a YAML configuration file")

	c.rootCmd.AddCommand(c.newTrainCommand())
	c.rootCmd.AddCommand(c.newRunCommand())
	c.rootCmd.AddCommand(c.newEvaluateCommand())
	c.rootCmd.AddCommand(c.newPrepareCommand())
	c.rootCmd.AddCommand(c.newServeCommand())
	c.rootCmd.AddCommand(c.newPullCommand())
	c.rootCmd.AddCommand(c.newUpCommand())
}

// Run executes the CLI and returns any error. SIGINT and SIGTERM cancel the
// running command.
func (c *CLI) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := c.rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
	case c.logReady && !c.silent:
		c.log.Error("Command failed", zap.Error(err))
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	_ = c.log.Sync()
	return err
}

// load reads the configuration, applying flags bound to config keys, and
// installs the process logger.
func (c *CLI) load(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v := config.NewViper()
	if err := config.ReadFile(v, c.configPath); err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags(), bindings); err != nil {
		return nil, err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := c.initLogger(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindFlags makes flags that were set on the command line override config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) initLogger(cfg logging.Config) error {
	if c.silent {
		c.log = zap.NewNop()
		zap.ReplaceGlobals(c.log)
		return nil
	}
	if c.verbose {
		cfg.Level = "debug"
	}
	log, err := logging.New(cfg)
	if err != nil {
		return err
	}
	c.log = log
	c.logReady = true
	zap.ReplaceGlobals(log)
	return nil
}
