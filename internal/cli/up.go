package cli

import (
	"fmt"
	"os"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const repoSlug = "famasya/neural-sequence-labeling"

func (c *CLI) newUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Self-update to the latest version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.load(cmd, nil); err != nil {
				return err
			}
			return c.selfUpdate(cmd)
		},
	}
}

func (c *CLI) selfUpdate(cmd *cobra.Command) error {
	v := c.version
	if v == "dev" {
		v = "0.0.0"
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return err
	}

	latest, found, err := updater.DetectLatest(cmd.Context(), selfupdate.ParseSlug(repoSlug))
	if err != nil {
		return fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("no release found")
	}

	if latest.LessOrEqual(v) {
		fmt.Fprintf(cmd.OutOrStdout(), "Already up to date (%s)\n", c.version)
		return nil
	}

	c.log.Info("Updating", zap.String("from", c.version), zap.String("to", latest.Version()))

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := updater.UpdateTo(cmd.Context(), latest, exe); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Updated to %s\n", latest.Version())
	return nil
}
