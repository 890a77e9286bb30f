package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	seqlabel "github.com/famasya/neural-sequence-labeling"
	"github.com/famasya/neural-sequence-labeling/internal/storage"
)

func (c *CLI) newPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <checkpoint>",
		Short: "Download a mirrored checkpoint from object storage",
		Args:  cobra.ExactArgs(1),
		Example: `  seqlabel pull pos_blstm_cnn_crf_model-12.json
  seqlabel pull ner-7.json --config configs/ner.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, nil)
			if err != nil {
				return err
			}
			if !cfg.Storage.Enabled() {
				return fmt.Errorf("storage.endpoint is not configured")
			}
			mirror, err := storage.New(cfg.Storage.Config(), c.log)
			if err != nil {
				return err
			}

			name := filepath.Base(args[0])
			if err := os.MkdirAll(cfg.CheckpointPath, 0755); err != nil {
				return fmt.Errorf("create checkpoint dir: %w", err)
			}
			dest := filepath.Join(cfg.CheckpointPath, name)
			if err := mirror.Fetch(cmd.Context(), name, dest); err != nil {
				return err
			}
			// Refuse to leave a file that would not load.
			if _, err := seqlabel.Load(dest); err != nil {
				_ = os.Remove(dest)
				return err
			}
			c.log.Info("Checkpoint downloaded", zap.String("key", mirror.Key(name)), zap.String("path", dest))
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	return cmd
}
