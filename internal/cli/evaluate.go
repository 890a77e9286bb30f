package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	seqlabel "github.com/famasya/neural-sequence-labeling"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var modelPath string
	var set string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint on a prepared dataset split",
		Args:  cobra.NoArgs,
		Example: `  seqlabel evaluate --set test
  seqlabel evaluate --model ckpt/conll2003_ner/ner-7.json --set valid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, nil)
			if err != nil {
				return err
			}
			path, err := cfg.SetPath(set)
			if err != nil {
				return err
			}
			if modelPath == "" {
				modelPath = cfg.CheckpointPath
			}
			tagger, err := seqlabel.Load(modelPath)
			if err != nil {
				return err
			}

			c.log.Info("Evaluating", zap.String("model", modelPath), zap.String("set", path))
			start := time.Now()
			ev, err := tagger.Evaluate(cmd.Context(), path, cfg.ValidBatchSize)
			if err != nil {
				return err
			}
			c.log.Debug("Evaluation completed", zap.Duration("took", time.Since(start)))

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tokens, %d gold chunks, %d predicted\n%s",
				set, ev.Tokens, ev.Gold, ev.Predicted, ev.Report())
			return nil
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Checkpoint file or directory (default: checkpoint_path)")
	cmd.Flags().StringVar(&set, "set", "test", "Split to score: train, valid or test")
	return cmd
}
