package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/famasya/neural-sequence-labeling/internal/dataset"
)

func (c *CLI) newPrepareCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build vocabularies, encoded splits and embeddings from the raw corpus",
		Args:  cobra.NoArgs,
		Example: `  seqlabel prepare --config configs/ner.yaml
  seqlabel prepare --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, map[string]string{
				"raw_path":  "raw-path",
				"save_path": "save-path",
			})
			if err != nil {
				return err
			}
			pc := cfg.Prepare()
			if force {
				err = dataset.Prepare(pc, c.log)
			} else {
				var ran bool
				ran, err = dataset.EnsurePrepared(pc, c.log)
				if err == nil && !ran {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already prepared (use --force to rebuild)\n", pc.SavePath)
					return nil
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prepared %s\n", pc.SavePath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even if the dataset exists")
	cmd.Flags().String("raw-path", "", "Directory holding train.txt, valid.txt and test.txt")
	cmd.Flags().String("save-path", "", "Output directory")
	return cmd
}
