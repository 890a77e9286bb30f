package cli

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	seqlabel "github.com/famasya/neural-sequence-labeling"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
	"github.com/famasya/neural-sequence-labeling/internal/server"
)

func (c *CLI) newServeCommand() *cobra.Command {
	var modelPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a checkpoint over HTTP",
		Args:  cobra.NoArgs,
		Example: `  seqlabel serve --addr :8080
  curl -s localhost:8080/v1/tag -d '{"text":"EU rejects German call"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, map[string]string{"server.addr": "addr"})
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
			c.log.Info("Model loaded",
				zap.String("path", modelPath),
				zap.String("language", tagger.Language()),
				zap.Strings("labels", tagger.Labels()))

			if !c.verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := server.New(tagger, server.WithLogger(c.log), server.WithMetrics(metrics.New(true)))
			return srv.ListenAndServe(cmd.Context(), cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "Checkpoint file or directory (default: checkpoint_path)")
	cmd.Flags().String("addr", "", "Listen address (default: server.addr)")
	return cmd
}
