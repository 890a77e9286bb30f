package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	seqlabel "github.com/famasya/neural-sequence-labeling"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
)

func (c *CLI) newTrainCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on the configured CoNLL-2003 task",
		Args:  cobra.NoArgs,
		Example: `  seqlabel train --config configs/pos.yaml
  seqlabel train --epochs 50 -v
  seqlabel train --metrics-addr :9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load(cmd, map[string]string{
				"epochs":          "epochs",
				"checkpoint_path": "checkpoint-path",
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			m := metrics.New(true)
			if metricsAddr != "" {
				stop := serveMetrics(m, metricsAddr, c.log)
				defer stop()
			}

			c.log.Info("Training",
				zap.String("task", cfg.TaskName),
				zap.String("cell", cfg.CellType),
				zap.Bool("crf", cfg.UseCRF),
				zap.String("checkpoints", cfg.CheckpointPath))
			start := time.Now()
			_, report, err := seqlabel.Train(ctx, cfg, seqlabel.WithLogger(c.log), seqlabel.WithMetrics(m))
			if err != nil {
				return err
			}
			c.log.Info("Training finished",
				zap.String("reason", report.Reason),
				zap.Int("epochs", report.Epochs),
				zap.Int("best_epoch", report.BestEpoch),
				zap.Duration("took", time.Since(start)))

			fmt.Fprintf(cmd.OutOrStdout(), "Stopped after %d epochs (%s); best dev F1 %.2f at epoch %d\n",
				report.Epochs, report.Reason, report.BestScore, report.BestEpoch)
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint: %s\n\nTest set:\n%s", report.Checkpoint, report.Test.Report())
			return nil
		},
	}

	cmd.Flags().Int("epochs", 0, "Maximum number of epochs")
	cmd.Flags().String("checkpoint-path", "", "Directory for checkpoints")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while training")
	return cmd
}

// serveMetrics exposes m on addr until the returned stop func is called.
func serveMetrics(m *metrics.Metrics, addr string, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics endpoint failed", zap.Error(err))
		}
	}()
	log.Info("Serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
