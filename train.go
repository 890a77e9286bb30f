package seqlabel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/famasya/neural-sequence-labeling/internal/dataset"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
	"github.com/famasya/neural-sequence-labeling/internal/model"
	"github.com/famasya/neural-sequence-labeling/internal/storage"
	"github.com/famasya/neural-sequence-labeling/internal/train"
)

type trainOptions struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	runID   string
}

// TrainOption customizes Train.
type TrainOption func(*trainOptions)

// WithLogger sets the logger used during training.
func WithLogger(log *zap.Logger) TrainOption {
	return func(o *trainOptions) { o.log = log }
}

// WithMetrics reports training progress to m.
func WithMetrics(m *metrics.Metrics) TrainOption {
	return func(o *trainOptions) { o.metrics = m }
}

// WithRunID fixes the run id used for summaries.
func WithRunID(id string) TrainOption {
	return func(o *trainOptions) { o.runID = id }
}

// Train prepares the dataset if needed, trains a model and evaluates it on the
// test split. The returned tagger holds the best parameters seen on the
// development split.
func Train(ctx context.Context, cfg *Config, opts ...TrainOption) (*Tagger, *Report, error) {
	o := trainOptions{log: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	prepared, err := dataset.EnsurePrepared(cfg.Prepare(), log)
	if err != nil {
		return nil, nil, err
	}
	if !prepared {
		log.Debug("Using prepared dataset", zap.String("path", cfg.SavePath))
	}

	vocab, err := dataset.LoadVocabulary(cfg.VocabPath())
	if err != nil {
		return nil, nil, err
	}
	splits := make([][]dataset.Example, 3)
	for i, path := range []string{cfg.TrainSetPath(), cfg.DevSetPath(), cfg.TestSetPath()} {
		if splits[i], err = dataset.LoadExamples(path, vocab); err != nil {
			return nil, nil, err
		}
	}

	var emb *dataset.Embeddings
	if cfg.UsePretrained {
		if emb, err = dataset.LoadEmbeddings(cfg.PretrainedEmbPath()); err != nil {
			return nil, nil, err
		}
	}
	m, err := model.New(cfg.Model(), vocab, emb, log)
	if err != nil {
		return nil, nil, err
	}

	copts := []train.Option{
		train.WithLogger(log),
		train.WithMetrics(o.metrics),
		train.WithRunID(o.runID),
	}
	if cfg.Storage.Enabled() {
		mirror, err := storage.New(cfg.Storage.Config(), log)
		if err != nil {
			return nil, nil, fmt.Errorf("seqlabel: %w", err)
		}
		copts = append(copts, train.WithMirror(mirror))
	}
	ctrl, err := train.New(cfg.Train(), m, copts...)
	if err != nil {
		return nil, nil, err
	}
	report, err := ctrl.Run(ctx, splits[0], splits[1], splits[2])
	if err != nil {
		return nil, report, err
	}
	return newTagger(m), report, nil
}
