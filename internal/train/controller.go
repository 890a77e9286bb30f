// Package train drives model optimization: the epoch loop, validation,
// learning rate decay, early stopping and checkpoint retention.
package train

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
	"github.com/famasya/neural-sequence-labeling/internal/model"
	"github.com/famasya/neural-sequence-labeling/internal/optim"
)

// Phase is the controller state.
type Phase int

const (
	Running Phase = iota
	Validating
	Improved
	Stalled
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Validating:
		return "validating"
	case Improved:
		return "improved"
	case Stalled:
		return "stalled"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds the optimization settings.
type Config struct {
	Epochs           int
	BatchSize        int
	ValidBatchSize   int
	Optimizer        string
	LR               float64
	UseLRDecay       bool
	LRDecay          float64
	MinimalLR        float64
	GradClip         float64
	NoImprvTolerance int
	MaxToKeep        int
	CheckpointPath   string
	SummaryPath      string
	ModelName        string
	Seed             uint64
}

// State is the controller's view of training progress. It only changes at
// epoch boundaries.
type State struct {
	Epoch     int
	BestScore float64
	BestEpoch int
	Stall     int
	LR        float64
	Phase     Phase
}

// Report is returned when training ends.
type Report struct {
	RunID      string
	Epochs     int    // epochs completed
	Reason     string // why training stopped
	BestEpoch  int
	BestScore  float64 // validation F1 of the restored parameters
	Checkpoint string  // newest retained checkpoint, if any
	Test       Evaluation
	Summary    string // summary file path
}

// Evaluator decodes every batch of b and scores the result.
type Evaluator func(ctx context.Context, m *model.Model, b *dataset.Batcher) (Evaluation, error)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics reports progress to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithMirror copies retained checkpoints to secondary storage.
func WithMirror(mr Mirror) Option {
	return func(c *Controller) { c.mirror = mr }
}

// WithEvaluator replaces the decoding evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(c *Controller) { c.evaluate = ev }
}

// WithRunID fixes the run id used for the summary file.
func WithRunID(id string) Option {
	return func(c *Controller) { c.runID = id }
}

// Controller runs training for one model.
type Controller struct {
	cfg      Config
	model    *model.Model
	opt      optim.Optimizer
	rng      *rand.Rand
	log      *zap.Logger
	metrics  *metrics.Metrics
	mirror   Mirror
	evaluate Evaluator
	runID    string
	state    State
}

// New validates cfg and prepares a controller for m.
func New(cfg Config, m *model.Model, opts ...Option) (*Controller, error) {
	kind, err := optim.ParseKind(cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Epochs < 1:
		return nil, errs.Configf("train.New", "epochs must be positive, got %d", cfg.Epochs)
	case cfg.LR <= 0:
		return nil, errs.Configf("train.New", "lr must be positive, got %v", cfg.LR)
	case cfg.UseLRDecay && (cfg.LRDecay < 0 || cfg.LRDecay >= 1):
		return nil, errs.Configf("train.New", "lr_decay must be in [0, 1), got %v", cfg.LRDecay)
	case cfg.NoImprvTolerance < 1:
		return nil, errs.Configf("train.New", "no_imprv_tolerance must be positive, got %d", cfg.NoImprvTolerance)
	case cfg.CheckpointPath == "":
		return nil, errs.Configf("train.New", "checkpoint_path is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "model"
	}
	c := &Controller{
		cfg:      cfg,
		model:    m,
		opt:      optim.New(kind),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		log:      zap.NewNop(),
		evaluate: DecodeEvaluator,
		state:    State{LR: cfg.LR, Phase: Running},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	return c, nil
}

// State returns a copy of the current state.
func (c *Controller) State() State { return c.state }

// Run trains on train, selects on valid and reports on test. Cancelling ctx
// stops after the current batch; the test evaluation still runs.
func (c *Controller) Run(ctx context.Context, train, valid, test []dataset.Example) (*Report, error) {
	for _, split := range []struct {
		name string
		set  []dataset.Example
	}{{"train", train}, {"valid", valid}, {"test", test}} {
		if err := dataset.CheckLabeled(split.name, split.set); err != nil {
			return nil, err
		}
	}
	ckpts, err := NewCheckpoints(c.cfg.CheckpointPath, c.cfg.ModelName, c.cfg.MaxToKeep, c.mirror, c.log, c.metrics)
	if err != nil {
		return nil, err
	}
	var summary *SummaryWriter
	if c.cfg.SummaryPath != "" {
		if summary, err = NewSummaryWriter(c.cfg.SummaryPath, c.runID); err != nil {
			return nil, err
		}
		defer summary.Close()
	}

	trainB := dataset.NewBatcher(train, c.cfg.BatchSize, true, c.rng)
	validB := dataset.NewBatcher(valid, c.cfg.BatchSize, false, nil)
	testB := dataset.NewBatcher(test, c.cfg.BatchSize, false, nil)
	validLossBatch := dataset.NewBatcher(valid, c.cfg.ValidBatchSize, false, nil).First()

	log := c.log.With(zap.String("run_id", c.runID))
	log.Info("training started",
		zap.Int("train", len(train)), zap.Int("valid", len(valid)), zap.Int("test", len(test)),
		zap.Int("batches_per_epoch", trainB.Len()), zap.Int("parameters", c.model.Params().Count()))

	report := &Report{RunID: c.runID, Reason: "epochs exhausted"}
	if summary != nil {
		report.Summary = summary.Path()
	}
	var best map[string]*autograd.Tensor

	for epoch := 1; epoch <= c.cfg.Epochs; epoch++ {
		c.state.Phase = Running
		start := time.Now()
		trainLoss, cancelled, err := c.epoch(ctx, trainB, epoch)
		if err != nil {
			c.saveLastGood(ctx, ckpts, epoch, log)
			return nil, err
		}
		if cancelled {
			report.Reason = "cancelled"
			break
		}

		c.state.Phase = Validating
		var validLoss float64
		if validLossBatch != nil {
			validLoss = c.model.Loss(nil, validLossBatch, false).Scalar()
		}
		ev, err := c.evaluate(ctx, c.model, validB)
		if err != nil {
			if ctx.Err() != nil {
				report.Reason = "cancelled"
				break
			}
			return nil, err
		}
		c.state.Epoch = epoch
		report.Epochs = epoch

		// BestScore starts at 0, so an epoch that scores nothing never counts.
		if ev.F1 > c.state.BestScore {
			c.state.Phase = Improved
			c.state.BestScore, c.state.BestEpoch, c.state.Stall = ev.F1, epoch, 0
			best = c.model.Params().Snapshot()
			if path, err := ckpts.Save(ctx, c.model, epoch); err != nil {
				log.Warn("checkpoint save failed", zap.Int("epoch", epoch), zap.Error(err))
			} else {
				report.Checkpoint = path
			}
		} else {
			c.state.Phase = Stalled
			c.state.Stall++
			if c.cfg.UseLRDecay {
				c.state.LR = math.Max(c.state.LR*(1-c.cfg.LRDecay), c.cfg.MinimalLR)
			}
		}

		log.Info("epoch done",
			zap.Int("epoch", epoch),
			zap.Duration("took", time.Since(start)),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("valid_loss", validLoss),
			zap.Float64("valid_f1", ev.F1),
			zap.Float64("best_f1", c.state.BestScore),
			zap.Stringer("phase", c.state.Phase),
			zap.Float64("lr", c.state.LR))
		c.metrics.EpochEnd(epoch, c.state.LR, trainLoss, validLoss, ev.Map(), c.state.Stall)
		if err := summary.Write(Record{
			RunID: c.runID, Epoch: epoch, Time: time.Now().UTC(), Phase: c.state.Phase.String(),
			LR: c.state.LR, TrainLoss: trainLoss, ValidLoss: validLoss, Valid: ev.Score,
			Best: c.state.BestScore, Stall: c.state.Stall,
		}); err != nil {
			log.Warn("summary write failed", zap.Error(err))
		}

		if c.state.Stall >= c.cfg.NoImprvTolerance {
			report.Reason = fmt.Sprintf("no improvement for %d epochs", c.state.Stall)
			break
		}
	}
	c.state.Phase = Stopped

	if best != nil {
		if err := c.model.Params().Restore(best); err != nil {
			return nil, errs.E(errs.Checkpoint, "train.Run", err)
		}
	}
	report.BestEpoch, report.BestScore = c.state.BestEpoch, c.state.BestScore

	testEval, err := c.evaluate(context.WithoutCancel(ctx), c.model, testB)
	if err != nil {
		return nil, err
	}
	report.Test = testEval
	log.Info("training finished",
		zap.String("reason", report.Reason),
		zap.Int("best_epoch", report.BestEpoch),
		zap.Float64("test_f1", report.Test.F1),
		zap.Float64("test_accuracy", report.Test.Accuracy))
	return report, nil
}

// epoch runs one pass over the training batches. It returns the mean batch
// loss and whether ctx was cancelled before the pass finished.
func (c *Controller) epoch(ctx context.Context, batches *dataset.Batcher, epoch int) (float64, bool, error) {
	params := c.model.Params()
	trainable := params.Trainable()
	var sum float64
	n := 0
	for b := range batches.Batches() {
		if ctx.Err() != nil {
			return mean(sum, n), true, nil
		}
		params.ZeroGrad()
		tp := autograd.NewTape()
		loss := c.model.Loss(tp, b, true)
		v := loss.Scalar()
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false, errs.E(errs.Divergence, "train.Run", fmt.Errorf("epoch %d batch %d: loss is %v", epoch, n+1, v))
		}
		switch {
		case loss.RequiresGrad():
			if err := tp.Backward(loss); err != nil {
				return 0, false, err
			}
			norm := optim.ClipGlobalNorm(trainable, c.cfg.GradClip)
			if math.IsNaN(norm) || math.IsInf(norm, 0) {
				return 0, false, errs.E(errs.Divergence, "train.Run", fmt.Errorf("epoch %d batch %d: gradient norm is %v", epoch, n+1, norm))
			}
			c.opt.Step(trainable, c.state.LR)
			c.metrics.Step()
		case b.Tokens() > 0:
			return 0, false, errs.Dataf("train.Run", "epoch %d batch %d: batch has no gold labels", epoch, n+1)
		}
		sum += v
		n++
		if n%100 == 0 {
			c.log.Debug("batch", zap.Int("epoch", epoch), zap.Int("batch", n), zap.Float64("loss", v))
		}
	}
	return mean(sum, n), false, nil
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// saveLastGood persists the current parameters when they are still finite.
// The divergence check runs before the optimizer step, so they usually are.
// The file stays outside the retention ring and the index.
func (c *Controller) saveLastGood(ctx context.Context, ckpts *Checkpoints, epoch int, log *zap.Logger) {
	if !c.model.Params().AllFinite() {
		log.Error("training diverged; parameters are not finite, nothing saved")
		return
	}
	path, err := ckpts.SaveDiverged(ctx, c.model, epoch)
	if err != nil {
		log.Error("training diverged; last-good checkpoint failed", zap.Error(err))
		return
	}
	log.Error("training diverged; last-good checkpoint saved", zap.String("path", path))
}

// DecodeEvaluator decodes the batches of b in parallel and scores them with
// Evaluate. The model is only read.
func DecodeEvaluator(ctx context.Context, m *model.Model, b *dataset.Batcher) (Evaluation, error) {
	vocab := m.Vocabulary()
	var (
		mu         sync.Mutex
		gold, pred [][]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for batch := range b.Batches() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			paths := m.Decode(batch)
			bg := make([][]string, 0, len(paths))
			bp := make([][]string, 0, len(paths))
			for i, path := range paths {
				ex := batch.Sentence(i)
				if len(ex.Labels) != len(path) {
					continue
				}
				gs, ps := make([]string, len(path)), make([]string, len(path))
				for t, y := range path {
					ps[t] = vocab.LabelName(y)
					gs[t] = vocab.LabelName(dataset.LabelIndex(ex.Labels[t]))
				}
				bg, bp = append(bg, gs), append(bp, ps)
			}
			mu.Lock()
			gold, pred = append(gold, bg...), append(pred, bp...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Evaluation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	return Evaluate(gold, pred), nil
}
