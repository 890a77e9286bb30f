package train

import (
	"bufio"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
	"github.com/famasya/neural-sequence-labeling/internal/model"
)

func fixture(t *testing.T) (*model.Model, []dataset.Example) {
	t.Helper()
	v := dataset.NewVocabulary(true)
	for _, w := range []string{"eu", "rejects", "german", "call", "to", "boycott", "british", "lamb", "."} {
		v.Words.Add(w)
	}
	for _, r := range "eurjctsgmanlobyhi." {
		v.Chars.Add(string(r))
	}
	for _, l := range []string{"NNP", "VBZ", "JJ", "NN", "TO", "VB", "."} {
		v.Labels.Add(l)
	}
	m, err := model.New(model.Config{
		EmbDim: 4, UseChars: true, CharEmbDim: 3, FilterSizes: []int{2}, ChannelSizes: []int{3},
		CellType: "lstm", NumUnits: 4, NumLayers: 1, UseCRF: true, KeepProb: 1, Seed: 3,
	}, v, nil, nil)
	require.NoError(t, err)

	sentence := func(pairs ...string) dataset.Example {
		var toks []string
		var ids []int
		for i := 0; i < len(pairs); i += 2 {
			toks = append(toks, pairs[i])
			ids = append(ids, v.Labels.Get(pairs[i+1]))
		}
		ex := v.Encode(toks)
		ex.Labels = ids
		return ex
	}
	examples := []dataset.Example{
		sentence("EU", "NNP", "rejects", "VBZ", "German", "JJ", "call", "NN"),
		sentence("to", "TO", "boycott", "VB", "British", "JJ", "lamb", "NN", ".", "."),
		sentence("EU", "NNP", "call", "NN", ".", "."),
		sentence("German", "JJ", "lamb", "NN"),
	}
	return m, examples
}

func baseConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		Epochs:           4,
		BatchSize:        2,
		ValidBatchSize:   1000,
		Optimizer:        "adam",
		LR:               0.01,
		UseLRDecay:       true,
		LRDecay:          0.5,
		MinimalLR:        0.003,
		GradClip:         5,
		NoImprvTolerance: 3,
		MaxToKeep:        2,
		CheckpointPath:   filepath.Join(dir, "ckpt"),
		SummaryPath:      filepath.Join(dir, "summary"),
		ModelName:        "pos",
		Seed:             42,
	}
}

// scripted returns an evaluator whose n-th call reports f1(n).
func scripted(f1 func(n int) float64, calls *int) Evaluator {
	return func(ctx context.Context, m *model.Model, b *dataset.Batcher) (Evaluation, error) {
		*calls++
		return Evaluation{Score: Score{F1: f1(*calls)}}, nil
	}
}

func TestAlwaysImprovingKeepsNewestCheckpoints(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	calls := 0
	met := metrics.New(false)
	c, err := New(cfg, m, WithEvaluator(scripted(func(n int) float64 { return float64(n) }, &calls)),
		WithRunID("run-1"), WithMetrics(met))
	require.NoError(t, err)

	report, err := c.Run(context.Background(), examples, examples[:2], examples[2:])
	require.NoError(t, err)

	assert.Equal(t, 4, report.Epochs)
	assert.Equal(t, "epochs exhausted", report.Reason)
	assert.Equal(t, 4, report.BestEpoch)
	assert.Equal(t, 5, calls, "four validations and one test evaluation")
	assert.Equal(t, 0.01, c.State().LR)
	assert.Equal(t, Stopped, c.State().Phase)

	idx, err := ReadIndex(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"pos-3.json", "pos-4.json"}, idx.All)
	assert.Equal(t, "pos-4.json", idx.Latest)
	for _, gone := range []string{"pos-1.json", "pos-2.json"} {
		_, err := os.Stat(filepath.Join(cfg.CheckpointPath, gone))
		assert.True(t, errors.Is(err, os.ErrNotExist), gone)
	}
	latest, err := LatestPath(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, report.Checkpoint, latest)

	loaded, err := model.Load(latest, nil)
	require.NoError(t, err)
	b := dataset.NewBatch(examples)
	assert.Equal(t, m.Decode(b), loaded.Decode(b))

	f, err := os.Open(report.Summary)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		lines++
	}
	assert.Equal(t, 4, lines)
	assert.Equal(t, filepath.Join(cfg.SummaryPath, "run-1.jsonl"), report.Summary)
}

func TestNeverImprovingStopsAtTolerance(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	cfg.Epochs = 20
	calls := 0
	c, err := New(cfg, m, WithEvaluator(scripted(func(int) float64 { return 0 }, &calls)))
	require.NoError(t, err)

	report, err := c.Run(context.Background(), examples, examples, examples)
	require.NoError(t, err)

	assert.Equal(t, cfg.NoImprvTolerance, report.Epochs)
	assert.Equal(t, 0, report.BestEpoch)
	assert.Equal(t, 3, c.State().Stall)
	assert.Equal(t, "no improvement for 3 epochs", report.Reason)
	assert.Empty(t, report.Checkpoint)
	// 0.01 -> 0.005 -> 0.003 (floored) -> 0.003
	assert.InDelta(t, 0.003, c.State().LR, 1e-15)

	_, err = ReadIndex(cfg.CheckpointPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "nothing was saved")
}

func TestFirstScoringEpochSetsBaseline(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	cfg.Epochs = 20
	calls := 0
	c, err := New(cfg, m, WithEvaluator(scripted(func(int) float64 { return 50 }, &calls)))
	require.NoError(t, err)

	report, err := c.Run(context.Background(), examples, examples, examples)
	require.NoError(t, err)

	// Epoch 1 beats the zero baseline, epochs 2-4 stall.
	assert.Equal(t, 4, report.Epochs)
	assert.Equal(t, 1, report.BestEpoch)
	assert.Equal(t, 50.0, report.BestScore)

	idx, err := ReadIndex(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"pos-1.json"}, idx.All)
}

func TestLearningRateDecayWithoutFloor(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	cfg.Epochs = 3
	cfg.NoImprvTolerance = 10
	cfg.MinimalLR = 0
	calls := 0
	c, err := New(cfg, m, WithEvaluator(scripted(func(int) float64 { return 1 }, &calls)))
	require.NoError(t, err)
	_, err = c.Run(context.Background(), examples, examples, examples)
	require.NoError(t, err)
	assert.InDelta(t, 0.01*math.Pow(0.5, 2), c.State().LR, 1e-15)
}

func TestCancellationStillEvaluatesTest(t *testing.T) {
	m, examples := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawLiveCtx bool
	c, err := New(baseConfig(t), m, WithEvaluator(func(ctx context.Context, _ *model.Model, _ *dataset.Batcher) (Evaluation, error) {
		sawLiveCtx = ctx.Err() == nil
		return Evaluation{}, nil
	}))
	require.NoError(t, err)

	report, err := c.Run(ctx, examples, examples, examples)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", report.Reason)
	assert.Equal(t, 0, report.Epochs)
	assert.True(t, sawLiveCtx)
}

func TestNonFiniteLossIsDivergence(t *testing.T) {
	m, examples := fixture(t)
	b, ok := m.Params().Get("output/project/b")
	require.True(t, ok)
	b.Data[0] = math.NaN()

	c, err := New(baseConfig(t), m)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), examples, examples, examples)
	assert.True(t, errors.Is(err, errs.Divergence), "%v", err)
}

func TestDivergedCheckpointStaysOutOfRetention(t *testing.T) {
	m, examples := fixture(t)
	b, ok := m.Params().Get("output/project/b")
	require.True(t, ok)
	b.Data[0] = 1e308

	cfg := baseConfig(t)
	c, err := New(cfg, m)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), examples, examples, examples)
	require.True(t, errors.Is(err, errs.Divergence), "%v", err)

	assert.FileExists(t, filepath.Join(cfg.CheckpointPath, "pos-diverged-1.json"))
	_, err = ReadIndex(cfg.CheckpointPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "the index only lists retained checkpoints")
}

func TestSaveDivergedKeepsBestCheckpoint(t *testing.T) {
	m, _ := fixture(t)
	dir := filepath.Join(t.TempDir(), "ckpt")
	met := metrics.New(false)
	ckpts, err := NewCheckpoints(dir, "pos", 1, nil, nil, met)
	require.NoError(t, err)

	best, err := ckpts.Save(context.Background(), m, 1)
	require.NoError(t, err)
	diverged, err := ckpts.SaveDiverged(context.Background(), m, 2)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "pos-diverged-2.json"), diverged)
	assert.FileExists(t, diverged)
	assert.FileExists(t, best)
	assert.Equal(t, []string{best}, ckpts.Kept())
	latest, err := LatestPath(dir)
	require.NoError(t, err)
	assert.Equal(t, best, latest)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.CheckpointsTotal.WithLabelValues("diverged")))
}

func TestUnlabeledExampleIsDataError(t *testing.T) {
	m, examples := fixture(t)
	unlabeled := examples[3]
	unlabeled.Labels = nil
	train := append(examples[:3:3], unlabeled)

	c, err := New(baseConfig(t), m)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), train, examples, examples)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.Data), "%v", err)
	assert.Contains(t, err.Error(), "train example 3")
}

func TestNewRejectsBadConfig(t *testing.T) {
	m, _ := fixture(t)
	cfg := baseConfig(t)
	cfg.Optimizer = "lbfgs"
	_, err := New(cfg, m)
	assert.True(t, errors.Is(err, errs.Configuration))

	cfg = baseConfig(t)
	cfg.NoImprvTolerance = 0
	_, err = New(cfg, m)
	assert.True(t, errors.Is(err, errs.Configuration))
}

func TestTrainingImprovesDecodeScore(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	cfg.Epochs = 30
	cfg.NoImprvTolerance = 30
	cfg.LR = 0.05
	cfg.UseLRDecay = false

	before, err := DecodeEvaluator(context.Background(), m, dataset.NewBatcher(examples, 2, false, nil))
	require.NoError(t, err)
	assert.Equal(t, 14, before.Tokens)

	c, err := New(cfg, m)
	require.NoError(t, err)
	report, err := c.Run(context.Background(), examples, examples, examples)
	require.NoError(t, err)
	assert.Greater(t, report.Test.F1, before.F1)
	assert.Equal(t, report.BestScore, report.Test.F1, "best parameters are restored before testing")
}

type recordingMirror struct {
	objects map[string]bool
	failPut bool
}

func (r *recordingMirror) Put(_ context.Context, name, path string) error {
	if r.failPut {
		return errors.New("bucket unreachable")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	r.objects[name] = true
	return nil
}

func (r *recordingMirror) Delete(_ context.Context, name string) error {
	delete(r.objects, name)
	return nil
}

func TestMirrorFollowsRetention(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	mirror := &recordingMirror{objects: map[string]bool{}}
	calls := 0
	c, err := New(cfg, m, WithMirror(mirror), WithEvaluator(scripted(func(n int) float64 { return float64(n) }, &calls)))
	require.NoError(t, err)
	_, err = c.Run(context.Background(), examples, examples, examples)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"pos-3.json": true, "pos-4.json": true}, mirror.objects)
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	m, examples := fixture(t)
	cfg := baseConfig(t)
	cfg.Epochs = 2
	met := metrics.New(false)
	calls := 0
	c, err := New(cfg, m, WithMetrics(met), WithMirror(&recordingMirror{failPut: true, objects: map[string]bool{}}),
		WithEvaluator(scripted(func(n int) float64 { return float64(n) }, &calls)))
	require.NoError(t, err)
	report, err := c.Run(context.Background(), examples, examples, examples)
	require.NoError(t, err)
	assert.FileExists(t, report.Checkpoint)
	assert.Equal(t, 2.0, testutil.ToFloat64(met.CheckpointsTotal.WithLabelValues("mirror_failed")))
}
