package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famasya/neural-sequence-labeling/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "pos", cfg.TaskName)
	assert.Equal(t, []int{3, 5}, cfg.FilterSizes)
	assert.Equal(t, []int{50, 50}, cfg.ChannelSizes)
	assert.Equal(t, 1000, cfg.ValidBatchSize)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Storage.Enabled())
	assert.Equal(t, filepath.Join("data/dataset/conll2003/pos", "vocab.json"), cfg.VocabPath())

	m := cfg.Model()
	assert.Equal(t, 300, m.NumUnits)
	assert.True(t, m.UseCRF)
	tc := cfg.Train()
	assert.Equal(t, "adam", tc.Optimizer)
	assert.Equal(t, 5, tc.MaxToKeep)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
task_name: ner
cell_type: gru
filter_sizes: [2, 3, 4]
channel_sizes: [10, 20, 30]
log:
  level: debug
storage:
  endpoint: localhost:9000
  bucket: checkpoints
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ner", cfg.TaskName)
	assert.Equal(t, "gru", cfg.CellType)
	assert.Equal(t, []int{2, 3, 4}, cfg.FilterSizes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Storage.Enabled())
	assert.Equal(t, 300, cfg.EmbDim, "unset keys keep their default")
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SEQLABEL_BATCH_SIZE", "7")
	t.Setenv("SEQLABEL_SERVER_ADDR", ":9999")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "num_unitz: 10\n"},
		{"filter mismatch", "filter_sizes: [3]\nchannel_sizes: [50, 50]\n"},
		{"cell", "cell_type: rnn\n"},
		{"language", "language: klingon\n"},
		{"keep_prob", "keep_prob: 0\n"},
		{"heads", "use_attention: self_attention\nattention_size: 10\nnum_heads: 4\n"},
		{"storage bucket", "storage:\n  endpoint: localhost:9000\n"},
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.Configuration), "%v", err)
		})
	}
}

func TestUnsupportedLanguageIsUnknownLanguage(t *testing.T) {
	cfg := Default()
	cfg.Language = "klingon"
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.UnknownLanguage), "%v", err)
	assert.True(t, errors.Is(err, errs.Configuration), "%v", err)
	assert.Contains(t, err.Error(), `unknown log level "loud"`)
}

func TestPrepareCarriesLanguage(t *testing.T) {
	cfg := Default()
	cfg.Language = "german"
	assert.Equal(t, "german", cfg.Prepare().Language)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Epochs = 0
	cfg.LR = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epochs must be positive")
	assert.Contains(t, err.Error(), "lr must be positive")
}

func TestGlovePath(t *testing.T) {
	cfg := Default()
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "utilities/embeddings/glove.6B.300d.txt"), cfg.ResolvedGlovePath())

	cfg.GlovePath = "/data/glove.txt"
	assert.Equal(t, "/data/glove.txt", cfg.Prepare().GlovePath)

	_, err = cfg.SetPath("holdout")
	assert.True(t, errors.Is(err, errs.Configuration))
	p, err := cfg.SetPath("valid")
	require.NoError(t, err)
	assert.Equal(t, cfg.DevSetPath(), p)
}
