// Package config loads and validates the typed configuration shared by the
// CLI, the trainer and the HTTP service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
	"github.com/famasya/neural-sequence-labeling/internal/logging"
	"github.com/famasya/neural-sequence-labeling/internal/model"
	"github.com/famasya/neural-sequence-labeling/internal/nn"
	"github.com/famasya/neural-sequence-labeling/internal/optim"
	"github.com/famasya/neural-sequence-labeling/internal/storage"
	"github.com/famasya/neural-sequence-labeling/internal/textutil"
	"github.com/famasya/neural-sequence-labeling/internal/train"
)

// envPrefix maps nested keys like "storage.bucket" to SEQLABEL_STORAGE_BUCKET.
const envPrefix = "SEQLABEL"

// Config is the full configuration. It is built once and not mutated after
// Validate.
type Config struct {
	TaskName      string `mapstructure:"task_name"`
	Language      string `mapstructure:"language"`
	RawPath       string `mapstructure:"raw_path"`
	SavePath      string `mapstructure:"save_path"`
	GloveName     string `mapstructure:"glove_name"`
	GlovePath     string `mapstructure:"glove_path"`
	CharLowercase bool   `mapstructure:"char_lowercase"`
	MinWordCount  int    `mapstructure:"min_word_count"`

	CellType      string  `mapstructure:"cell_type"`
	NumUnits      int     `mapstructure:"num_units"`
	NumLayers     int     `mapstructure:"num_layers"`
	UseStackRNN   bool    `mapstructure:"use_stack_rnn"`
	UsePretrained bool    `mapstructure:"use_pretrained"`
	TuningEmb     bool    `mapstructure:"tuning_emb"`
	EmbDim        int     `mapstructure:"emb_dim"`
	UseChars      bool    `mapstructure:"use_chars"`
	UseResidual   bool    `mapstructure:"use_residual"`
	UseLayerNorm  bool    `mapstructure:"use_layer_norm"`
	CharEmbDim    int     `mapstructure:"char_emb_dim"`
	UseHighway    bool    `mapstructure:"use_highway"`
	HighwayLayers int     `mapstructure:"highway_layers"`
	FilterSizes   []int   `mapstructure:"filter_sizes"`
	ChannelSizes  []int   `mapstructure:"channel_sizes"`
	UseCRF        bool    `mapstructure:"use_crf"`
	UseAttention  string  `mapstructure:"use_attention"`
	AttentionSize int     `mapstructure:"attention_size"`
	NumHeads      int     `mapstructure:"num_heads"`
	KeepProb      float64 `mapstructure:"keep_prob"`

	LR               float64 `mapstructure:"lr"`
	Optimizer        string  `mapstructure:"optimizer"`
	UseLRDecay       bool    `mapstructure:"use_lr_decay"`
	LRDecay          float64 `mapstructure:"lr_decay"`
	MinimalLR        float64 `mapstructure:"minimal_lr"`
	GradClip         float64 `mapstructure:"grad_clip"`
	BatchSize        int     `mapstructure:"batch_size"`
	ValidBatchSize   int     `mapstructure:"valid_batch_size"`
	Epochs           int     `mapstructure:"epochs"`
	MaxToKeep        int     `mapstructure:"max_to_keep"`
	NoImprvTolerance int     `mapstructure:"no_imprv_tolerance"`
	CheckpointPath   string  `mapstructure:"checkpoint_path"`
	SummaryPath      string  `mapstructure:"summary_path"`
	ModelName        string  `mapstructure:"model_name"`
	Seed             uint64  `mapstructure:"seed"`

	Log     logging.Config `mapstructure:"log"`
	Storage Storage        `mapstructure:"storage"`
	Server  Server         `mapstructure:"server"`
}

// Storage configures the S3-compatible checkpoint mirror. It is off while
// Endpoint is empty.
type Storage struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// Enabled reports whether a mirror is configured.
func (s Storage) Enabled() bool { return s.Endpoint != "" }

// Config returns the mirror connection settings.
func (s Storage) Config() storage.Config {
	return storage.Config{
		Endpoint:  s.Endpoint,
		Bucket:    s.Bucket,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		UseSSL:    s.UseSSL,
		Prefix:    s.Prefix,
	}
}

// Server configures the HTTP service.
type Server struct {
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"task_name":      "pos",
	"language":       "english",
	"raw_path":       "data/raw/conll2003/raw",
	"save_path":      "data/dataset/conll2003/pos",
	"glove_name":     "6B",
	"glove_path":     "",
	"char_lowercase": true,
	"min_word_count": 1,

	"cell_type":      "lstm",
	"num_units":      300,
	"num_layers":     1,
	"use_stack_rnn":  false,
	"use_pretrained": true,
	"tuning_emb":     false,
	"emb_dim":        300,
	"use_chars":      true,
	"use_residual":   false,
	"use_layer_norm": false,
	"char_emb_dim":   100,
	"use_highway":    true,
	"highway_layers": 2,
	"filter_sizes":   []int{3, 5},
	"channel_sizes":  []int{50, 50},
	"use_crf":        true,
	"use_attention":  "none",
	"attention_size": 0,
	"num_heads":      8,
	"keep_prob":      0.5,

	"lr":                 0.001,
	"optimizer":          "adam",
	"use_lr_decay":       true,
	"lr_decay":           0.05,
	"minimal_lr":         1e-5,
	"grad_clip":          5.0,
	"batch_size":         20,
	"valid_batch_size":   1000,
	"epochs":             100,
	"max_to_keep":        5,
	"no_imprv_tolerance": 5,
	"checkpoint_path":    "ckpt/conll2003_pos/",
	"summary_path":       "ckpt/conll2003_pos/summary/",
	"model_name":         "pos_blstm_cnn_crf_model",
	"seed":               42,

	"log.level":  "info",
	"log.format": "console",
	"log.output": "stderr",

	"storage.endpoint":   "",
	"storage.bucket":     "",
	"storage.access_key": "",
	"storage.secret_key": "",
	"storage.use_ssl":    true,
	"storage.prefix":     "",

	"server.addr": ":8080",
}

// NewViper returns a viper instance with every default set and SEQLABEL_*
// environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load reads the YAML file at path (skipped when empty) on top of the
// defaults and validates the result.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errs.E(errs.Configuration, "config.Load", fmt.Errorf("read %s: %w", path, err))
	}
	return nil
}

// FromViper decodes v, rejecting unknown keys, and validates the result.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, errs.E(errs.Configuration, "config.Load", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the validated default configuration.
func Default() *Config {
	cfg, err := FromViper(NewViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) { problems = append(problems, fmt.Errorf(format, args...)) }

	if _, err := dataset.TagColumn(c.TaskName); err != nil {
		add("task_name %q must be pos, chunk or ner", c.TaskName)
	}
	if _, err := textutil.NewTokenizer(c.Language); err != nil {
		// Kept as an UnknownLanguage error inside the Configuration error.
		problems = append(problems, err)
	}
	if _, err := nn.ParseCellType(c.CellType); err != nil {
		add("cell_type %q must be lstm or gru", c.CellType)
	}
	att, err := nn.ParseAttention(c.UseAttention)
	if err != nil {
		add("use_attention %q must be none, self_attention or normal_attention", c.UseAttention)
	}
	if _, err := optim.ParseKind(c.Optimizer); err != nil {
		add("optimizer %q must be adam, adagrad, sgd, rmsprop or adadelta", c.Optimizer)
	}
	if c.UseChars {
		if len(c.FilterSizes) != len(c.ChannelSizes) {
			add("filter_sizes has %d entries but channel_sizes has %d", len(c.FilterSizes), len(c.ChannelSizes))
		}
		if len(c.FilterSizes) == 0 {
			add("use_chars needs at least one filter size")
		}
		if c.CharEmbDim < 1 {
			add("char_emb_dim must be positive")
		}
	}
	if att == nn.SelfAttention {
		size := c.AttentionSize
		if size == 0 {
			size = 2 * c.NumUnits
		}
		if c.NumHeads < 1 || size%c.NumHeads != 0 {
			add("attention_size %d must be a multiple of num_heads %d", size, c.NumHeads)
		}
	}
	for _, p := range []struct {
		name string
		v    int
	}{
		{"num_units", c.NumUnits}, {"num_layers", c.NumLayers}, {"emb_dim", c.EmbDim},
		{"batch_size", c.BatchSize}, {"valid_batch_size", c.ValidBatchSize}, {"epochs", c.Epochs},
		{"no_imprv_tolerance", c.NoImprvTolerance}, {"min_word_count", c.MinWordCount},
	} {
		if p.v < 1 {
			add("%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.UseHighway && c.HighwayLayers < 0 {
		add("highway_layers must not be negative")
	}
	if c.MaxToKeep < 0 {
		add("max_to_keep must not be negative")
	}
	if c.KeepProb <= 0 || c.KeepProb > 1 {
		add("keep_prob must be in (0, 1], got %v", c.KeepProb)
	}
	if c.LR <= 0 {
		add("lr must be positive, got %v", c.LR)
	}
	if c.LRDecay < 0 || c.LRDecay >= 1 {
		add("lr_decay must be in [0, 1), got %v", c.LRDecay)
	}
	if c.MinimalLR < 0 || c.MinimalLR > c.LR {
		add("minimal_lr must be in [0, lr], got %v", c.MinimalLR)
	}
	if c.GradClip < 0 {
		add("grad_clip must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if !logging.ValidFormat(c.Log.Format) {
		add("log.format %q must be console or json", c.Log.Format)
	}
	if c.Storage.Enabled() && c.Storage.Bucket == "" {
		add("storage.bucket is required when storage.endpoint is set")
	}
	if len(problems) > 0 {
		return errs.E(errs.Configuration, "config.Validate", errors.Join(problems...))
	}
	return nil
}

// ResolvedGlovePath returns glove_path, or the conventional location of the
// GloVe file for glove_name and emb_dim when it is unset. A leading ~ is
// expanded.
func (c *Config) ResolvedGlovePath() string {
	p := c.GlovePath
	if p == "" {
		p = fmt.Sprintf("~/utilities/embeddings/glove.%s.%dd.txt", c.GloveName, c.EmbDim)
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// Derived dataset file paths under save_path.
func (c *Config) VocabPath() string         { return filepath.Join(c.SavePath, dataset.VocabFile) }
func (c *Config) TrainSetPath() string      { return filepath.Join(c.SavePath, dataset.TrainFile) }
func (c *Config) DevSetPath() string        { return filepath.Join(c.SavePath, dataset.DevFile) }
func (c *Config) TestSetPath() string       { return filepath.Join(c.SavePath, dataset.TestFile) }
func (c *Config) PretrainedEmbPath() string { return filepath.Join(c.SavePath, dataset.EmbeddingFile) }

// SetPath returns the example file of a split: train, dev (or valid) or test.
func (c *Config) SetPath(split string) (string, error) {
	switch split {
	case "train":
		return c.TrainSetPath(), nil
	case "dev", "valid":
		return c.DevSetPath(), nil
	case "test":
		return c.TestSetPath(), nil
	}
	return "", errs.Configf("config.SetPath", "unknown split %q (want train, dev or test)", split)
}

// Prepare returns the preprocessor settings.
func (c *Config) Prepare() dataset.PrepareConfig {
	return dataset.PrepareConfig{
		RawPath:       c.RawPath,
		SavePath:      c.SavePath,
		Task:          c.TaskName,
		Language:      c.Language,
		CharLowercase: c.CharLowercase,
		MinWordCount:  c.MinWordCount,
		UsePretrained: c.UsePretrained,
		GlovePath:     c.ResolvedGlovePath(),
		EmbDim:        c.EmbDim,
	}
}

// Model returns the architecture settings.
func (c *Config) Model() model.Config {
	return model.Config{
		UsePretrained: c.UsePretrained,
		TuningEmb:     c.TuningEmb,
		EmbDim:        c.EmbDim,
		UseChars:      c.UseChars,
		CharEmbDim:    c.CharEmbDim,
		FilterSizes:   append([]int(nil), c.FilterSizes...),
		ChannelSizes:  append([]int(nil), c.ChannelSizes...),
		UseHighway:    c.UseHighway,
		HighwayLayers: c.HighwayLayers,
		CellType:      c.CellType,
		NumUnits:      c.NumUnits,
		NumLayers:     c.NumLayers,
		UseStackRNN:   c.UseStackRNN,
		UseResidual:   c.UseResidual,
		UseLayerNorm:  c.UseLayerNorm,
		UseAttention:  c.UseAttention,
		AttentionSize: c.AttentionSize,
		NumHeads:      c.NumHeads,
		UseCRF:        c.UseCRF,
		KeepProb:      c.KeepProb,
		Seed:          c.Seed,
		Language:      c.Language,
	}
}

// Train returns the optimization settings.
func (c *Config) Train() train.Config {
	return train.Config{
		Epochs:           c.Epochs,
		BatchSize:        c.BatchSize,
		ValidBatchSize:   c.ValidBatchSize,
		Optimizer:        c.Optimizer,
		LR:               c.LR,
		UseLRDecay:       c.UseLRDecay,
		LRDecay:          c.LRDecay,
		MinimalLR:        c.MinimalLR,
		GradClip:         c.GradClip,
		NoImprvTolerance: c.NoImprvTolerance,
		MaxToKeep:        c.MaxToKeep,
		CheckpointPath:   c.CheckpointPath,
		SummaryPath:      c.SummaryPath,
		ModelName:        c.ModelName,
		Seed:             c.Seed,
	}
}
