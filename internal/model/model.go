// Package model assembles the sequence labeling network: word and character
// embeddings, the highway combiner, the bidirectional encoder with optional
// attention, and either a CRF or an independent softmax output layer.
package model

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/crf"
	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
	"github.com/famasya/neural-sequence-labeling/internal/nn"
)

// Config is the architecture of a model. It is stored in every checkpoint so
// a model can be rebuilt without the training configuration.
type Config struct {
	UsePretrained bool `json:"use_pretrained"`
	TuningEmb     bool `json:"tuning_emb"`
	EmbDim        int  `json:"emb_dim"`

	UseChars     bool  `json:"use_chars"`
	CharEmbDim   int   `json:"char_emb_dim"`
	FilterSizes  []int `json:"filter_sizes"`
	ChannelSizes []int `json:"channel_sizes"`

	UseHighway    bool `json:"use_highway"`
	HighwayLayers int  `json:"highway_layers"`

	CellType     string `json:"cell_type"`
	NumUnits     int    `json:"num_units"`
	NumLayers    int    `json:"num_layers"`
	UseStackRNN  bool   `json:"use_stack_rnn"`
	UseResidual  bool   `json:"use_residual"`
	UseLayerNorm bool   `json:"use_layer_norm"`

	UseAttention  string `json:"use_attention"`
	AttentionSize int    `json:"attention_size"`
	NumHeads      int    `json:"num_heads"`

	UseCRF   bool    `json:"use_crf"`
	KeepProb float64 `json:"keep_prob"`
	Seed     uint64  `json:"seed"`

	// Language selects the inference tokenizer.
	Language string `json:"language,omitempty"`
}

// Model is a sequence labeler. Decoding and the no-tape loss are safe for
// concurrent use; training steps are not.
type Model struct {
	cfg    Config
	vocab  *dataset.Vocabulary
	params *autograd.Params
	log    *zap.Logger
	rng    *rand.Rand

	word      *nn.Embedding
	chars     *nn.CharEncoder
	highway   *nn.Highway
	encoder   *nn.Encoder
	attention nn.Attention
	project   *nn.Linear
	trans     *autograd.Tensor // (L+2) x (L+2), nil without CRF
}

// New builds and initializes a model over vocab. emb supplies pretrained word
// vectors when cfg.UsePretrained is set; it may be nil when the parameters
// will be restored from a checkpoint.
func New(cfg Config, vocab *dataset.Vocabulary, emb *dataset.Embeddings, log *zap.Logger) (*Model, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if vocab == nil {
		return nil, errs.Configf("model.New", "vocabulary is required")
	}
	if err := vocab.Validate(); err != nil {
		return nil, err
	}
	cell, err := nn.ParseCellType(cfg.CellType)
	if err != nil {
		return nil, err
	}
	attKind, err := nn.ParseAttention(cfg.UseAttention)
	if err != nil {
		return nil, err
	}
	if cfg.EmbDim < 1 {
		return nil, errs.Configf("model.New", "emb_dim must be positive, got %d", cfg.EmbDim)
	}
	if cfg.KeepProb <= 0 || cfg.KeepProb > 1 {
		return nil, errs.Configf("model.New", "keep_prob must be in (0, 1], got %v", cfg.KeepProb)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	m := &Model{cfg: cfg, vocab: vocab, params: autograd.NewParams(), log: log, rng: rng}

	var pretrained [][]float64
	if cfg.UsePretrained && emb != nil {
		if emb.Dim != cfg.EmbDim {
			return nil, errs.Configf("model.New", "pretrained embeddings have dimension %d, emb_dim is %d", emb.Dim, cfg.EmbDim)
		}
		pretrained = emb.Vectors
	}
	trainable := !cfg.UsePretrained || cfg.TuningEmb
	if m.word, err = nn.NewEmbedding(m.params, "word/embedding", vocab.Words.Size(), cfg.EmbDim, pretrained, trainable, rng); err != nil {
		return nil, err
	}
	width := cfg.EmbDim

	if cfg.UseChars {
		if m.chars, err = nn.NewCharEncoder(m.params, vocab.Chars.Size(), cfg.CharEmbDim, cfg.FilterSizes, cfg.ChannelSizes, rng); err != nil {
			return nil, err
		}
		width += m.chars.OutputDim()
	}

	depth := 0
	if cfg.UseHighway {
		depth = cfg.HighwayLayers
	}
	m.highway = nn.NewHighway(m.params, width, depth, rng)

	m.encoder, err = nn.NewEncoder(m.params, width, nn.EncoderConfig{
		Cell:      cell,
		Units:     cfg.NumUnits,
		Layers:    cfg.NumLayers,
		Stacked:   cfg.UseStackRNN,
		Residual:  cfg.UseResidual,
		LayerNorm: cfg.UseLayerNorm,
	}, rng)
	if err != nil {
		return nil, err
	}
	width = m.encoder.OutputDim()

	size := cfg.AttentionSize
	if size == 0 {
		size = width
	}
	if m.attention, err = nn.NewAttention(attKind, m.params, width, size, cfg.NumHeads, rng); err != nil {
		return nil, err
	}
	if m.attention != nil {
		width = m.attention.OutputDim()
	}

	L := vocab.NumLabels()
	m.project = nn.NewLinear(m.params, "output/project", width, L, rng)
	if cfg.UseCRF {
		m.trans = m.params.Add("crf/transitions", autograd.Uniform(rng, L+2, L+2, 0.1))
	}

	log.Info("Model built",
		zap.Int("parameters", m.params.Count()),
		zap.Int("labels", L),
		zap.String("cell", cell.String()),
		zap.String("attention", attKind.String()),
		zap.Bool("crf", cfg.UseCRF))
	return m, nil
}

// Config returns the architecture.
func (m *Model) Config() Config { return m.cfg }

// Vocabulary returns the vocabulary the model was built over.
func (m *Model) Vocabulary() *dataset.Vocabulary { return m.vocab }

// Params returns the parameter set.
func (m *Model) Params() *autograd.Params { return m.params }

// Transitions returns a view of the CRF transition scores, or false without a
// CRF layer.
func (m *Model) Transitions() (crf.Transitions, bool) {
	if m.trans == nil {
		return crf.Transitions{}, false
	}
	return crf.View(m.vocab.NumLabels(), m.trans.Data), true
}

// Emissions returns the per-token label scores of one sentence, one row per
// real token. Dropout is only applied when training is set.
func (m *Model) Emissions(tp *autograd.Tape, ex dataset.Example, training bool) *autograd.Tensor {
	x := m.word.Lookup(tp, ex.Words)
	if m.chars != nil {
		x = tp.ConcatCols(x, m.chars.Forward(tp, ex.Chars))
	}
	x = m.highway.Forward(tp, x)
	x = nn.Dropout(tp, x, m.cfg.KeepProb, training, m.rng)

	h := m.encoder.Forward(tp, x)
	if m.attention != nil {
		h = m.attention.Forward(tp, h, ex.Len())
	}
	h = nn.Dropout(tp, h, m.cfg.KeepProb, training, m.rng)
	return m.project.Forward(tp, h)
}
