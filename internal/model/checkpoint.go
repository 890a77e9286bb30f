package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/famasya/neural-sequence-labeling/autograd"
	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/dataset"
)

const checkpointVersion = 1

type checkpointFile struct {
	Version    int                    `json:"version"`
	Config     Config                 `json:"config"`
	Vocabulary *dataset.Vocabulary    `json:"vocabulary"`
	Params     map[string]paramRecord `json:"params"`
}

type paramRecord struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Marshal serializes the architecture, vocabulary and parameter values.
func (m *Model) Marshal() ([]byte, error) {
	if !m.params.AllFinite() {
		return nil, errs.Checkpointf("model.Marshal", "parameters are not finite")
	}
	f := checkpointFile{
		Version:    checkpointVersion,
		Config:     m.cfg,
		Vocabulary: m.vocab,
		Params:     make(map[string]paramRecord),
	}
	for name, t := range m.params.Snapshot() {
		f.Params[name] = paramRecord{Rows: t.Rows, Cols: t.Cols, Data: t.Data}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errs.E(errs.Checkpoint, "model.Marshal", err)
	}
	return data, nil
}

// Save writes the checkpoint to path. The file is written next to its
// destination and renamed into place, so readers never see a partial file.
func (m *Model) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.E(errs.Checkpoint, "model.Save", err)
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return errs.E(errs.Checkpoint, "model.Save", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.E(errs.Checkpoint, "model.Save", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.E(errs.Checkpoint, "model.Save", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.E(errs.Checkpoint, "model.Save", err)
	}
	return nil
}

// Unmarshal rebuilds a model from checkpoint bytes.
func Unmarshal(data []byte, log *zap.Logger) (*Model, error) {
	var f checkpointFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.E(errs.Checkpoint, "model.Unmarshal", err)
	}
	if f.Version != checkpointVersion {
		return nil, errs.Checkpointf("model.Unmarshal", "unsupported checkpoint version %d", f.Version)
	}
	if f.Vocabulary == nil {
		return nil, errs.Checkpointf("model.Unmarshal", "checkpoint has no vocabulary")
	}
	m, err := New(f.Config, f.Vocabulary, nil, log)
	if err != nil {
		return nil, errs.E(errs.Checkpoint, "model.Unmarshal", err)
	}
	values := make(map[string]*autograd.Tensor, len(f.Params))
	for name, p := range f.Params {
		if len(p.Data) != p.Rows*p.Cols {
			return nil, errs.Checkpointf("model.Unmarshal", "parameter %q: %d values for %dx%d", name, len(p.Data), p.Rows, p.Cols)
		}
		values[name] = autograd.FromSlice(p.Rows, p.Cols, p.Data)
	}
	if err := m.params.Restore(values); err != nil {
		return nil, errs.E(errs.Checkpoint, "model.Unmarshal", err)
	}
	return m, nil
}

// Load reads a checkpoint written by Save.
func Load(path string, log *zap.Logger) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.Checkpoint, "model.Load", err)
	}
	m, err := Unmarshal(data, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Restore copies parameter values from another model with the same
// architecture.
func (m *Model) Restore(src *Model) error {
	if err := m.params.Restore(src.params.Snapshot()); err != nil {
		return errs.E(errs.Checkpoint, "model.Restore", err)
	}
	return nil
}
