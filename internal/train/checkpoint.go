package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/famasya/neural-sequence-labeling/errs"
	"github.com/famasya/neural-sequence-labeling/internal/metrics"
	"github.com/famasya/neural-sequence-labeling/internal/model"
)

// IndexFile is the name of the file listing retained checkpoints, oldest
// first.
const IndexFile = "checkpoint"

// Index is the content of IndexFile.
type Index struct {
	Latest string   `json:"latest"`
	All    []string `json:"all"`
}

// Mirror copies retained checkpoints to secondary storage. Failures are
// logged by the caller and never stop training.
type Mirror interface {
	Put(ctx context.Context, name, path string) error
	Delete(ctx context.Context, name string) error
}

// Checkpoints saves model snapshots under one directory and keeps at most
// maxToKeep of them, evicting the oldest.
type Checkpoints struct {
	dir       string
	name      string
	maxToKeep int
	kept      []string // file names, oldest first
	mirror    Mirror
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewCheckpoints opens dir, picking up the retention list of a previous run.
// maxToKeep <= 0 keeps every checkpoint.
func NewCheckpoints(dir, name string, maxToKeep int, mirror Mirror, log *zap.Logger, m *metrics.Metrics) (*Checkpoints, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.E(errs.Checkpoint, "train.NewCheckpoints", err)
	}
	c := &Checkpoints{dir: dir, name: name, maxToKeep: maxToKeep, mirror: mirror, log: log, metrics: m}
	idx, err := ReadIndex(dir)
	switch {
	case err == nil:
		c.kept = idx.All
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	return c, nil
}

// ReadIndex reads the retention list in dir.
func ReadIndex(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errs.E(errs.Checkpoint, "train.ReadIndex", err)
	}
	return &idx, nil
}

// LatestPath returns the newest checkpoint in dir.
func LatestPath(dir string) (string, error) {
	idx, err := ReadIndex(dir)
	if err != nil {
		return "", errs.E(errs.Checkpoint, "train.LatestPath", err)
	}
	if idx.Latest == "" {
		return "", errs.Checkpointf("train.LatestPath", "no checkpoint in %s", dir)
	}
	return filepath.Join(dir, idx.Latest), nil
}

// Save writes m as checkpoint number step and applies the retention limit.
func (c *Checkpoints) Save(ctx context.Context, m *model.Model, step int) (string, error) {
	file := fmt.Sprintf("%s-%d.json", c.name, step)
	path := filepath.Join(c.dir, file)
	if err := m.Save(path); err != nil {
		c.metrics.Checkpoint("failed")
		return "", err
	}
	c.metrics.Checkpoint("saved")

	kept := c.kept[:0:0]
	for _, f := range c.kept {
		if f != file {
			kept = append(kept, f)
		}
	}
	c.kept = append(kept, file)
	for c.maxToKeep > 0 && len(c.kept) > c.maxToKeep {
		c.evict(ctx, c.kept[0])
		c.kept = c.kept[1:]
	}
	if err := c.writeIndex(); err != nil {
		return path, err
	}
	if c.mirror != nil {
		if err := c.mirror.Put(ctx, file, path); err != nil {
			c.metrics.Checkpoint("mirror_failed")
			c.log.Warn("checkpoint mirror upload failed", zap.String("file", file), zap.Error(err))
		}
	}
	c.log.Debug("checkpoint saved", zap.String("path", path), zap.Strings("kept", c.kept))
	return path, nil
}

// SaveDiverged writes m as <name>-diverged-<epoch>.json. The file is not
// part of the retention list, so it never evicts a kept checkpoint and never
// becomes the index's latest entry.
func (c *Checkpoints) SaveDiverged(ctx context.Context, m *model.Model, epoch int) (string, error) {
	file := fmt.Sprintf("%s-diverged-%d.json", c.name, epoch)
	path := filepath.Join(c.dir, file)
	if err := m.Save(path); err != nil {
		c.metrics.Checkpoint("failed")
		return "", err
	}
	c.metrics.Checkpoint("diverged")
	if c.mirror != nil {
		if err := c.mirror.Put(ctx, file, path); err != nil {
			c.metrics.Checkpoint("mirror_failed")
			c.log.Warn("checkpoint mirror upload failed", zap.String("file", file), zap.Error(err))
		}
	}
	return path, nil
}

func (c *Checkpoints) evict(ctx context.Context, file string) {
	if err := os.Remove(filepath.Join(c.dir, file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("checkpoint eviction failed", zap.String("file", file), zap.Error(err))
	}
	c.metrics.Checkpoint("evicted")
	if c.mirror != nil {
		if err := c.mirror.Delete(ctx, file); err != nil {
			c.metrics.Checkpoint("mirror_failed")
			c.log.Warn("checkpoint mirror delete failed", zap.String("file", file), zap.Error(err))
		}
	}
}

func (c *Checkpoints) writeIndex() error {
	idx := Index{All: c.kept}
	if len(c.kept) > 0 {
		idx.Latest = c.kept[len(c.kept)-1]
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errs.E(errs.Checkpoint, "train.Checkpoints", err)
	}
	tmp := filepath.Join(c.dir, IndexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.E(errs.Checkpoint, "train.Checkpoints", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.dir, IndexFile)); err != nil {
		return errs.E(errs.Checkpoint, "train.Checkpoints", err)
	}
	return nil
}

// Kept returns the retained checkpoint paths, oldest first.
func (c *Checkpoints) Kept() []string {
	out := make([]string, len(c.kept))
	for i, f := range c.kept {
		out[i] = filepath.Join(c.dir, f)
	}
	return out
}

// Dir returns the checkpoint directory.
func (c *Checkpoints) Dir() string { return c.dir }
