package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsKind(t *testing.T) {
	err := fmt.Errorf("train: %w", E(Divergence, "train.step", errors.New("loss is NaN")))

	assert.True(t, errors.Is(err, Divergence))
	assert.False(t, errors.Is(err, Checkpoint))
	assert.Equal(t, Divergence, KindOf(err))
	assert.Equal(t, "train: train.step: divergence error: loss is NaN", err.Error())
}

func TestErrorUnwrap(t *testing.T) {
	err := E(Checkpoint, "model.Load", io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, errors.Is(err, Checkpoint))
}

func TestConfigf(t *testing.T) {
	err := Configf("config.Validate", "filter_sizes has %d entries, channel_sizes has %d", 2, 3)
	assert.True(t, errors.Is(err, Configuration))
	assert.Contains(t, err.Error(), "filter_sizes has 2 entries")
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}
