package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/pipeline"
)

type constStage struct {
	out int
	err error
}

func (c constStage) Run(_ context.Context, _ string) (int, error) { return c.out, c.err }

func TestFirstMatchReturnsFirstAccepted(t *testing.T) {
	fm := pipeline.FirstMatch[string, int]{
		Stages: []pipeline.Stage[string, int]{
			constStage{out: 0},
			constStage{out: 5},
			constStage{out: 9},
		},
		Done: func(v int) bool { return v != 0 },
	}
	out, err := fm.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 5, out)
}

func TestFirstMatchSkipsErroringStage(t *testing.T) {
	fm := pipeline.FirstMatch[string, int]{
		Stages: []pipeline.Stage[string, int]{
			constStage{err: errors.New("boom")},
			constStage{out: 7},
		},
		Done: func(v int) bool { return v != 0 },
	}
	out, err := fm.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestMergeAllFoldsOutputs(t *testing.T) {
	ma := pipeline.MergeAll[string, int]{
		Stages: []pipeline.Stage[string, int]{
			constStage{out: 1},
			constStage{out: 2},
			constStage{out: 3},
		},
		Merge: func(outs []int) int {
			sum := 0
			for _, v := range outs {
				sum += v
			}
			return sum
		},
	}
	out, err := ma.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 6, out)
}
