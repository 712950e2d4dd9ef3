// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokSOS int32 = 1
	tokEOS int32 = 2
	tokA   int32 = 3
	tokB   int32 = 4
)

// tableStep returns log(probs) chosen by the last token of each prefix.
func tableStep(table map[int32][]float64) StepFunc {
	return func(_ context.Context, seqs [][]int32) ([][]float32, error) {
		out := make([][]float32, len(seqs))
		for i, s := range seqs {
			probs := table[s[len(s)-1]]
			row := make([]float32, len(probs))
			for j, p := range probs {
				row[j] = float32(math.Log(p))
			}
			out[i] = row
		}
		return out, nil
	}
}

const eps = 1e-9

// Greedy picks A first (0.6) and ends at 0.24; the B branch ends at 0.36.
var trapTable = map[int32][]float64{
	tokSOS: {eps, eps, eps, 0.6, 0.4},
	tokA:   {eps, eps, 0.4, 0.3, 0.3},
	tokB:   {eps, eps, 0.9, 0.05, 0.05},
}

func TestBeamSearchFindsBetterThanGreedy(t *testing.T) {
	cfg := DefaultBeamSearchConfig(tokSOS, tokEOS)
	cfg.BeamSize = 2
	cfg.HowManyOutputs = 2

	res, err := BeamSearch(context.Background(), cfg, tableStep(trapTable))
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 2)

	assert.Equal(t, []int32{tokSOS, tokB, tokEOS}, res.Hypotheses[0].Tokens)
	assert.InDelta(t, math.Log(0.36), res.Hypotheses[0].Score, 1e-4)
	assert.True(t, res.Hypotheses[0].Finished)
	assert.Equal(t, []int32{tokSOS, tokA, tokEOS}, res.Hypotheses[1].Tokens)
	assert.Equal(t, 2, res.Steps)
}

func TestBeamSearchGreedyWithOneBeam(t *testing.T) {
	cfg := DefaultBeamSearchConfig(tokSOS, tokEOS)
	cfg.BeamSize = 1

	res, err := BeamSearch(context.Background(), cfg, tableStep(trapTable))
	require.NoError(t, err)
	require.Len(t, res.Hypotheses, 1)
	assert.Equal(t, []int32{tokSOS, tokA, tokEOS}, res.Hypotheses[0].Tokens)
}

func TestBeamSearchFinishedBeamsCarryOver(t *testing.T) {
	// EOS right away scores 0.5; continuing with A scores 0.5*0.9 then EOS.
	table := map[int32][]float64{
		tokSOS: {eps, eps, 0.5, 0.5 - 2*eps, eps},
		tokA:   {eps, eps, 0.1, 0.9, eps},
	}
	cfg := DefaultBeamSearchConfig(tokSOS, tokEOS)
	cfg.BeamSize = 2
	cfg.MaxSeqLen = 6

	res, err := BeamSearch(context.Background(), cfg, tableStep(table))
	require.NoError(t, err)
	assert.Equal(t, []int32{tokSOS, tokEOS}, res.Hypotheses[0].Tokens)
	assert.InDelta(t, math.Log(0.5), res.Hypotheses[0].Score, 1e-4)
}

func TestBeamSearchMaxSeqLen(t *testing.T) {
	table := map[int32][]float64{
		tokSOS: {eps, eps, eps, 0.9, 0.1},
		tokA:   {eps, eps, eps, 0.9, 0.1},
		tokB:   {eps, eps, eps, 0.9, 0.1},
	}
	cfg := DefaultBeamSearchConfig(tokSOS, tokEOS)
	cfg.BeamSize = 1
	cfg.MaxSeqLen = 3

	res, err := BeamSearch(context.Background(), cfg, tableStep(table))
	require.NoError(t, err)
	best := res.Hypotheses[0]
	assert.Equal(t, []int32{tokSOS, tokA, tokA}, best.Tokens)
	assert.False(t, best.Finished)
	assert.Equal(t, 2, res.Steps)
}

func TestBeamSearchSampleMode(t *testing.T) {
	table := map[int32][]float64{
		tokSOS: {eps, eps, eps, eps, 1},
		tokB:   {eps, eps, 1, eps, eps},
	}
	cfg := DefaultBeamSearchConfig(tokSOS, tokEOS)
	cfg.BeamSize = 1
	cfg.SampleOrMax = SampleOrMaxSample
	cfg.Rand = rand.New(rand.NewPCG(1, 2))

	res, err := BeamSearch(context.Background(), cfg, tableStep(table))
	require.NoError(t, err)
	assert.Equal(t, []int32{tokSOS, tokB, tokEOS}, res.Hypotheses[0].Tokens)
}

func TestBeamSearchConfigValidate(t *testing.T) {
	base := DefaultBeamSearchConfig(tokSOS, tokEOS)
	tests := []struct {
		name   string
		mutate func(*BeamSearchConfig)
		err    string
	}{
		{name: "zero beams", mutate: func(c *BeamSearchConfig) { c.BeamSize = 0 }, err: "beam size"},
		{name: "zero len", mutate: func(c *BeamSearchConfig) { c.MaxSeqLen = 0 }, err: "max sequence length"},
		{name: "too many outputs", mutate: func(c *BeamSearchConfig) { c.HowManyOutputs = 6 }, err: "cannot return 6"},
		{name: "zero outputs", mutate: func(c *BeamSearchConfig) { c.HowManyOutputs = 0 }, err: "how many outputs"},
		{name: "bad mode", mutate: func(c *BeamSearchConfig) { c.SampleOrMax = "greedy" }, err: "sample_or_max"},
	}
	require.NoError(t, base.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := BeamSearch(context.Background(), cfg, tableStep(trapTable))
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestBeamSearchContextAndStepErrors(t *testing.T) {
	cfg := DefaultBeamSearchConfig(tokSOS, tokEOS)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BeamSearch(ctx, cfg, tableStep(trapTable))
	assert.ErrorIs(t, err, context.Canceled)

	boom := errors.New("boom")
	_, err = BeamSearch(context.Background(), cfg, func(context.Context, [][]int32) ([][]float32, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = BeamSearch(context.Background(), cfg, func(context.Context, [][]int32) ([][]float32, error) {
		return [][]float32{{0, 1}, {1, 0}}, nil
	})
	assert.ErrorContains(t, err, "2 logit rows for 1 beams")
}

func TestLogSoftmax(t *testing.T) {
	lp, err := LogSoftmax([]float32{1, 2, 3})
	require.NoError(t, err)
	var sum float64
	for _, v := range lp {
		sum += math.Exp(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, lp[2], lp[1])

	_, err = LogSoftmax([]float32{0, float32(math.NaN())})
	assert.ErrorContains(t, err, "NaN")
	_, err = LogSoftmax(nil)
	assert.Error(t, err)
}

func TestTopK(t *testing.T) {
	assert.Equal(t, []int{2, 0}, topK([]float64{0.5, 0.1, 0.9, 0.5}, 2))
	assert.Equal(t, []int{0, 3}, topK([]float64{0.5, 0.1, 0.2, 0.5}, 2))
	assert.Len(t, topK([]float64{1}, 5), 1)
}

func TestSampleWithoutReplacement(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	lp, err := LogSoftmax([]float32{0, 0, 0, 0})
	require.NoError(t, err)

	picks := sampleWithoutReplacement(rng, lp, 4)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, picks)

	picks = sampleWithoutReplacement(rng, []float64{math.Inf(-1), 0}, 2)
	assert.Equal(t, []int{1}, picks)

	assert.Len(t, sampleWithoutReplacement(rng, lp, 9), 4)
}

func TestSampleWithoutReplacementFollowsWeights(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	lp := []float64{math.Log(0.9), math.Log(0.1)}

	firsts := 0
	const draws = 2000
	for range draws {
		picks := sampleWithoutReplacement(rng, lp, 2)
		require.Len(t, picks, 2)
		require.NotEqual(t, picks[0], picks[1])
		if picks[0] == 0 {
			firsts++
		}
	}
	assert.InDelta(t, 0.9, float64(firsts)/draws, 0.03)
}
