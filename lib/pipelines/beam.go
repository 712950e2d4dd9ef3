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
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Beam expansion modes.
const (
	SampleOrMaxMax    = "max"
	SampleOrMaxSample = "sample"
)

// StepFunc returns next-token logits for each of the given equally long prefixes.
type StepFunc func(ctx context.Context, seqs [][]int32) ([][]float32, error)

// BeamSearchConfig controls beam search decoding.
type BeamSearchConfig struct {
	BeamSize  int
	MaxSeqLen int // includes the start token
	SOS       int32
	EOS       int32
	// SampleOrMax picks how each beam is expanded: "max" takes the BeamSize
	// most likely tokens, "sample" draws BeamSize tokens without replacement.
	SampleOrMax    string
	HowManyOutputs int

	// Rand drives "sample" mode. Nil uses a randomly seeded source.
	Rand *rand.Rand
}

// DefaultBeamSearchConfig returns five beams, 74 tokens and one output.
func DefaultBeamSearchConfig(sos, eos int32) BeamSearchConfig {
	return BeamSearchConfig{
		BeamSize:       5,
		MaxSeqLen:      74,
		SOS:            sos,
		EOS:            eos,
		SampleOrMax:    SampleOrMaxMax,
		HowManyOutputs: 1,
	}
}

// Validate checks the configuration.
func (c BeamSearchConfig) Validate() error {
	switch {
	case c.BeamSize < 1:
		return fmt.Errorf("beam size must be at least 1, got %d", c.BeamSize)
	case c.MaxSeqLen < 1:
		return fmt.Errorf("max sequence length must be at least 1, got %d", c.MaxSeqLen)
	case c.HowManyOutputs < 1:
		return fmt.Errorf("how many outputs must be at least 1, got %d", c.HowManyOutputs)
	case c.HowManyOutputs > c.BeamSize:
		return fmt.Errorf("cannot return %d outputs from %d beams", c.HowManyOutputs, c.BeamSize)
	case c.SampleOrMax != SampleOrMaxMax && c.SampleOrMax != SampleOrMaxSample:
		return fmt.Errorf("sample_or_max must be %q or %q, got %q", SampleOrMaxMax, SampleOrMaxSample, c.SampleOrMax)
	}
	return nil
}

// Hypothesis is one decoded sequence with its summed log probability.
type Hypothesis struct {
	Tokens   []int32
	Score    float64
	Finished bool
}

// BeamResult holds the best hypotheses, best first.
type BeamResult struct {
	Hypotheses []Hypothesis
	// Steps is the number of decoder invocations.
	Steps int
}

// BeamSearch decodes with step until every beam emitted EOS or reached
// MaxSeqLen tokens. Finished beams keep their score and compete with live
// ones at every step.
func BeamSearch(ctx context.Context, cfg BeamSearchConfig, step StepFunc) (*BeamResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // G404: sampling, not crypto
	}

	beams := []Hypothesis{{Tokens: []int32{cfg.SOS}}}
	steps := 0
	for {
		var live []int
		for i, b := range beams {
			if !b.Finished && len(b.Tokens) < cfg.MaxSeqLen {
				live = append(live, i)
			}
		}
		if len(live) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seqs := make([][]int32, len(live))
		for j, i := range live {
			seqs[j] = beams[i].Tokens
		}
		logits, err := step(ctx, seqs)
		if err != nil {
			return nil, fmt.Errorf("decoding step %d: %w", steps, err)
		}
		if len(logits) != len(live) {
			return nil, fmt.Errorf("decoding step %d: got %d logit rows for %d beams", steps, len(logits), len(live))
		}
		steps++

		// Candidates keep insertion order for ties: carried-over beams first,
		// then expansions in beam order.
		candidates := make([]Hypothesis, 0, len(beams)*cfg.BeamSize)
		for _, b := range beams {
			if b.Finished || len(b.Tokens) >= cfg.MaxSeqLen {
				candidates = append(candidates, b)
			}
		}
		for j, i := range live {
			logProbs, err := LogSoftmax(logits[j])
			if err != nil {
				return nil, fmt.Errorf("decoding step %d beam %d: %w", steps-1, i, err)
			}
			var picks []int
			if cfg.SampleOrMax == SampleOrMaxSample {
				picks = sampleWithoutReplacement(rng, logProbs, cfg.BeamSize)
			} else {
				picks = topK(logProbs, cfg.BeamSize)
			}
			parent := beams[i]
			for _, tok := range picks {
				tokens := make([]int32, len(parent.Tokens)+1)
				copy(tokens, parent.Tokens)
				tokens[len(parent.Tokens)] = int32(tok) //nolint:gosec // G115: token ids fit in int32
				candidates = append(candidates, Hypothesis{
					Tokens:   tokens,
					Score:    parent.Score + logProbs[tok],
					Finished: int32(tok) == cfg.EOS, //nolint:gosec // G115: token ids fit in int32
				})
			}
		}

		sortHypotheses(candidates)
		beams = candidates[:min(cfg.BeamSize, len(candidates))]
	}

	sortHypotheses(beams)
	n := min(cfg.HowManyOutputs, len(beams))
	return &BeamResult{Hypotheses: slices.Clone(beams[:n]), Steps: steps}, nil
}

func sortHypotheses(h []Hypothesis) {
	sort.SliceStable(h, func(a, b int) bool { return h[a].Score > h[b].Score })
}

// LogSoftmax returns log probabilities for logits.
func LogSoftmax(logits []float32) ([]float64, error) {
	if len(logits) == 0 {
		return nil, errors.New("empty logits")
	}
	out := make([]float64, len(logits))
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) {
			return nil, fmt.Errorf("NaN logit at index %d", i)
		}
		out[i] = f
	}
	lse := floats.LogSumExp(out)
	floats.AddConst(-lse, out)
	return out, nil
}

// topK returns the indices of the k largest values, largest first.
// Equal values keep ascending index order.
func topK(values []float64, k int) []int {
	k = min(k, len(values))
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] > values[idx[b]] })
	return idx[:k]
}

// sampleWithoutReplacement draws up to k distinct indices with probability
// proportional to exp(logProbs). Indices with zero probability are never drawn.
func sampleWithoutReplacement(src rand.Source, logProbs []float64, k int) []int {
	weights := make([]float64, len(logProbs))
	for i, lp := range logProbs {
		weights[i] = math.Exp(lp)
	}
	w := sampleuv.NewWeighted(weights, src)
	picks := make([]int, 0, min(k, len(weights)))
	for range k {
		i, ok := w.Take()
		if !ok || math.Exp(logProbs[i]) == 0 {
			break
		}
		picks = append(picks, i)
	}
	return picks
}
