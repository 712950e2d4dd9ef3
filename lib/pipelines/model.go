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

	"github.com/antflydb/captioner/lib/backends"
)

// Decoder input names recognized besides the token ids.
const (
	inputEncoderHiddenStates = "encoder_hidden_states"
	inputEncXNumPads         = "enc_x_num_pads"
	inputEncoderMask         = "encoder_attention_mask"
)

// EncoderOutput holds encoded image features of shape [1, N, D].
type EncoderOutput struct {
	HiddenStates []float32
	Shape        [3]int
}

// CaptionModel runs the exported encoder and decoder graphs.
// The decoder is re-run over the whole prefix at every step.
type CaptionModel struct {
	config      *ModelConfig
	encoder     backends.Session
	decoder     backends.Session
	vocabSize   int
	backendType backends.BackendType
}

// NewCaptionModel creates a CaptionModel from already created sessions.
func NewCaptionModel(config *ModelConfig, encoder, decoder backends.Session, vocabSize int, backendType backends.BackendType) *CaptionModel {
	return &CaptionModel{
		config:      config,
		encoder:     encoder,
		decoder:     decoder,
		vocabSize:   vocabSize,
		backendType: backendType,
	}
}

// LoadCaptionModel creates encoder and decoder sessions with factory.
func LoadCaptionModel(config *ModelConfig, factory backends.SessionFactory, vocabSize int, opts ...backends.SessionOption) (*CaptionModel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	encoder, err := factory.CreateSession(config.EncoderPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}
	decoder, err := factory.CreateSession(config.DecoderPath, opts...)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}
	return NewCaptionModel(config, encoder, decoder, vocabSize, factory.Backend()), nil
}

// Backend returns the backend running the sessions.
func (m *CaptionModel) Backend() backends.BackendType {
	return m.backendType
}

// Encode runs the vision encoder on one preprocessed [1, 3, S, S] image.
func (m *CaptionModel) Encode(ctx context.Context, pixels []float32) (*EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := m.config.ImageSize
	if want := 3 * size * size; len(pixels) != want {
		return nil, fmt.Errorf("pixel tensor has %d values, want %d", len(pixels), want)
	}

	name := "pixel_values"
	if info := m.encoder.InputInfo(); len(info) > 0 {
		name = info[0].Name
	}
	outputs, err := m.encoder.Run([]backends.NamedTensor{{
		Name:  name,
		Shape: []int64{1, 3, int64(size), int64(size)},
		Data:  pixels,
	}})
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("no encoder output")
	}

	out := outputs[0]
	if len(out.Shape) != 3 {
		return nil, fmt.Errorf("unexpected encoder output shape %v", out.Shape)
	}
	hidden, err := out.Float32s()
	if err != nil {
		return nil, fmt.Errorf("encoder output: %w", err)
	}
	if d := int(out.Shape[2]); d != m.config.ModelDim {
		return nil, fmt.Errorf("encoder width %d does not match model_dim %d", d, m.config.ModelDim)
	}
	return &EncoderOutput{
		HiddenStates: hidden,
		Shape:        [3]int{int(out.Shape[0]), int(out.Shape[1]), int(out.Shape[2])},
	}, nil
}

// Logits runs the decoder over equally long prefixes and returns the
// next-token scores at the last position of each.
func (m *CaptionModel) Logits(ctx context.Context, enc *EncoderOutput, seqs [][]int32) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := len(seqs)
	if batch == 0 {
		return nil, errors.New("no sequences to decode")
	}
	seqLen := len(seqs[0])
	ids := make([]int32, 0, batch*seqLen)
	for i, s := range seqs {
		if len(s) != seqLen {
			return nil, fmt.Errorf("sequence %d has length %d, want %d", i, len(s), seqLen)
		}
		ids = append(ids, s...)
	}

	inputs, err := m.decoderInputs(enc, ids, batch, seqLen)
	if err != nil {
		return nil, err
	}
	outputs, err := m.decoder.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("no decoder output")
	}
	return m.lastPositionLogits(outputs[0], batch, seqLen)
}

func (m *CaptionModel) decoderInputs(enc *EncoderOutput, ids []int32, batch, seqLen int) ([]backends.NamedTensor, error) {
	n, d := enc.Shape[1], enc.Shape[2]

	var inputs []backends.NamedTensor
	idsBound := false
	for _, info := range m.decoder.InputInfo() {
		switch info.Name {
		case inputEncoderHiddenStates, "encoder_outputs", "enc_x", "cross_enc":
			// Every beam attends to the same image features.
			hidden := make([]float32, 0, batch*n*d)
			for range batch {
				hidden = append(hidden, enc.HiddenStates...)
			}
			inputs = append(inputs, backends.NamedTensor{
				Name: info.Name, Shape: []int64{int64(batch), int64(n), int64(d)}, Data: hidden,
			})
		case inputEncXNumPads:
			inputs = append(inputs, backends.NamedTensor{
				Name: info.Name, Shape: []int64{int64(batch)}, Data: make([]int64, batch),
			})
		case inputEncoderMask:
			mask := make([]int64, batch*n)
			for i := range mask {
				mask[i] = 1
			}
			inputs = append(inputs, backends.NamedTensor{
				Name: info.Name, Shape: []int64{int64(batch), int64(n)}, Data: mask,
			})
		default:
			if idsBound {
				return nil, fmt.Errorf("decoder input %q is not recognized", info.Name)
			}
			idsBound = true
			var data any = int32sToInt64s(ids)
			if info.DataType == backends.DataTypeInt32 {
				data = ids
			}
			inputs = append(inputs, backends.NamedTensor{
				Name: info.Name, Shape: []int64{int64(batch), int64(seqLen)}, Data: data,
			})
		}
	}
	if !idsBound {
		return nil, errors.New("decoder has no token id input")
	}
	return inputs, nil
}

func (m *CaptionModel) lastPositionLogits(out backends.NamedTensor, batch, seqLen int) ([][]float32, error) {
	data, err := out.Float32s()
	if err != nil {
		return nil, fmt.Errorf("decoder output: %w", err)
	}

	var positions int
	switch len(out.Shape) {
	case 3: // [B, T, V]
		positions = int(out.Shape[1])
	case 2: // [B, V], last position only
		positions = 1
	default:
		return nil, fmt.Errorf("unexpected logits shape %v", out.Shape)
	}
	if int(out.Shape[0]) != batch {
		return nil, fmt.Errorf("logits batch %d, want %d", out.Shape[0], batch)
	}
	if positions != 1 && positions != seqLen {
		return nil, fmt.Errorf("logits cover %d positions, want %d", positions, seqLen)
	}
	vocab := int(out.Shape[len(out.Shape)-1])
	if m.vocabSize > 0 && vocab != m.vocabSize {
		return nil, fmt.Errorf("logits width %d does not match vocabulary size %d", vocab, m.vocabSize)
	}
	if len(data) != batch*positions*vocab {
		return nil, fmt.Errorf("logits has %d values, want %d", len(data), batch*positions*vocab)
	}

	logits := make([][]float32, batch)
	for i := range batch {
		start := (i*positions + positions - 1) * vocab
		logits[i] = data[start : start+vocab : start+vocab]
	}
	return logits, nil
}

// Close releases both sessions.
func (m *CaptionModel) Close() error {
	var errs []error
	if m.encoder != nil {
		if err := m.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing encoder: %w", err))
		}
		m.encoder = nil
	}
	if m.decoder != nil {
		if err := m.decoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing decoder: %w", err))
		}
		m.decoder = nil
	}
	return errors.Join(errs...)
}
