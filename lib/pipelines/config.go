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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// ConfigFilename is the optional model configuration file in a model directory.
const ConfigFilename = "config.json"

// Candidate file names for the exported graphs, in preference order.
var (
	EncoderFilenames = []string{"encoder.onnx", "vision_encoder.onnx", "encoder_model.onnx"}
	DecoderFilenames = []string{"decoder.onnx", "decoder_model.onnx"}
)

// SwinConfig describes the Swin transformer backbone the encoder was exported from.
// The values are informational for the exported graph but are validated so that
// a mismatched config.json is caught before inference.
type SwinConfig struct {
	PatchSize  int     `json:"patch_size"`
	InChans    int     `json:"in_chans"`
	EmbedDim   int     `json:"embed_dim"`
	Depths     []int   `json:"depths"`
	NumHeads   []int   `json:"num_heads"`
	WindowSize int     `json:"window_size"`
	MLPRatio   float64 `json:"mlp_ratio"`
	FinalDim   int     `json:"final_dim"`
}

// ModelConfig holds the captioning network's hyperparameters plus the
// resolved paths of its exported graphs.
type ModelConfig struct {
	// Paths, resolved by LoadModelConfig.
	ModelPath   string `json:"-"`
	EncoderPath string `json:"-"`
	DecoderPath string `json:"-"`

	ModelDim  int `json:"model_dim"`
	NEnc      int `json:"n_enc"`
	NDec      int `json:"n_dec"`
	MaxSeqLen int `json:"max_seq_len"`
	BeamSize  int `json:"beam_size"`
	ImageSize int `json:"image_size"`

	Swin SwinConfig `json:"swin"`

	NumHeads      int   `json:"num_heads"`
	FF            int   `json:"ff"`
	NumExpEncList []int `json:"num_exp_enc_list"`
	NumExpDec     int   `json:"num_exp_dec"`

	// Backends optionally restricts which inference backends may run the model.
	Backends []string `json:"backends,omitempty"`
}

// DefaultModelConfig returns the configuration of the published
// ExpansionNet v2 COCO checkpoint.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		ModelDim:  512,
		NEnc:      3,
		NDec:      3,
		MaxSeqLen: 74,
		BeamSize:  5,
		ImageSize: 384,
		Swin: SwinConfig{
			PatchSize:  4,
			InChans:    3,
			EmbedDim:   192,
			Depths:     []int{2, 2, 18, 2},
			NumHeads:   []int{6, 12, 24, 48},
			WindowSize: 12,
			MLPRatio:   4,
			FinalDim:   1536,
		},
		NumHeads:      8,
		FF:            2048,
		NumExpEncList: []int{32, 64, 128, 256, 512},
		NumExpDec:     16,
	}
}

// LoadModelConfig resolves the encoder/decoder graphs in modelPath and overlays
// config.json, if present, on the defaults.
func LoadModelConfig(modelPath string) (*ModelConfig, error) {
	cfg := DefaultModelConfig()
	cfg.ModelPath = modelPath

	data, err := os.ReadFile(filepath.Join(modelPath, ConfigFilename)) //nolint:gosec // G304: model directory from CLI flags
	switch {
	case err == nil:
		if err := sonic.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", ConfigFilename, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", ConfigFilename, err)
	}

	cfg.EncoderPath = FindONNXFile(modelPath, EncoderFilenames)
	if cfg.EncoderPath == "" {
		return nil, fmt.Errorf("encoder ONNX file not found in %s", modelPath)
	}
	cfg.DecoderPath = FindONNXFile(modelPath, DecoderFilenames)
	if cfg.DecoderPath == "" {
		return nil, fmt.Errorf("decoder ONNX file not found in %s", modelPath)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *ModelConfig) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("model_dim", c.ModelDim)
	positive("n_enc", c.NEnc)
	positive("n_dec", c.NDec)
	positive("max_seq_len", c.MaxSeqLen)
	positive("beam_size", c.BeamSize)
	positive("image_size", c.ImageSize)
	positive("num_heads", c.NumHeads)

	if c.NumHeads > 0 && c.ModelDim%c.NumHeads != 0 {
		errs = append(errs, fmt.Errorf("model_dim %d not divisible by num_heads %d", c.ModelDim, c.NumHeads))
	}
	if err := c.Swin.validate(c.ImageSize); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s SwinConfig) validate(imageSize int) error {
	if s.PatchSize <= 0 || s.WindowSize <= 0 || len(s.Depths) == 0 {
		return errors.New("swin: patch_size, window_size and depths are required")
	}
	if len(s.Depths) != len(s.NumHeads) {
		return fmt.Errorf("swin: %d depths but %d head counts", len(s.Depths), len(s.NumHeads))
	}
	if imageSize%s.PatchSize != 0 {
		return fmt.Errorf("swin: image_size %d not divisible by patch_size %d", imageSize, s.PatchSize)
	}
	// Patch merging halves the grid after every stage but the last.
	grid := imageSize / s.PatchSize
	for stage := range len(s.Depths) {
		if grid%s.WindowSize != 0 {
			return fmt.Errorf("swin: stage %d grid %d not divisible by window_size %d", stage, grid, s.WindowSize)
		}
		if stage < len(s.Depths)-1 {
			grid /= 2
		}
	}
	if s.FinalDim != 0 && s.FinalDim != s.EmbedDim<<(len(s.Depths)-1) {
		return fmt.Errorf("swin: final_dim %d, want embed_dim*2^(stages-1) = %d", s.FinalDim, s.EmbedDim<<(len(s.Depths)-1))
	}
	return nil
}

// ImageConfig returns the preprocessing configuration matching the model.
func (c *ModelConfig) ImageConfig() *ImageConfig {
	ic := DefaultImageConfig()
	ic.Size = c.ImageSize
	return ic
}
