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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, nil, 0o600))
}

func TestDefaultModelConfigValid(t *testing.T) {
	cfg := DefaultModelConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 384, cfg.ImageConfig().Size)
	assert.Equal(t, ImageNetMean, cfg.ImageConfig().Mean)
}

func TestModelConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
		err    string
	}{
		{name: "beam size", mutate: func(c *ModelConfig) { c.BeamSize = 0 }, err: "beam_size"},
		{name: "heads", mutate: func(c *ModelConfig) { c.NumHeads = 7 }, err: "not divisible by num_heads"},
		{name: "patch", mutate: func(c *ModelConfig) { c.ImageSize = 385 }, err: "patch_size"},
		{name: "window", mutate: func(c *ModelConfig) { c.ImageSize = 192 }, err: "window_size"},
		{name: "depths vs heads", mutate: func(c *ModelConfig) { c.Swin.NumHeads = []int{6} }, err: "head counts"},
		{name: "final dim", mutate: func(c *ModelConfig) { c.Swin.FinalDim = 1024 }, err: "final_dim"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultModelConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.err)
		})
	}
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadModelConfig(dir)
	assert.ErrorContains(t, err, "encoder ONNX file not found")

	touch(t, filepath.Join(dir, "onnx", "encoder.onnx"))
	_, err = LoadModelConfig(dir)
	assert.ErrorContains(t, err, "decoder ONNX file not found")

	touch(t, filepath.Join(dir, "decoder.onnx"))
	cfg, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "onnx", "encoder.onnx"), cfg.EncoderPath)
	assert.Equal(t, filepath.Join(dir, "decoder.onnx"), cfg.DecoderPath)
	assert.Equal(t, 5, cfg.BeamSize)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename),
		[]byte(`{"beam_size": 3, "max_seq_len": 20, "backends": ["go"]}`), 0o600))
	cfg, err = LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.BeamSize)
	assert.Equal(t, 20, cfg.MaxSeqLen)
	assert.Equal(t, 512, cfg.ModelDim)
	assert.Equal(t, []int{2, 2, 18, 2}, cfg.Swin.Depths)
	assert.Equal(t, []string{"go"}, cfg.Backends)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(`{`), 0o600))
	_, err = LoadModelConfig(dir)
	assert.ErrorContains(t, err, "parsing")
}

func TestFirstNonZero(t *testing.T) {
	assert.Equal(t, 3, FirstNonZero(0, 3, 5))
	assert.Equal(t, 0, FirstNonZero())
}
