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

package captioner

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/antflydb/captioner/lib/vocab"
)

// LoadOptions override the values read from a model directory.
// Zero values keep what config.json (or the built in defaults) specify.
type LoadOptions struct {
	ModelDim  int
	NEnc      int
	NDec      int
	MaxSeqLen int
	BeamSize  int
	ImageSize int

	// Outputs is the number of hypotheses returned per image. Defaults to 1.
	Outputs int
	// Sample draws beam expansions instead of taking the most likely tokens.
	Sample bool
	// Threads caps intra-op threads per session. Zero lets the backend decide.
	Threads int
}

// Load reads the model configuration and vocabulary from modelPath, opens
// encoder and decoder sessions on the first usable backend and returns a
// ready Captioner.
func Load(modelPath string, sm *backends.SessionManager, opts LoadOptions, logger *zap.Logger) (*Captioner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pipelines.LoadModelConfig(modelPath)
	if err != nil {
		return nil, err
	}
	cfg.ModelDim = pipelines.FirstNonZero(opts.ModelDim, cfg.ModelDim)
	cfg.NEnc = pipelines.FirstNonZero(opts.NEnc, cfg.NEnc)
	cfg.NDec = pipelines.FirstNonZero(opts.NDec, cfg.NDec)
	cfg.MaxSeqLen = pipelines.FirstNonZero(opts.MaxSeqLen, cfg.MaxSeqLen)
	cfg.BeamSize = pipelines.FirstNonZero(opts.BeamSize, cfg.BeamSize)
	cfg.ImageSize = pipelines.FirstNonZero(opts.ImageSize, cfg.ImageSize)

	v, err := vocab.Load(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading vocabulary: %w", err)
	}

	factory, backendType, err := sm.GetSessionFactoryForModel(cfg.Backends)
	if err != nil {
		return nil, err
	}
	sessionOpts := []backends.SessionOption{
		backends.WithSessionGPUMode(sm.DeviceFor(backendType).ToGPUMode()),
	}
	if opts.Threads > 0 {
		sessionOpts = append(sessionOpts, backends.WithSessionThreads(opts.Threads))
	}

	name := filepath.Base(filepath.Clean(modelPath))
	start := time.Now()
	model, err := pipelines.LoadCaptionModel(cfg, factory, v.Len(), sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", name, err)
	}
	RecordModelLoadDuration(name, string(model.Backend()), time.Since(start).Seconds())

	logger.Info("Loaded captioning model",
		zap.String("model", name),
		zap.String("backend", string(model.Backend())),
		zap.Int("vocab_size", v.Len()),
		zap.Int("image_size", cfg.ImageSize),
		zap.Int("beam_size", cfg.BeamSize),
		zap.Duration("duration", time.Since(start)))

	beam := pipelines.DefaultBeamSearchConfig(v.SOSID, v.EOSID)
	beam.BeamSize = cfg.BeamSize
	beam.MaxSeqLen = cfg.MaxSeqLen
	beam.HowManyOutputs = pipelines.FirstNonZero(opts.Outputs, 1)
	if opts.Sample {
		beam.SampleOrMax = pipelines.SampleOrMaxSample
	}

	c, err := New(model, v, Config{Name: name, Beam: beam, Image: cfg.ImageConfig()}, logger)
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	return c, nil
}
