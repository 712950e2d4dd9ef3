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

// Package captioner turns images into one-sentence descriptions with an
// encoder/decoder captioning model and beam search.
package captioner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/antflydb/captioner/lib/vocab"
)

// Model is the encoder/decoder pair driven by beam search.
// *pipelines.CaptionModel implements it.
type Model interface {
	Encode(ctx context.Context, pixels []float32) (*pipelines.EncoderOutput, error)
	Logits(ctx context.Context, enc *pipelines.EncoderOutput, seqs [][]int32) ([][]float32, error)
	Close() error
}

// Caption is the result of describing one image.
type Caption struct {
	Source string  `json:"source,omitempty"`
	Text   string  `json:"text"`
	Tokens []int32 `json:"tokens"`
	Score  float64 `json:"score"`
	// Finished is false when decoding stopped at the length limit.
	Finished     bool          `json:"finished"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Steps        int           `json:"steps"`
	Duration     time.Duration `json:"duration"`
	Cached       bool          `json:"cached,omitempty"`
}

// Alternative is a lower ranked hypothesis, returned when more than one
// output is requested.
type Alternative struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Config configures a Captioner.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// Beam holds decoding options. SOS and EOS are taken from the vocabulary.
	Beam pipelines.BeamSearchConfig
	// Image defaults to pipelines.DefaultImageConfig.
	Image *pipelines.ImageConfig
}

// Captioner binds a model to its vocabulary and decoding options.
// A Captioner is safe for concurrent use; inference calls are serialized.
type Captioner struct {
	name   string
	model  Model
	vocab  *vocab.Vocabulary
	beam   pipelines.BeamSearchConfig
	images *pipelines.ImageProcessor
	logger *zap.Logger

	mu sync.Mutex
}

// New creates a Captioner. The model is owned by the Captioner and closed by Close.
func New(model Model, v *vocab.Vocabulary, cfg Config, logger *zap.Logger) (*Captioner, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if v == nil {
		return nil, errors.New("vocabulary is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	beam := cfg.Beam
	beam.SOS = v.SOSID
	beam.EOS = v.EOSID
	if err := beam.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decoding options: %w", err)
	}
	return &Captioner{
		name:   cfg.Name,
		model:  model,
		vocab:  v,
		beam:   beam,
		images: pipelines.NewImageProcessor(cfg.Image),
		logger: logger,
	}, nil
}

// Name returns the model name used in logs and metrics.
func (c *Captioner) Name() string {
	return c.name
}

// Preprocess decodes an encoded image into the model's input tensor.
func (c *Captioner) Preprocess(data []byte) ([]float32, error) {
	return c.images.ProcessBytes(data)
}

// Caption describes a decoded image.
func (c *Captioner) Caption(ctx context.Context, img image.Image) (*Caption, error) {
	pixels, err := c.images.Process(img)
	if err != nil {
		return nil, err
	}
	return c.CaptionPixels(ctx, pixels)
}

// CaptionBytes describes an encoded image (JPEG, PNG, GIF, BMP, TIFF or WebP).
func (c *Captioner) CaptionBytes(ctx context.Context, data []byte) (*Caption, error) {
	pixels, err := c.Preprocess(data)
	if err != nil {
		return nil, err
	}
	return c.CaptionPixels(ctx, pixels)
}

// CaptionFile describes the image stored at path.
func (c *Captioner) CaptionFile(ctx context.Context, path string) (*Caption, error) {
	img, err := pipelines.LoadImageFile(path)
	if err != nil {
		return nil, err
	}
	caption, err := c.Caption(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	caption.Source = path
	return caption, nil
}

// CaptionPixels runs the encoder once and beam searches the decoder over a
// preprocessed image tensor.
func (c *Captioner) CaptionPixels(ctx context.Context, pixels []float32) (*Caption, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	caption, err := c.generate(ctx, pixels)
	if err != nil {
		RecordCaptionError(c.name)
		return nil, err
	}
	caption.Duration = time.Since(start)
	RecordCaption(c.name, caption.Steps, caption.Duration.Seconds())

	c.logger.Debug("Generated caption",
		zap.String("model", c.name),
		zap.String("text", caption.Text),
		zap.Float64("score", caption.Score),
		zap.Int("steps", caption.Steps),
		zap.Duration("duration", caption.Duration))
	return caption, nil
}

func (c *Captioner) generate(ctx context.Context, pixels []float32) (*Caption, error) {
	enc, err := c.model.Encode(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	res, err := pipelines.BeamSearch(ctx, c.beam, func(ctx context.Context, seqs [][]int32) ([][]float32, error) {
		return c.model.Logits(ctx, enc, seqs)
	})
	if err != nil {
		return nil, fmt.Errorf("beam search: %w", err)
	}
	if len(res.Hypotheses) == 0 {
		return nil, errors.New("beam search returned no hypotheses")
	}

	best := res.Hypotheses[0]
	text, err := c.vocab.Describe(best.Tokens)
	if err != nil {
		return nil, err
	}
	caption := &Caption{
		Text:     text,
		Tokens:   best.Tokens,
		Score:    best.Score,
		Finished: best.Finished,
		Steps:    res.Steps,
	}
	for _, h := range res.Hypotheses[1:] {
		alt, err := c.vocab.Describe(h.Tokens)
		if err != nil {
			return nil, err
		}
		caption.Alternatives = append(caption.Alternatives, Alternative{Text: alt, Score: h.Score})
	}
	return caption, nil
}

// Close releases the model.
func (c *Captioner) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.Close()
}
