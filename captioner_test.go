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
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/antflydb/captioner/lib/vocab"
)

var testWords = []string{"<pad>", "<sos>", "<eos>", "a", "cat", "on", "the", "sofa", "dog"}

// fakeModel follows a fixed successor table: after token t it strongly
// prefers next[t], and after anything else it prefers <eos>.
type fakeModel struct {
	mu      sync.Mutex
	next    map[int32]int32
	encodes int
	steps   int
	err     error
	closed  bool

	// When gate is set, Encode signals entered and blocks until gate is
	// closed or ctx is done.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeModel() *fakeModel {
	return &fakeModel{next: map[int32]int32{1: 3, 3: 4, 4: 5, 5: 6, 6: 7}}
}

func (m *fakeModel) Encode(ctx context.Context, pixels []float32) (*pipelines.EncoderOutput, error) {
	if m.gate != nil {
		m.entered <- struct{}{}
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.encodes++
	return &pipelines.EncoderOutput{HiddenStates: make([]float32, 4), Shape: [3]int{1, 2, 2}}, nil
}

func (m *fakeModel) Logits(_ context.Context, _ *pipelines.EncoderOutput, seqs [][]int32) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
	out := make([][]float32, len(seqs))
	for i, s := range seqs {
		row := make([]float32, len(testWords))
		want, ok := m.next[s[len(s)-1]]
		if !ok {
			want = 2
		}
		row[want] = 10
		// "dog" is always a distant second choice.
		row[8] = 5
		out[i] = row
	}
	return out, nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

func testVocab(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.New(testWords, nil, "<sos>", "<eos>")
	require.NoError(t, err)
	return v
}

func testConfig() Config {
	return Config{
		Name: "test-model",
		Beam: pipelines.DefaultBeamSearchConfig(0, 0),
		Image: &pipelines.ImageConfig{
			Size:          4,
			Mean:          pipelines.ImageNetMean,
			Std:           pipelines.ImageNetStd,
			RescaleFactor: 1.0 / 255,
		},
	}
}

func newTestCaptioner(t *testing.T, model Model, cfg Config) *Captioner {
	t.Helper()
	c, err := New(model, testVocab(t), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCaptionBytes(t *testing.T) {
	model := newFakeModel()
	c := newTestCaptioner(t, model, testConfig())

	caption, err := c.CaptionBytes(context.Background(), pngBytes(t, color.White))
	require.NoError(t, err)
	assert.Equal(t, "a cat on the sofa.", caption.Text)
	assert.Equal(t, []int32{1, 3, 4, 5, 6, 7, 2}, caption.Tokens)
	assert.True(t, caption.Finished)
	assert.GreaterOrEqual(t, caption.Steps, 6)
	assert.Equal(t, model.steps, caption.Steps)
	assert.Empty(t, caption.Alternatives)
	assert.Empty(t, caption.Source)
	assert.Less(t, caption.Score, 0.0)
	assert.Equal(t, 1, model.encodes)
}

func TestCaptionAlternatives(t *testing.T) {
	cfg := testConfig()
	cfg.Beam.BeamSize = 2
	cfg.Beam.HowManyOutputs = 2
	c := newTestCaptioner(t, newFakeModel(), cfg)

	caption, err := c.Caption(context.Background(), image.NewGray(image.Rect(0, 0, 5, 5)))
	require.NoError(t, err)
	assert.Equal(t, "a cat on the sofa.", caption.Text)
	require.Len(t, caption.Alternatives, 1)
	assert.Less(t, caption.Alternatives[0].Score, caption.Score)
	assert.Contains(t, caption.Alternatives[0].Text, "dog")
}

func TestCaptionMaxSeqLen(t *testing.T) {
	cfg := testConfig()
	cfg.Beam.BeamSize = 1
	cfg.Beam.MaxSeqLen = 3
	c := newTestCaptioner(t, newFakeModel(), cfg)

	caption, err := c.Caption(context.Background(), image.NewGray(image.Rect(0, 0, 5, 5)))
	require.NoError(t, err)
	assert.Equal(t, "a cat.", caption.Text)
	assert.False(t, caption.Finished)
}

func TestCaptionFile(t *testing.T) {
	c := newTestCaptioner(t, newFakeModel(), testConfig())
	path := filepath.Join(t.TempDir(), "white.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, color.White), 0o600))

	caption, err := c.CaptionFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, caption.Source)

	_, err = c.CaptionFile(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorContains(t, err, "reading image")

	bad := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o600))
	_, err = c.CaptionFile(context.Background(), bad)
	assert.ErrorContains(t, err, bad)
}

func TestCaptionErrors(t *testing.T) {
	model := newFakeModel()
	model.err = errors.New("encoder exploded")
	c := newTestCaptioner(t, model, testConfig())

	_, err := c.CaptionBytes(context.Background(), pngBytes(t, color.Black))
	assert.ErrorContains(t, err, "encoder exploded")

	_, err = c.CaptionBytes(context.Background(), nil)
	assert.ErrorIs(t, err, pipelines.ErrEmptyImage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model.err = nil
	_, err = c.CaptionBytes(ctx, pngBytes(t, color.Black))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	v := testVocab(t)
	_, err := New(nil, v, testConfig(), nil)
	assert.Error(t, err)
	_, err = New(newFakeModel(), nil, testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Beam.HowManyOutputs = 9
	_, err = New(newFakeModel(), v, cfg, nil)
	assert.ErrorContains(t, err, "invalid decoding options")
}

func TestClose(t *testing.T) {
	model := newFakeModel()
	c := newTestCaptioner(t, model, testConfig())
	require.NoError(t, c.Close())
	assert.True(t, model.closed)
}

func TestLoadMissingModel(t *testing.T) {
	_, err := Load(t.TempDir(), backends.NewSessionManager(), LoadOptions{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "encoder ONNX file not found")
}

func TestLoadMissingVocabulary(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"encoder.onnx", "decoder.onnx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	_, err := Load(dir, backends.NewSessionManager(), LoadOptions{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, vocab.ErrNotFound)
}
