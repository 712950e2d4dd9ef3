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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/captioner"
	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/camera"
	"github.com/antflydb/captioner/lib/modelregistry"
	"github.com/antflydb/captioner/lib/speech"
)

func sampleResults() []captioner.Result {
	return []captioner.Result{
		{
			Source: "./utilities/tatin.jpg",
			Caption: &captioner.Caption{
				Text:     "a piece of cake on a plate.",
				Tokens:   []int32{1, 5, 6, 2},
				Score:    -1.25,
				Finished: true,
				Duration: 1500 * time.Millisecond,
			},
		},
		{Source: "missing.jpg", Err: errors.New("reading image: no such file")},
	}
}

func TestWriteResultsText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResults(&buf, formatText, sampleResults()))
	assert.Equal(t,
		"./utilities/tatin.jpg \n\tDescription: a piece of cake on a plate.\n\n"+
			"missing.jpg \n\tError: reading image: no such file\n\n",
		buf.String())
}

func TestWriteTextAlternatives(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeText(&buf, captioner.Result{
		Source: "cat.jpg",
		Caption: &captioner.Caption{
			Text:         "a cat.",
			Alternatives: []captioner.Alternative{{Text: "a kitten.", Score: -2}},
		},
	}))
	assert.Equal(t, "cat.jpg \n\tDescription: a cat.\n\tAlternative: a kitten. (-2.000)\n\n", buf.String())
}

func TestWriteResultsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResults(&buf, formatJSON, sampleResults()))

	var decoded []jsonResult
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "a piece of cake on a plate.", decoded[0].Description)
	assert.Equal(t, int64(1500), decoded[0].DurationMs)
	assert.Equal(t, []int32{1, 5, 6, 2}, decoded[0].Tokens)
	assert.Empty(t, decoded[0].Error)
	assert.Equal(t, "reading image: no such file", decoded[1].Error)
	assert.Empty(t, decoded[1].Description)
}

func TestWriteResultsTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResults(&buf, formatTable, sampleResults()))
	out := buf.String()
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "a piece of cake on a plate.")
	assert.Contains(t, out, "-1.250")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "error: reading image")
}

func TestValidateFormat(t *testing.T) {
	for _, f := range []string{formatText, formatJSON, formatTable} {
		assert.NoError(t, validateFormat(f))
	}
	assert.ErrorContains(t, validateFormat("yaml"), "unknown format")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2<<20))
	assert.Equal(t, "1.0 GB", FormatBytes(1<<30))
}

func TestResolveModelPath(t *testing.T) {
	old := modelsDir
	modelsDir = t.TempDir()
	t.Cleanup(func() { modelsDir = old })

	direct := t.TempDir()
	got, err := resolveModelPath(direct)
	require.NoError(t, err)
	assert.Equal(t, direct, got)

	pulled := filepath.Join(modelsDir, "owner", "cap")
	require.NoError(t, os.MkdirAll(pulled, 0o750))
	got, err = resolveModelPath("hf:owner/cap")
	require.NoError(t, err)
	assert.Equal(t, pulled, got)

	_, err = resolveModelPath("owner/missing")
	assert.ErrorContains(t, err, "captioner pull hf:owner/missing")
}

func TestWriteModelTable(t *testing.T) {
	var buf bytes.Buffer
	writeModelTable(&buf, []modelregistry.LocalModel{
		{Ref: modelregistry.ModelRef{Owner: "owner", Name: "cap"}, Manifest: &modelregistry.ModelManifest{
			Name:       "cap",
			Files:      []modelregistry.ModelFile{{Name: "encoder.onnx", Size: 2048}},
			Provenance: &modelregistry.ModelProvenance{DownloadedFrom: "huggingface", DownloadedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		}},
		{Ref: modelregistry.ModelRef{Name: "checkpoints"}},
	})
	out := buf.String()
	assert.Contains(t, out, "owner/cap")
	assert.Contains(t, out, "2.0 KB")
	assert.Contains(t, out, "2025-03-01")
	assert.Contains(t, out, "checkpoints")
}

type stubBackend struct {
	typ       backends.BackendType
	available bool
}

func (b stubBackend) Type() backends.BackendType              { return b.typ }
func (b stubBackend) Name() string                            { return "stub " + string(b.typ) }
func (b stubBackend) Available() bool                         { return b.available }
func (b stubBackend) Priority() int                           { return 1 }
func (b stubBackend) SessionFactory() backends.SessionFactory { return nil }

func TestWriteBackendTable(t *testing.T) {
	var buf bytes.Buffer
	writeBackendTable(&buf,
		[]backends.Backend{stubBackend{typ: "onnx"}, stubBackend{typ: "go", available: true}},
		[]backends.BackendSpec{{Backend: "go"}, {Backend: "onnx", Device: backends.DeviceCUDA}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^2\s+onnx\s+stub onnx\s+false\s+cuda$`, strings.TrimSpace(lines[1]))
	assert.Regexp(t, `^1\s+go\s+stub go\s+true\s+auto$`, strings.TrimSpace(lines[2]))
}

type fakeCaptioner struct {
	text string
	err  error
}

func (f *fakeCaptioner) Caption(context.Context, image.Image) (*captioner.Caption, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &captioner.Caption{Text: f.text, Score: -0.5}, nil
}

type recordingSpeaker struct{ spoken []string }

func (r *recordingSpeaker) Speak(_ context.Context, text string) error {
	r.spoken = append(r.spoken, text)
	return nil
}

func TestFrameWatcher(t *testing.T) {
	fc := &fakeCaptioner{text: "a man at a desk."}
	rec := &recordingSpeaker{}
	var out bytes.Buffer
	w := &frameWatcher{
		captioner: fc,
		speaker:   speech.NewChangeSpeaker(rec, zaptest.NewLogger(t)),
		source:    "http://cam/shot.jpg",
		format:    formatText,
		out:       &out,
		logger:    zaptest.NewLogger(t),
	}
	ctx := context.Background()
	frame := func(seq uint64) *camera.Frame {
		return &camera.Frame{Seq: seq, FetchedAt: time.Now(), Image: image.NewGray(image.Rect(0, 0, 2, 2))}
	}

	require.NoError(t, w.handle(ctx, frame(1)))
	require.NoError(t, w.handle(ctx, frame(2)))
	fc.text = "an empty desk."
	require.NoError(t, w.handle(ctx, frame(3)))

	assert.Contains(t, out.String(), "http://cam/shot.jpg#1 \n\tDescription: a man at a desk.\n")
	assert.Contains(t, out.String(), "http://cam/shot.jpg#3 \n\tDescription: an empty desk.\n")
	assert.Equal(t, []string{"a man at a desk.", "an empty desk."}, rec.spoken)

	// A failing frame is skipped, cancellation is not.
	fc.err = errors.New("decoder failure")
	require.NoError(t, w.handle(ctx, frame(4)))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, w.handle(cancelled, frame(5)), context.Canceled)
}

func TestFrameWatcherJSON(t *testing.T) {
	var out bytes.Buffer
	w := &frameWatcher{
		captioner: &fakeCaptioner{text: "a dog."},
		speaker:   speech.NopSpeaker{},
		source:    "cam",
		format:    formatJSON,
		out:       &out,
		logger:    zaptest.NewLogger(t),
	}
	require.NoError(t, w.handle(context.Background(), &camera.Frame{Seq: 7, Image: image.NewGray(image.Rect(0, 0, 1, 1))}))

	var got jsonResult
	require.NoError(t, sonic.Unmarshal(bytes.TrimSpace(out.Bytes()), &got))
	assert.Equal(t, "cam#7", got.Source)
	assert.Equal(t, "a dog.", got.Description)
}
