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

package modelregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"

	"github.com/antflydb/captioner/lib/pipelines"
	"github.com/antflydb/captioner/lib/vocab"
)

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// HuggingFaceClient pulls captioning models from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	endpoint        string
	cacheDir        string
	progressHandler ProgressHandler
	logger          *zap.Logger
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFEndpoint overrides the hub URL (HF_ENDPOINT otherwise).
func WithHFEndpoint(endpoint string) HFClientOption {
	return func(c *HuggingFaceClient) { c.endpoint = endpoint }
}

// WithHFCacheDir sets the directory the hub caches downloads in.
func WithHFCacheDir(dir string) HFClientOption {
	return func(c *HuggingFaceClient) { c.cacheDir = dir }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithHFLogger sets the logger
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) { c.logger = logger }
}

func (c *HuggingFaceClient) repo(repoID string) *hub.Repo {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}
	if c.endpoint != "" {
		repo = repo.WithEndpoint(c.endpoint)
	}
	if c.cacheDir != "" {
		repo = repo.WithCacheDir(c.cacheDir)
	}
	// Progress goes through ProgressHandler, not stdout.
	repo.Verbosity = 0
	return repo
}

// ListRepoFiles lists all files in a HuggingFace repo
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	var files []string
	for fileName, err := range c.repo(repoID).IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files = append(files, fileName)
	}
	return files, nil
}

// Pull downloads the encoder and decoder graphs, the vocabulary and
// config.json of ref into modelsDir/owner/name and writes a manifest.
// It returns the model directory.
func (c *HuggingFaceClient) Pull(ctx context.Context, ref ModelRef, modelsDir string) (string, error) {
	if ref.Owner == "" {
		return "", fmt.Errorf("HuggingFace references need an owner: %q", ref.Name)
	}
	repoID := ref.FullName()
	files, err := c.ListRepoFiles(ctx, repoID)
	if err != nil {
		return "", err
	}
	toDownload, err := SelectCaptionFiles(files)
	if err != nil {
		return "", fmt.Errorf("%s: %w", repoID, err)
	}

	modelDir := filepath.Join(modelsDir, ref.DirPath())
	if err := os.MkdirAll(modelDir, 0o750); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	repo := c.repo(repoID)
	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		c.logger.Info("Downloading model file",
			zap.String("repo", repoID),
			zap.String("file", fileName))

		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// Flatten path (e.g., "onnx/encoder.onnx" -> "encoder.onnx")
		destName := path.Base(fileName)
		destPath := filepath.Join(modelDir, destName)
		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	manifest, err := GenerateManifest(modelDir, ref, "huggingface")
	if err != nil {
		return "", err
	}
	if err := manifest.SaveTo(filepath.Join(modelDir, ManifestFilename)); err != nil {
		c.logger.Warn("Failed to save manifest", zap.String("dir", modelDir), zap.Error(err))
	}
	return modelDir, nil
}

// graphNames returns the accepted encoder (and decoder) graph file names.
func graphNames(encoderOnly bool) []string {
	if encoderOnly {
		return pipelines.EncoderFilenames
	}
	return slices.Concat(pipelines.EncoderFilenames, pipelines.DecoderFilenames)
}

// SelectCaptionFiles picks the files a captioning model needs from a repo
// listing: one encoder and one decoder graph with their external data files,
// a vocabulary and the optional config.json. When a name appears at several
// depths the shallowest path wins.
func SelectCaptionFiles(files []string) ([]string, error) {
	sorted := slices.Clone(files)
	slices.SortStableFunc(sorted, func(a, b string) int {
		return strings.Count(a, "/") - strings.Count(b, "/")
	})

	byName := make(map[string]string)
	for _, f := range sorted {
		if _, seen := byName[path.Base(f)]; !seen {
			byName[path.Base(f)] = f
		}
	}

	pick := func(candidates []string) string {
		for _, name := range candidates {
			if f, ok := byName[name]; ok {
				return f
			}
		}
		return ""
	}

	var selected []string
	var missing []string
	for _, group := range []struct {
		what       string
		candidates []string
		optional   bool
	}{
		{what: "encoder graph", candidates: pipelines.EncoderFilenames},
		{what: "decoder graph", candidates: pipelines.DecoderFilenames},
		{what: "vocabulary", candidates: []string{vocab.JSONFilename, vocab.PickleFilename}},
		{what: "config", candidates: []string{pipelines.ConfigFilename}, optional: true},
	} {
		f := pick(group.candidates)
		if f == "" {
			if !group.optional {
				missing = append(missing, group.what)
			}
			continue
		}
		selected = append(selected, f)
		// ONNX external data lives next to the graph.
		if strings.HasSuffix(f, ".onnx") {
			for _, suffix := range []string{"_data", ".data"} {
				if data, ok := byName[path.Base(f)+suffix]; ok {
					selected = append(selected, data)
				}
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("repo has no %s", strings.Join(missing, ", "))
	}
	return selected, nil
}

// ParseHuggingFaceRef checks if a reference is a HuggingFace reference (hf:owner/repo)
func ParseHuggingFaceRef(ref string) (repoID string, isHF bool) {
	return strings.CutPrefix(ref, "hf:")
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src) //nolint:gosec // G304: path returned by the hub cache
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst) //nolint:gosec // G304: destination inside the models directory
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}
	return dstFile.Close()
}
