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
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ManifestFilename is the standard filename for model manifests
const ManifestFilename = "model_manifest.json"

// CurrentSchemaVersion is the manifest schema written by this package
const CurrentSchemaVersion = 1

// ModelManifest describes an installed model
type ModelManifest struct {
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	Owner         string `json:"owner,omitempty"`
	// Source is the full owner/model identifier the files came from
	Source     string           `json:"source,omitempty"`
	Files      []ModelFile      `json:"files"`
	Provenance *ModelProvenance `json:"provenance,omitempty"`
}

// ModelFile is one file of an installed model
type ModelFile struct {
	// Name is the filename (e.g., "encoder.onnx", "vocab.json")
	Name string `json:"name"`
	// Digest is the SHA256 hash of the file (e.g., "sha256:abc123...")
	Digest string `json:"digest"`
	// Size is the file size in bytes
	Size int64 `json:"size"`
}

// ModelProvenance tracks model origin and download metadata
type ModelProvenance struct {
	// DownloadedFrom is the source: "huggingface" or "local"
	DownloadedFrom string    `json:"downloadedFrom"`
	DownloadedAt   time.Time `json:"downloadedAt"`
}

// TotalSize returns the size of all files in bytes
func (m *ModelManifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// ParseManifest parses and validates a JSON manifest
func ParseManifest(data []byte) (*ModelManifest, error) {
	var m ModelManifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.SchemaVersion < 1 || m.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported manifest schema version: %d", m.SchemaVersion)
	}
	if m.Name == "" {
		return nil, errors.New("manifest has no model name")
	}
	return &m, nil
}

// SaveTo writes the manifest to a file as JSON
func (m *ModelManifest) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifestFromDir loads the manifest of a model directory
func LoadManifestFromDir(modelDir string) (*ModelManifest, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, ManifestFilename)) //nolint:gosec // G304: models directory is operator controlled
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ComputeFileDigest computes the SHA256 digest of a file in "sha256:..." format
func ComputeFileDigest(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: models directory is operator controlled
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ScanModelFiles returns ModelFile entries for all files in modelDir
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		digest, err := ComputeFileDigest(filepath.Join(modelDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, ModelFile{
			Name:   entry.Name(),
			Digest: digest,
			Size:   info.Size(),
		})
	}
	return files, nil
}

// GenerateManifest scans modelDir and describes it as ref
func GenerateManifest(modelDir string, ref ModelRef, downloadedFrom string) (*ModelManifest, error) {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no model files found in %s", modelDir)
	}
	return &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name,
		Owner:         ref.Owner,
		Source:        ref.FullName(),
		Files:         files,
		Provenance: &ModelProvenance{
			DownloadedFrom: downloadedFrom,
			DownloadedAt:   time.Now().UTC(),
		},
	}, nil
}

// LocalModel is a model found in the models directory
type LocalModel struct {
	Ref      ModelRef
	Path     string
	Manifest *ModelManifest // nil for models copied in by hand
}

// ListLocal returns the models installed under modelsDir, either directly
// (modelsDir/name) or by owner (modelsDir/owner/name). A directory counts as
// a model when it holds a manifest or an encoder graph.
func ListLocal(modelsDir string) ([]LocalModel, error) {
	var models []LocalModel
	owners, err := os.ReadDir(modelsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		dir := filepath.Join(modelsDir, owner.Name())
		if isModelDir(dir) {
			models = append(models, localModel(dir, ModelRef{Name: owner.Name()}))
			continue
		}
		names, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, name := range names {
			sub := filepath.Join(dir, name.Name())
			if name.IsDir() && isModelDir(sub) {
				models = append(models, localModel(sub, ModelRef{Owner: owner.Name(), Name: name.Name()}))
			}
		}
	}
	slices.SortFunc(models, func(a, b LocalModel) int {
		return strings.Compare(a.Ref.FullName(), b.Ref.FullName())
	})
	return models, nil
}

func localModel(dir string, ref ModelRef) LocalModel {
	m := LocalModel{Ref: ref, Path: dir}
	if manifest, err := LoadManifestFromDir(dir); err == nil {
		m.Manifest = manifest
	}
	return m
}

func isModelDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ManifestFilename)); err == nil {
		return true
	}
	return hasAny(dir, graphNames(true))
}

func hasAny(dir string, names []string) bool {
	for _, name := range names {
		for _, candidate := range []string{filepath.Join(dir, name), filepath.Join(dir, "onnx", name)} {
			if _, err := os.Stat(candidate); err == nil {
				return true
			}
		}
	}
	return false
}
