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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antflydb/captioner/lib/modelregistry"
)

var pullCmd = &cobra.Command{
	Use:   "pull <hf:owner/repo> [hf:owner/repo...]",
	Short: "Pull captioning model(s) from HuggingFace",
	Long: `Download exported captioning models from HuggingFace Hub.

A repo must contain an encoder graph (encoder.onnx, vision_encoder.onnx or
encoder_model.onnx), a decoder graph (decoder.onnx or decoder_model.onnx) and
a vocabulary (vocab.json or tokens.pickle). config.json and ONNX external data
files are downloaded when present.

Models are stored in <models-dir>/<owner>/<repo>/.

Examples:
  # Pull a model
  captioner pull hf:owner/expansionnet-v2

  # Pull a gated model
  captioner pull --hf-token $HF_TOKEN hf:owner/private-captioner`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hfToken, _ := cmd.Flags().GetString("hf-token")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(hfToken),
		modelregistry.WithHFProgressHandler(printProgress),
		modelregistry.WithHFLogger(logger),
	)

	for _, arg := range args {
		fmt.Printf("\n=== Pulling %s ===\n", arg)

		// Plain owner/repo references are treated as HuggingFace repos too.
		repoID, _ := modelregistry.ParseHuggingFaceRef(arg)
		ref, err := modelregistry.ParseModelRef(repoID)
		if err != nil {
			return err
		}
		ref.IsHuggingFace = true

		dir, err := client.Pull(ctx, ref, modelsDir)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", arg, err)
		}
		fmt.Printf("\n✓ Model pulled successfully to %s\n", dir)
	}
	return nil
}

// printProgress prints download progress to stdout
func printProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := int(float64(barWidth) * float64(downloaded) / float64(total))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}
