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
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/captioner"
	"github.com/antflydb/captioner/lib/speech"
)

// defaultImages are the sample images captioned when no path is given.
var defaultImages = []string{
	"./utilities/tatin.jpg",
	"./utilities/micheal.jpg",
	"./utilities/napoleon.jpg",
	"./utilities/cat_girl.jpg",
}

var describeCmd = &cobra.Command{
	Use:   "describe [image...]",
	Short: "Describe images from disk",
	Long: `Generate a caption for each image with beam search.

Without arguments the demo images under ./utilities are described.

Examples:
  # Describe two images with a model directory
  captioner describe --model ./checkpoints cat.jpg dog.png

  # Describe with a pulled model, three candidates each, as JSON
  captioner describe --model owner/expansionnet-v2 --outputs 3 --format json *.jpg

  # Read the captions aloud
  captioner describe --speak photo.jpg`,
	RunE: runDescribe,
}

func init() {
	rootCmd.AddCommand(describeCmd)
	addModelFlags(describeCmd)

	describeCmd.Flags().String("format", formatText, "output format (text, json, table)")
	describeCmd.Flags().Int("concurrency", captioner.DefaultConcurrency, "images decoded in parallel")
	describeCmd.Flags().Bool("speak", false, "read each caption aloud")
	describeCmd.Flags().String("speech-command", "", "text-to-speech command (default: first of espeak-ng, espeak, spd-say, say)")

	mustBindPFlag("describe.format", describeCmd.Flags().Lookup("format"))
	mustBindPFlag("describe.concurrency", describeCmd.Flags().Lookup("concurrency"))
}

// addModelFlags registers the model and decoding flags shared by describe and watch.
// Zero values keep the model's config.json.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "./checkpoints", "model directory or pulled model reference (owner/name)")
	cmd.Flags().Int("model-dim", 0, "decoder model dimension")
	cmd.Flags().Int("n-enc", 0, "number of encoder layers")
	cmd.Flags().Int("n-dec", 0, "number of decoder layers")
	cmd.Flags().Int("max-seq-len", 0, "maximum caption length in tokens, including the start token")
	cmd.Flags().Int("beam-size", 0, "beam width")
	cmd.Flags().Int("outputs", 1, "captions returned per image")
	cmd.Flags().Bool("sample", false, "sample beam expansions instead of taking the most likely tokens")
	cmd.Flags().Int("image-size", 0, "input image side length in pixels")
	cmd.Flags().Int("threads", 0, "intra-op threads per inference session (0 lets the backend decide)")
}

// stringFlag returns the flag value unless the flag was left at its default
// and the config file or environment sets key.
func stringFlag(cmd *cobra.Command, name, key string) string {
	value, _ := cmd.Flags().GetString(name)
	if !cmd.Flags().Changed(name) && viper.IsSet(key) {
		return viper.GetString(key)
	}
	return value
}

func modelFlags(cmd *cobra.Command) (string, captioner.LoadOptions) {
	flags := cmd.Flags()
	model := stringFlag(cmd, "model", "model")
	var opts captioner.LoadOptions
	opts.ModelDim, _ = flags.GetInt("model-dim")
	opts.NEnc, _ = flags.GetInt("n-enc")
	opts.NDec, _ = flags.GetInt("n-dec")
	opts.MaxSeqLen, _ = flags.GetInt("max-seq-len")
	opts.BeamSize, _ = flags.GetInt("beam-size")
	opts.Outputs, _ = flags.GetInt("outputs")
	opts.Sample, _ = flags.GetBool("sample")
	opts.ImageSize, _ = flags.GetInt("image-size")
	opts.Threads, _ = flags.GetInt("threads")
	return model, opts
}

func loadCaptioner(cmd *cobra.Command, logger *zap.Logger) (*captioner.Captioner, error) {
	model, opts := modelFlags(cmd)
	modelPath, err := resolveModelPath(model)
	if err != nil {
		return nil, err
	}
	sm, err := newSessionManager()
	if err != nil {
		return nil, err
	}
	return captioner.Load(modelPath, sm, opts, logger)
}

func newSpeaker(cmd *cobra.Command) (speech.Speaker, error) {
	if enabled, _ := cmd.Flags().GetBool("speak"); !enabled {
		return speech.NopSpeaker{}, nil
	}
	return speech.NewCommandSpeaker(stringFlag(cmd, "speech-command", "speech.command"))
}

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	format := viper.GetString("describe.format")
	if err := validateFormat(format); err != nil {
		return err
	}
	speaker, err := newSpeaker(cmd)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	paths := args
	if len(paths) == 0 {
		paths = defaultImages
	}

	c, err := loadCaptioner(cmd, logger)
	if err != nil {
		return err
	}
	cc := captioner.NewCachedCaptioner(c, 0, logger)
	defer func() {
		if err := cc.Close(); err != nil {
			logger.Warn("Closing model", zap.Error(err))
		}
	}()

	logger.Info("Generating captions", zap.Int("images", len(paths)))
	results := cc.DescribeFiles(ctx, paths, viper.GetInt("describe.concurrency"))
	if err := writeResults(os.Stdout, format, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		if err := speaker.Speak(ctx, r.Caption.Text); err != nil {
			logger.Warn("Speaking caption failed", zap.String("source", r.Source), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(results))
	}
	return nil
}
