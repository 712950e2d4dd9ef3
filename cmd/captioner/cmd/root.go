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

// Package cmd implements the captioner command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/antflydb/captioner/lib/modelregistry"
)

// Version is set by main from build flags.
var Version = "dev"

var (
	cfgFile   string
	modelsDir string
)

var rootCmd = &cobra.Command{
	Use:   "captioner",
	Short: "Describe images with an ExpansionNet v2 captioning model",
	Long: `Captioner loads an exported ExpansionNet v2 image captioning model and
describes images from disk or from an HTTP camera, optionally reading the
captions aloud.

Examples:
  # Download a model
  captioner pull hf:owner/expansionnet-v2

  # Describe images
  captioner describe --model owner/expansionnet-v2 cat.jpg dog.png

  # Caption a phone camera running IP Webcam
  captioner watch --camera-url http://192.168.1.157:8080/shot.jpg --speak`,
	SilenceUsage: true,
	Version:      Version,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.captioner.yaml)")
	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", defaultModelsDir(), "directory holding downloaded models")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "terminal", "log style (terminal, json)")
	rootCmd.PersistentFlags().StringSlice("backend-priority", nil,
		"inference backends to try in order, optionally with a device (e.g. onnx:cuda,go)")

	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("backend_priority", rootCmd.PersistentFlags().Lookup("backend-priority"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".captioner")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CAPTIONER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	// Config file and environment may override the models directory flag default.
	if dir := viper.GetString("models_dir"); dir != "" {
		modelsDir = dir
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".captioner", "models")
	}
	return filepath.Join(home, ".captioner", "models")
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// newSessionManager applies --backend-priority to a fresh session manager.
func newSessionManager() (*backends.SessionManager, error) {
	sm := backends.NewSessionManager()
	if priority := viper.GetStringSlice("backend_priority"); len(priority) > 0 {
		specs, err := backends.ParseBackendPriority(priority)
		if err != nil {
			return nil, fmt.Errorf("invalid --backend-priority: %w", err)
		}
		sm.SetPriority(specs)
	}
	return sm, nil
}

// resolveModelPath accepts a model directory or a reference to a pulled model
// (owner/name or hf:owner/name) and returns the directory.
func resolveModelPath(model string) (string, error) {
	if info, err := os.Stat(model); err == nil && info.IsDir() {
		return model, nil
	}
	ref, err := modelregistry.ParseModelRef(model)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(modelsDir, ref.DirPath())
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("model %s not found in %s (try: captioner pull hf:%s)", model, modelsDir, ref.FullName())
		}
		return "", err
	}
	return dir, nil
}
