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

// Package speech reads captions aloud through a text-to-speech command.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNoSpeaker is returned when no text-to-speech command is available.
var ErrNoSpeaker = errors.New("no text-to-speech command found")

// Speaker says text out loud.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// defaultCommands are tried in order when no command is configured.
var defaultCommands = [][]string{
	{"espeak-ng"},
	{"espeak"},
	{"spd-say", "--wait"},
	{"say"},
}

// CommandSpeaker runs an external text-to-speech program with the text as
// its last argument.
type CommandSpeaker struct {
	path string
	args []string
}

// NewCommandSpeaker creates a speaker for command, given as a program name
// followed by its arguments (for example "espeak -s 150"). An empty command
// picks the first of espeak-ng, espeak, spd-say and say found in PATH.
func NewCommandSpeaker(command string) (*CommandSpeaker, error) {
	if fields := strings.Fields(command); len(fields) > 0 {
		path, err := exec.LookPath(fields[0])
		if err != nil {
			return nil, fmt.Errorf("text-to-speech command %q: %w", fields[0], err)
		}
		return &CommandSpeaker{path: path, args: fields[1:]}, nil
	}
	for _, candidate := range defaultCommands {
		if path, err := exec.LookPath(candidate[0]); err == nil {
			return &CommandSpeaker{path: path, args: candidate[1:]}, nil
		}
	}
	return nil, ErrNoSpeaker
}

// Path returns the resolved program path.
func (s *CommandSpeaker) Path() string {
	return s.path
}

// Speak runs the command and waits for it to finish.
func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string{}, s.args...), text)
	cmd := exec.CommandContext(ctx, s.path, args...) //nolint:gosec // G204: command is configured by the operator

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w (stderr: %s)", s.path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// NopSpeaker discards text.
type NopSpeaker struct{}

// Speak does nothing.
func (NopSpeaker) Speak(context.Context, string) error { return nil }

// ChangeSpeaker only speaks text that differs from the last text it spoke.
// Comparison ignores case and surrounding whitespace.
type ChangeSpeaker struct {
	speaker Speaker
	logger  *zap.Logger

	mu   sync.Mutex
	last string
}

// NewChangeSpeaker wraps speaker.
func NewChangeSpeaker(speaker Speaker, logger *zap.Logger) *ChangeSpeaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeSpeaker{speaker: speaker, logger: logger}
}

// Speak forwards text unless it repeats the previous caption.
func (s *ChangeSpeaker) Speak(ctx context.Context, text string) error {
	key := strings.ToLower(strings.TrimSpace(text))
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.last {
		s.logger.Debug("Caption unchanged, not speaking", zap.String("text", text))
		return nil
	}
	if err := s.speaker.Speak(ctx, text); err != nil {
		return err
	}
	s.last = key
	return nil
}
