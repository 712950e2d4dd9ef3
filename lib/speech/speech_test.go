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

package speech

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTTS installs an executable script named name in a fresh PATH that
// appends its arguments to a log file.
func fakeTTS(t *testing.T, name string) (logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	dir := t.TempDir()
	logPath = filepath.Join(dir, "spoken.log")
	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o700)) //nolint:gosec // G306: test script must be executable
	t.Setenv("PATH", dir)
	return logPath
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // G304: test file
	require.NoError(t, err)
	return string(data)
}

func TestCommandSpeakerAutodetect(t *testing.T) {
	logPath := fakeTTS(t, "spd-say")

	s, err := NewCommandSpeaker("")
	require.NoError(t, err)
	assert.Equal(t, "spd-say", filepath.Base(s.Path()))

	require.NoError(t, s.Speak(context.Background(), "a cat on the sofa."))
	assert.Equal(t, "--wait a cat on the sofa.\n", readLog(t, logPath))
}

func TestCommandSpeakerConfigured(t *testing.T) {
	logPath := fakeTTS(t, "mytts")

	s, err := NewCommandSpeaker("mytts -s 150")
	require.NoError(t, err)
	require.NoError(t, s.Speak(context.Background(), "hello"))
	assert.Equal(t, "-s 150 hello\n", readLog(t, logPath))

	_, err = NewCommandSpeaker("not-installed-tts")
	assert.ErrorContains(t, err, "not-installed-tts")
}

func TestCommandSpeakerNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := NewCommandSpeaker("")
	assert.ErrorIs(t, err, ErrNoSpeaker)
}

func TestCommandSpeakerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\necho broken audio >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "espeak"), []byte(script), 0o700)) //nolint:gosec // G306: test script must be executable
	t.Setenv("PATH", dir)

	s, err := NewCommandSpeaker("")
	require.NoError(t, err)
	err = s.Speak(context.Background(), "hi")
	assert.ErrorContains(t, err, "broken audio")
}

type recorder struct {
	spoken []string
	err    error
}

func (r *recorder) Speak(_ context.Context, text string) error {
	if r.err != nil {
		return r.err
	}
	r.spoken = append(r.spoken, text)
	return nil
}

func TestChangeSpeaker(t *testing.T) {
	rec := &recorder{}
	s := NewChangeSpeaker(rec, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, text := range []string{"a dog.", "A dog. ", "", "a cat.", "a dog."} {
		require.NoError(t, s.Speak(ctx, text))
	}
	assert.Equal(t, []string{"a dog.", "a cat.", "a dog."}, rec.spoken)

	// A failed attempt is retried on the next identical caption.
	rec.err = errors.New("device busy")
	assert.Error(t, s.Speak(ctx, "a bird."))
	rec.err = nil
	require.NoError(t, s.Speak(ctx, "a bird."))
	assert.Equal(t, "a bird.", rec.spoken[len(rec.spoken)-1])
}

func TestNopSpeaker(t *testing.T) {
	var s Speaker = NopSpeaker{}
	assert.NoError(t, s.Speak(context.Background(), "anything"))
}
