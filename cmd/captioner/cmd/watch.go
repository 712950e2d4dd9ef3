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
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/captioner"
	"github.com/antflydb/captioner/lib/camera"
	"github.com/antflydb/captioner/lib/speech"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Caption frames from an HTTP camera",
	Long: `Poll a camera snapshot URL and caption the newest frame until interrupted.

Frames that arrive while a caption is being generated replace each other, so
every caption describes the most recent picture. With --speak a caption is
read aloud only when it differs from the previous one.

Examples:
  # Caption the IP Webcam app on a phone
  captioner watch --camera-url http://192.168.1.157:8080/shot.jpg

  # Speak changes, poll every two seconds
  captioner watch --speak --interval 2s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addModelFlags(watchCmd)

	watchCmd.Flags().String("camera-url", camera.DefaultURL, "camera snapshot URL")
	watchCmd.Flags().Duration("interval", camera.DefaultInterval, "pause between snapshots")
	watchCmd.Flags().Duration("timeout", camera.DefaultTimeout, "timeout for one snapshot request")
	watchCmd.Flags().Duration("max-backoff", camera.DefaultMaxBackoff, "longest retry delay after failed snapshots")
	watchCmd.Flags().Bool("speak", false, "read changed captions aloud")
	watchCmd.Flags().String("speech-command", "", "text-to-speech command (default: first of espeak-ng, espeak, spd-say, say)")
	watchCmd.Flags().String("format", formatText, "output format (text, json)")
	watchCmd.Flags().Int("health-port", 4200, "health/metrics server port (0 disables it)")

	mustBindPFlag("camera.url", watchCmd.Flags().Lookup("camera-url"))
	mustBindPFlag("camera.interval", watchCmd.Flags().Lookup("interval"))
	mustBindPFlag("camera.timeout", watchCmd.Flags().Lookup("timeout"))
	mustBindPFlag("camera.max_backoff", watchCmd.Flags().Lookup("max-backoff"))
	mustBindPFlag("watch.format", watchCmd.Flags().Lookup("format"))
	mustBindPFlag("health_port", watchCmd.Flags().Lookup("health-port"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	format := viper.GetString("watch.format")
	if format != formatText && format != formatJSON {
		return fmt.Errorf("unknown format %q (valid: text, json)", format)
	}
	speaker, err := newSpeaker(cmd)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	ready := &atomic.Bool{}
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
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

	poller := camera.NewPoller(viper.GetString("camera.url"),
		camera.WithInterval(viper.GetDuration("camera.interval")),
		camera.WithTimeout(viper.GetDuration("camera.timeout")),
		camera.WithMaxBackoff(viper.GetDuration("camera.max_backoff")),
		camera.WithLogger(logger.Named("camera")),
		camera.WithFetchObserver(func(elapsed time.Duration, err error) {
			captioner.RecordCameraFetch(elapsed.Seconds(), err)
		}),
	)

	w := &frameWatcher{
		captioner: cc,
		speaker:   speech.NewChangeSpeaker(speaker, logger),
		source:    poller.URL(),
		format:    format,
		out:       os.Stdout,
		logger:    logger,
	}

	ready.Store(true)
	logger.Info("Watching camera", zap.String("url", poller.URL()))
	err = poller.Run(ctx, w.handle)
	if errors.Is(err, context.Canceled) {
		logger.Info("Stopped watching camera")
		return nil
	}
	return err
}

// frameCaptioner is the part of CachedCaptioner the watcher needs.
type frameCaptioner interface {
	Caption(ctx context.Context, img image.Image) (*captioner.Caption, error)
}

// frameWatcher captions camera frames and announces them.
type frameWatcher struct {
	captioner frameCaptioner
	speaker   speech.Speaker
	source    string
	format    string
	out       io.Writer
	logger    *zap.Logger
}

// handle captions one frame. A frame that fails to caption is logged and
// skipped; only cancellation stops the watch loop.
func (w *frameWatcher) handle(ctx context.Context, frame *camera.Frame) error {
	c, err := w.captioner.Caption(ctx, frame.Image)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("Captioning frame failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		return nil
	}
	c.Source = fmt.Sprintf("%s#%d", w.source, frame.Seq)

	result := captioner.Result{Source: c.Source, Caption: c}
	if w.format == formatJSON {
		data, err := sonic.Marshal(toJSONResult(result))
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		_, err = fmt.Fprintln(w.out, string(data))
		if err != nil {
			return err
		}
	} else if err := writeText(w.out, result); err != nil {
		return err
	}

	w.logger.Debug("Captioned frame",
		zap.Uint64("seq", frame.Seq),
		zap.Duration("age", time.Since(frame.FetchedAt)),
		zap.Bool("cached", c.Cached))

	if err := w.speaker.Speak(ctx, c.Text); err != nil {
		w.logger.Warn("Speaking caption failed", zap.Error(err))
	}
	return nil
}
