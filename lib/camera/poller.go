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

// Package camera polls an HTTP snapshot endpoint, such as the "IP Webcam"
// Android app, for JPEG frames.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/captioner/lib/pipelines"
)

const (
	// DefaultURL is the snapshot endpoint of the IP Webcam app on the local network.
	DefaultURL = "http://192.168.1.157:8080/shot.jpg"

	// DefaultInterval is the pause between successful fetches
	DefaultInterval = 500 * time.Millisecond

	// DefaultTimeout bounds a single snapshot request
	DefaultTimeout = 5 * time.Second

	// DefaultMaxBackoff caps the retry delay after failed fetches
	DefaultMaxBackoff = 30 * time.Second

	// DefaultMaxBodyBytes caps the size of one snapshot
	DefaultMaxBodyBytes = 20 << 20

	minBackoff = 250 * time.Millisecond
)

// ErrNoFrame is returned when the camera answers without image data.
var ErrNoFrame = errors.New("camera returned no frame")

// Frame is one decoded snapshot.
type Frame struct {
	// Seq increases by one for every frame fetched by a Poller.
	Seq       uint64
	FetchedAt time.Time
	Data      []byte
	Image     image.Image
}

// FetchObserver is called after every fetch attempt.
type FetchObserver func(elapsed time.Duration, err error)

// Poller fetches snapshots from a camera URL.
type Poller struct {
	url          string
	interval     time.Duration
	timeout      time.Duration
	maxBackoff   time.Duration
	maxBodyBytes int64
	client       *http.Client
	logger       *zap.Logger
	observer     FetchObserver

	seq atomic.Uint64
}

// Option configures the poller
type Option func(*Poller)

// WithInterval sets the pause between successful fetches
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d >= 0 {
			p.interval = d
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxBackoff caps the retry delay
func WithMaxBackoff(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithMaxBodyBytes caps the snapshot size
func WithMaxBodyBytes(n int64) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxBodyBytes = n
		}
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		p.client = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithFetchObserver registers a callback for every fetch attempt
func WithFetchObserver(o FetchObserver) Option {
	return func(p *Poller) {
		p.observer = o
	}
}

// NewPoller creates a poller for url (DefaultURL if empty).
func NewPoller(url string, opts ...Option) *Poller {
	if url == "" {
		url = DefaultURL
	}
	p := &Poller{
		url:          url,
		interval:     DefaultInterval,
		timeout:      DefaultTimeout,
		maxBackoff:   DefaultMaxBackoff,
		maxBodyBytes: DefaultMaxBodyBytes,
		client:       &http.Client{},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the snapshot URL.
func (p *Poller) URL() string {
	return p.url
}

// Fetch downloads and decodes one snapshot.
func (p *Poller) Fetch(ctx context.Context) (*Frame, error) {
	start := time.Now()
	frame, err := p.fetch(ctx)
	if p.observer != nil {
		p.observer(time.Since(start), err)
	}
	return frame, err
}

func (p *Poller) fetch(ctx context.Context) (*Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("camera returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if int64(len(data)) > p.maxBodyBytes {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", p.maxBodyBytes)
	}
	if len(data) == 0 {
		return nil, ErrNoFrame
	}

	img, _, err := pipelines.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Seq:       p.seq.Add(1),
		FetchedAt: time.Now(),
		Data:      data,
		Image:     img,
	}, nil
}

// Run polls the camera until ctx is done or sink fails. Fetching continues
// while sink is busy and only the newest frame is handed over, so sink never
// sees a frame older than one it could have received. Failed fetches are
// retried with exponential backoff.
//
// Run returns the sink's error, or ctx.Err() once ctx is done.
func (p *Poller) Run(ctx context.Context, sink func(context.Context, *Frame) error) error {
	box := newMailbox()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.poll(gctx, box)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-box.ready:
			}
			frame := box.take()
			if frame == nil {
				continue
			}
			if err := sink(gctx, frame); err != nil {
				return err
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Poller) poll(ctx context.Context, box *mailbox) {
	retry := newBackoff(p.interval, p.maxBackoff)
	failing := false
	for {
		frame, err := p.Fetch(ctx)
		wait := p.interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failing = true
			wait = retry.NextBackOff()
			p.logger.Warn("Camera fetch failed",
				zap.String("url", p.url),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		} else {
			if failing {
				p.logger.Info("Camera fetch recovered", zap.String("url", p.url))
				failing = false
			}
			retry.Reset()
			if dropped := box.put(frame); dropped != nil {
				p.logger.Debug("Dropped stale frame",
					zap.Uint64("seq", dropped.Seq),
					zap.Uint64("replaced_by", frame.Seq))
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// newBackoff returns a retry schedule that starts at the larger of interval
// and minBackoff, doubles after every failure and never exceeds maxBackoff.
func newBackoff(interval, maxBackoff time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(max(interval, minBackoff), maxBackoff)
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// mailbox holds at most one frame; put replaces an unread frame.
type mailbox struct {
	mu    sync.Mutex
	frame *Frame
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(f *Frame) (dropped *Frame) {
	m.mu.Lock()
	dropped, m.frame = m.frame, f
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (m *mailbox) take() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.frame
	m.frame = nil
	return f
}
