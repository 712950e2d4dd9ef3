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

package captioner

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/captioner/lib/pipelines"
)

// CaptionCacheTTL is the default TTL for cached captions
const CaptionCacheTTL = 10 * time.Minute

// CachedCaptioner wraps a Captioner with caching support. Identical images
// are captioned once; concurrent requests for the same image share one run.
type CachedCaptioner struct {
	captioner *Captioner
	cache     *ttlcache.Cache[uint64, *Caption]
	sfGroup   *singleflight.Group
	logger    *zap.Logger

	flightsMu sync.Mutex
	flights   map[string]*flight

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedCaptioner wraps c with a cache of the given TTL (CaptionCacheTTL if zero).
func NewCachedCaptioner(c *Captioner, ttl time.Duration, logger *zap.Logger) *CachedCaptioner {
	if ttl <= 0 {
		ttl = CaptionCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, *Caption](ttl),
	)
	go cache.Start()

	return &CachedCaptioner{
		captioner: c,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger,
		flights:   make(map[string]*flight),
	}
}

// Caption describes a decoded image with caching support
func (cc *CachedCaptioner) Caption(ctx context.Context, img image.Image) (*Caption, error) {
	pixels, err := cc.captioner.images.Process(img)
	if err != nil {
		return nil, err
	}
	return cc.CaptionPixels(ctx, pixels)
}

// CaptionBytes describes an encoded image with caching support. The key is
// taken from the encoded bytes, so a hit skips decoding as well.
func (cc *CachedCaptioner) CaptionBytes(ctx context.Context, data []byte) (*Caption, error) {
	h := cc.hasher("b")
	_, _ = h.Write(data)
	return cc.lookup(ctx, h.Sum64(), func() ([]float32, error) {
		return cc.captioner.Preprocess(data)
	})
}

// CaptionFile describes the image stored at path with caching support.
func (cc *CachedCaptioner) CaptionFile(ctx context.Context, path string) (*Caption, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from CLI arguments
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	caption, err := cc.CaptionBytes(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	caption.Source = path
	return caption, nil
}

// CaptionPixels describes a preprocessed image tensor with caching support.
func (cc *CachedCaptioner) CaptionPixels(ctx context.Context, pixels []float32) (*Caption, error) {
	return cc.lookup(ctx, cc.pixelKey(pixels), func() ([]float32, error) {
		return pixels, nil
	})
}

func (cc *CachedCaptioner) lookup(ctx context.Context, key uint64, pixels func() ([]float32, error)) (*Caption, error) {
	// Sampled captions differ between runs, so they are never reused.
	if cc.captioner.beam.SampleOrMax == pipelines.SampleOrMaxSample {
		p, err := pixels()
		if err != nil {
			return nil, err
		}
		return cc.captioner.CaptionPixels(ctx, p)
	}

	// Check cache first
	if item := cc.cache.Get(key); item != nil {
		cc.hits.Add(1)
		RecordCacheHit("caption")
		cc.logger.Debug("Caption cache hit",
			zap.String("model", cc.captioner.name),
			zap.String("text", item.Value().Text))
		return copyCaption(item.Value(), true), nil
	}

	// Use singleflight to deduplicate concurrent identical requests. The shared
	// run is cancelled only once every caller waiting on it has gone.
	sfKey := fmt.Sprintf("%016x", key)
	workCtx, leave := cc.join(ctx, sfKey)
	defer leave()

	ch := cc.sfGroup.DoChan(sfKey, func() (any, error) {
		cc.misses.Add(1)
		RecordCacheMiss("caption")

		p, err := pixels()
		if err != nil {
			return nil, err
		}
		caption, err := cc.captioner.CaptionPixels(workCtx, p)
		if err != nil {
			return nil, err
		}
		cc.cache.Set(key, caption, ttlcache.DefaultTTL)
		return caption, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	if res.Shared {
		cc.sfHits.Add(1)
		cc.logger.Debug("Singleflight hit for caption request",
			zap.String("model", cc.captioner.name))
	}

	return copyCaption(res.Val.(*Caption), false), nil
}

// flight is the context shared by callers waiting on one singleflight key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers a caller for key and returns the context the shared run
// uses. It stays live while any caller is waiting; leave must be called
// once the caller returns.
func (cc *CachedCaptioner) join(ctx context.Context, key string) (context.Context, func()) {
	cc.flightsMu.Lock()
	defer cc.flightsMu.Unlock()
	f, ok := cc.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		cc.flights[key] = f
	}
	f.waiters++
	return f.ctx, func() {
		cc.flightsMu.Lock()
		defer cc.flightsMu.Unlock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			// Later callers start a fresh run instead of joining a cancelled one.
			cc.sfGroup.Forget(key)
			if cc.flights[key] == f {
				delete(cc.flights, key)
			}
		}
	}
}

// copyCaption returns a copy callers may modify without touching the cache.
func copyCaption(src *Caption, cached bool) *Caption {
	c := *src
	c.Tokens = slices.Clone(src.Tokens)
	c.Alternatives = slices.Clone(src.Alternatives)
	if cached {
		c.Cached = true
		c.Duration = 0
	}
	return &c
}

// hasher starts a key that includes the model name and the payload kind.
func (cc *CachedCaptioner) hasher(kind string) *xxhash.Digest {
	h := xxhash.New()
	_, _ = h.WriteString(cc.captioner.name)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(kind)
	_, _ = h.WriteString("|")
	return h
}

func (cc *CachedCaptioner) pixelKey(pixels []float32) uint64 {
	h := cc.hasher("p")
	var buf [4 * 1024]byte
	for len(pixels) > 0 {
		n := min(len(pixels), len(buf)/4)
		for i, v := range pixels[:n] {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		_, _ = h.Write(buf[:n*4])
		pixels = pixels[n:]
	}
	return h.Sum64()
}

// Stats returns cache statistics
func (cc *CachedCaptioner) Stats() CacheStats {
	return CacheStats{
		Model:            cc.captioner.name,
		Hits:             cc.hits.Load(),
		Misses:           cc.misses.Load(),
		SingleflightHits: cc.sfHits.Load(),
		Items:            cc.cache.Len(),
	}
}

// CacheStats holds caption cache statistics
type CacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Close stops the cache and closes the underlying captioner
func (cc *CachedCaptioner) Close() error {
	cc.cache.Stop()
	return cc.captioner.Close()
}
