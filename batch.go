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
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many images are decoded at once.
const DefaultConcurrency = 4

// Result is the outcome for one image of a batch. Exactly one of Caption
// and Err is set.
type Result struct {
	Source  string
	Caption *Caption
	Err     error
}

// DescribeFiles captions every file in paths and returns results in input order.
func (c *Captioner) DescribeFiles(ctx context.Context, paths []string, concurrency int) []Result {
	return describeFiles(ctx, c.Preprocess, c.CaptionPixels, paths, concurrency, c.logger)
}

// DescribeFiles captions every file in paths through the cache and returns
// results in input order.
func (cc *CachedCaptioner) DescribeFiles(ctx context.Context, paths []string, concurrency int) []Result {
	return describeFiles(ctx, cc.captioner.Preprocess, cc.CaptionPixels, paths, concurrency, cc.logger)
}

// describeFiles reads and preprocesses all images concurrently, then runs the
// model on them one at a time in input order. A failing image does not stop
// the batch; cancelling ctx does.
func describeFiles(
	ctx context.Context,
	preprocess func([]byte) ([]float32, error),
	caption func(context.Context, []float32) (*Caption, error),
	paths []string,
	concurrency int,
	logger *zap.Logger,
) []Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]Result, len(paths))
	pixels := make([][]float32, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range paths {
		results[i].Source = path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from CLI arguments
			if err != nil {
				results[i].Err = fmt.Errorf("reading image: %w", err)
				return nil
			}
			p, err := preprocess(data)
			if err != nil {
				results[i].Err = fmt.Errorf("preprocessing image: %w", err)
				return nil
			}
			pixels[i] = p
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Err != nil {
			logger.Warn("Skipping image", zap.String("source", paths[i]), zap.Error(results[i].Err))
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		c, err := caption(ctx, pixels[i])
		pixels[i] = nil
		if err != nil {
			results[i].Err = err
			logger.Warn("Captioning failed", zap.String("source", paths[i]), zap.Error(err))
			continue
		}
		c.Source = paths[i]
		results[i].Caption = c
	}
	return results
}
