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

import "github.com/prometheus/client_golang/prometheus"

var (
	captionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "caption_ops_total",
			Help:      "The total number of captions generated.",
		},
		[]string{"model"},
	)
	captionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "caption_errors_total",
			Help:      "The total number of images that failed to caption.",
		},
		[]string{"model"},
	)

	captionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "caption_duration_seconds",
			Help:      "Time spent encoding and decoding one image.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	decodeSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "decode_steps",
			Help:      "Decoder invocations per caption.",
			Buckets:   prometheus.LinearBuckets(4, 4, 19),
		},
		[]string{"model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model", "backend"},
	)

	// Cache metrics
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	// Camera metrics
	cameraFetchOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "camera_fetch_ops_total",
			Help:      "Total number of camera snapshot fetches.",
		},
		[]string{"status"}, // ok, error
	)
	cameraFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "captioner",
			Name:      "camera_fetch_duration_seconds",
			Help:      "Time spent fetching one camera snapshot.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(captionOps)
	prometheus.MustRegister(captionErrors)
	prometheus.MustRegister(captionDuration)
	prometheus.MustRegister(decodeSteps)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(cameraFetchOps)
	prometheus.MustRegister(cameraFetchDuration)
}

// RecordCaption records one generated caption
func RecordCaption(model string, steps int, seconds float64) {
	captionOps.WithLabelValues(model).Inc()
	decodeSteps.WithLabelValues(model).Observe(float64(steps))
	captionDuration.WithLabelValues(model).Observe(seconds)
}

// RecordCaptionError increments the caption error counter
func RecordCaptionError(model string) {
	captionErrors.WithLabelValues(model).Inc()
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model, backend string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, backend).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCameraFetch records one snapshot fetch and its outcome
func RecordCameraFetch(seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	cameraFetchOps.WithLabelValues(status).Inc()
	cameraFetchDuration.Observe(seconds)
}
