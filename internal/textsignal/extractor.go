package textsignal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultTimeout bounds a single scorer call when none is configured.
const DefaultTimeout = 2 * time.Second

// ExtractorConfig holds optional collaborators of an Extractor.
type ExtractorConfig struct {
	Timeout  time.Duration
	Cache    domain.Cache // optional
	CacheTTL time.Duration
	Metrics  *metrics.Metrics // optional
}

// Extractor maps free text to a signal in [0,1]. It never fails: an empty
// text, a slow scorer or a broken scorer all yield 0.
type Extractor struct {
	scorer   Scorer
	timeout  time.Duration
	cache    domain.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
}

// NewExtractor wraps scorer. A nil scorer makes every signal 0.
func NewExtractor(scorer Scorer, cfg ExtractorConfig) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Extractor{
		scorer:   scorer,
		timeout:  cfg.Timeout,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		metrics:  cfg.Metrics,
	}
}

// Extract returns the text signal of text.
func (e *Extractor) Extract(ctx context.Context, text string) float64 {
	if e == nil || e.scorer == nil || strings.TrimSpace(text) == "" {
		return 0
	}

	key := cacheKey(text)
	if v, ok := e.cached(ctx, key); ok {
		return v
	}

	score, err := e.score(ctx, text)
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
			err = errors.Join(domain.ErrScorerTimeout, err)
		}
		slog.Warn("text signal degraded to zero",
			"reason", reason,
			"error", err,
		)
		e.metrics.IncrementTextSignalDegraded(reason)
		return 0
	}

	score = clamp(score)
	e.store(ctx, key, score)
	return score
}

type scoreResult struct {
	score float64
	err   error
}

// score runs the scorer under the extractor timeout. A scorer that ignores
// its context is abandoned when the timeout fires and finishes on its own.
func (e *Extractor) score(ctx context.Context, text string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		v, err := e.scorer.Score(callCtx, text)
		done <- scoreResult{score: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			r.err = errors.Join(r.err, context.DeadlineExceeded)
		}
		return r.score, r.err
	case <-callCtx.Done():
		return 0, callCtx.Err()
	}
}

func (e *Extractor) cached(ctx context.Context, key string) (float64, bool) {
	if e.cache == nil {
		return 0, false
	}
	data, err := e.cache.Get(ctx, domain.CacheNamespaceTextSignal, key)
	if err != nil || data == nil {
		e.metrics.IncrementTextSignalCache("miss")
		return 0, false
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		e.metrics.IncrementTextSignalCache("miss")
		return 0, false
	}
	e.metrics.IncrementTextSignalCache("hit")
	return clamp(v), true
}

func (e *Extractor) store(ctx context.Context, key string, v float64) {
	if e.cache == nil {
		return
	}
	payload := []byte(strconv.FormatFloat(v, 'g', -1, 64))
	if err := e.cache.Set(ctx, domain.CacheNamespaceTextSignal, key, payload, e.cacheTTL); err != nil {
		slog.Debug("failed to cache text signal", "error", err)
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
