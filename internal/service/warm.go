package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/researchcache/internal/models"
)

// WarmOutcome reports what happened to one topic during Warm.
type WarmOutcome struct {
	Topic      string            `json:"topic" yaml:"topic"`
	Provenance models.Provenance `json:"provenance,omitempty" yaml:"provenance,omitempty"`
	Duration   time.Duration     `json:"duration" yaml:"duration"`
	Err        error             `json:"-" yaml:"-"`
}

// WarmOption adjusts a Warm run.
type WarmOption func(*warmOptions)

type warmOptions struct {
	concurrency int
	onProgress  func(done, total int, outcome WarmOutcome)
}

// WithConcurrency bounds how many topics are processed at once.
func WithConcurrency(n int) WarmOption {
	return func(o *warmOptions) { o.concurrency = n }
}

// WithProgress registers a callback invoked after each topic completes.
// Calls are serialized.
func WithProgress(fn func(done, total int, outcome WarmOutcome)) WarmOption {
	return func(o *warmOptions) { o.onProgress = fn }
}

// Warm runs every topic through RetrieveOrResearch ahead of demand. Topics
// already cached are served from the cache and not researched again. Returns
// one outcome per topic, in input order. A failing topic does not stop the others.
func (r *Retriever) Warm(ctx context.Context, topics []string, fresh TopicResearchFunc, opts ...WarmOption) []WarmOutcome {
	o := warmOptions{concurrency: r.cfg.WarmConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}

	outcomes := make([]WarmOutcome, len(topics))
	var (
		mu   sync.Mutex
		done int
	)

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, topic := range topics {
		g.Go(func() error {
			start := time.Now()
			outcome := WarmOutcome{Topic: topic}

			result, err := r.RetrieveOrResearch(ctx, topic, func(ctx context.Context) (*models.ResearchResult, error) {
				return fresh(ctx, topic)
			})
			outcome.Duration = time.Since(start)
			if err != nil {
				outcome.Err = err
				r.logger.Warn("warming topic failed", "topic", topic, "error", err)
			} else {
				outcome.Provenance = result.Provenance
			}
			outcomes[i] = outcome

			if o.onProgress != nil {
				mu.Lock()
				done++
				o.onProgress(done, len(topics), outcome)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	r.Flush()

	r.logger.Info("warm complete", "topics", len(topics), "concurrency", o.concurrency)
	return outcomes
}
