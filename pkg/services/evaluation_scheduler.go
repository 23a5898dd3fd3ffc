package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ObservationSource loads the products to re-evaluate on each scheduled run.
type ObservationSource func(ctx context.Context) ([]PipelineRequest, error)

// BatchSink receives the outcome of each scheduled run.
type BatchSink func(items []BatchItem)

// EvaluationScheduler re-runs the pipeline over a product source on a cron schedule.
type EvaluationScheduler struct {
	Cron     *cron.Cron
	pipeline *Pipeline
	source   ObservationSource
	sink     BatchSink
	logger   zerolog.Logger
	ctx      context.Context
	mu       sync.Mutex // 実行の重複を防ぐ
}

// NewEvaluationScheduler creates a scheduler. Specs use the six-field cron format with seconds.
func NewEvaluationScheduler(ctx context.Context, pipeline *Pipeline, source ObservationSource, sink BatchSink, logger zerolog.Logger) *EvaluationScheduler {
	return &EvaluationScheduler{
		Cron:     cron.New(cron.WithSeconds()),
		pipeline: pipeline,
		source:   source,
		sink:     sink,
		logger:   logger,
		ctx:      ctx,
	}
}

// Register adds the re-evaluation task under spec.
func (s *EvaluationScheduler) Register(spec string) error {
	if _, err := s.Cron.AddFunc(spec, func() {
		if _, err := s.RunNow(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduled evaluation failed")
		}
	}); err != nil {
		return fmt.Errorf("register evaluation task %q: %w", spec, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *EvaluationScheduler) Start() {
	s.Cron.Start()
	s.logger.Info().Int("entries", len(s.Cron.Entries())).Msg("evaluation scheduler started")
}

// Stop stops the scheduler and waits for a running evaluation to finish.
func (s *EvaluationScheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.logger.Info().Msg("evaluation scheduler stopped")
}

// RunNow loads the source and evaluates it immediately. Overlapping runs are serialized.
func (s *EvaluationScheduler) RunNow(ctx context.Context) ([]BatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, err := s.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	items := s.pipeline.RunBatch(ctx, reqs)
	if s.sink != nil {
		s.sink(items)
	}
	return items, nil
}
