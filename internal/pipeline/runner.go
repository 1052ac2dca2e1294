// Package pipeline orchestrates full runs: landing extracted records as
// Bronze partitions, then curating them into Silver. Entities run in a
// bounded pool, chunks within one entity in another; every storage and
// extractor call passes through a shared resilience guard.
package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratapipe/strata/pkg/bronze"
	"github.com/stratapipe/strata/pkg/config"
	"github.com/stratapipe/strata/pkg/errors"
	"github.com/stratapipe/strata/pkg/metrics"
	"github.com/stratapipe/strata/pkg/models"
	"github.com/stratapipe/strata/pkg/resilience"
	"github.com/stratapipe/strata/pkg/state"
	"github.com/stratapipe/strata/pkg/storage"
)

// Extraction is what an extractor produced for one entity and date.
type Extraction struct {
	Records []models.Record

	// LoadPattern overrides the pattern derived from the cadence role;
	// empty means reference runs land as full_snapshot and delta runs as
	// incremental.
	LoadPattern models.LoadPattern

	// NewWatermarkValue, when non-empty, advances the entity's watermark
	// after a fully successful write.
	NewWatermarkValue string
}

// Extractor produces records for one entity. Concrete extractors live
// outside this repo; the runner only needs this contract.
type Extractor interface {
	Extract(ctx context.Context, entity config.EntityConfig, since *state.Watermark, role state.Role) (*Extraction, error)
}

// Runner drives the pipeline for all configured entities.
type Runner struct {
	cfg         *config.PipelineConfig
	backend     storage.Backend
	watermarks  state.WatermarkStore
	checkpoints state.CheckpointStore
	guards      *resilience.Registry
	metrics     *metrics.Metrics
	extractor   Extractor
	writer      *bronze.Writer
	logger      *zap.Logger
}

// NewRunner wires a runner. extractor may be nil for curate-only use;
// m may be nil, which registers collectors on a private registry.
func NewRunner(cfg *config.PipelineConfig, backend storage.Backend, watermarks state.WatermarkStore, checkpoints state.CheckpointStore, extractor Extractor, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	guards := resilience.NewRegistry(resilience.GuardConfig{
		RateLimitPerSec: cfg.Resilience.RateLimitPerSec,
		Burst:           cfg.Resilience.Burst,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.Breaker.FailureThreshold,
			Cooldown:         cfg.Resilience.Breaker.Cooldown,
			HalfOpenMaxCalls: cfg.Resilience.Breaker.HalfOpenMaxCalls,
		},
		Retry: &resilience.RetryPolicy{
			MaxAttempts: cfg.Resilience.Retry.MaxAttempts,
			BaseDelay:   cfg.Resilience.Retry.BaseDelay,
			MaxDelay:    cfg.Resilience.Retry.MaxDelay,
			Multiplier:  cfg.Resilience.Retry.Multiplier,
			Jitter:      cfg.Resilience.Retry.Jitter,
		},
		Hooks: resilience.Hooks{
			OnRetry: func(component string) {
				m.RetryAttempts.WithLabelValues(component).Inc()
			},
			OnBreakerTransition: func(component, state string) {
				m.BreakerTransitions.WithLabelValues(component, state).Inc()
			},
			OnLimiterWait: func(string) {
				m.RateLimiterWaits.Inc()
			},
		},
	}, logger)

	return &Runner{
		cfg:         cfg,
		backend:     backend,
		watermarks:  watermarks,
		checkpoints: checkpoints,
		guards:      guards,
		metrics:     m,
		extractor:   extractor,
		writer:      bronze.NewWriter(backend, watermarks, guards.Guard("storage"), logger),
		logger:      logger.With(zap.String("component", "runner")),
	}
}

// Run lands and curates every configured entity for the run date.
// Entities proceed in a bounded pool; one entity's failure cancels the
// group but never corrupts another entity's state.
func (r *Runner) Run(ctx context.Context, runDate, runID string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency.MaxParallelEntities)

	for _, entity := range r.cfg.Entities {
		entity := entity
		g.Go(func() error {
			return r.runEntity(ctx, entity, runDate, runID)
		})
	}
	return g.Wait()
}

func (r *Runner) runEntity(ctx context.Context, entity config.EntityConfig, runDate, runID string) error {
	start := time.Now()
	sourceKey := entity.SourceKey()

	err := func() error {
		if r.extractor != nil {
			if _, err := r.Land(ctx, entity, runDate, runID); err != nil {
				return err
			}
		}
		_, err := r.Curate(ctx, entity)
		return err
	}()

	status := "ok"
	if err != nil {
		status = "error"
		r.logger.Error("entity run failed",
			zap.String("source_key", sourceKey),
			zap.String("run_date", runDate),
			zap.Error(err))
	}
	r.metrics.RunDuration.WithLabelValues(sourceKey, status).Observe(time.Since(start).Seconds())
	return err
}

// Land extracts records for the entity and writes them as the Bronze
// partition for the run date. The cadence role decides between a
// reference (full-snapshot) and delta (incremental) extraction; the
// watermark advances only after the partition write fully succeeded.
func (r *Runner) Land(ctx context.Context, entity config.EntityConfig, date, runID string) (*bronze.WriteResult, error) {
	if r.extractor == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no extractor configured")
	}
	sourceKey := entity.SourceKey()

	wm, err := r.watermarks.Get(ctx, sourceKey)
	if err != nil {
		return nil, err
	}
	var lastRef string
	if wm != nil {
		lastRef = wm.LastReferenceDate
	}
	role := state.DecideRole(lastRef, entity.CadenceDays, time.Now().UTC())

	var ext *Extraction
	extract := func(ctx context.Context) error {
		var err error
		ext, err = r.extractor.Extract(ctx, entity, wm, role)
		return err
	}
	if err := r.guards.Guard("extract:" + sourceKey).Do(ctx, extract); err != nil {
		return nil, err
	}

	pattern := ext.LoadPattern
	if pattern == "" {
		pattern = models.LoadIncremental
		if role == state.RoleReference {
			pattern = models.LoadFullSnapshot
		}
	}

	req := bronze.WriteRequest{
		System:       entity.System,
		Entity:       entity.Entity,
		Date:         date,
		LoadPattern:  pattern,
		Records:      ext.Records,
		RunID:        runID,
		ReferenceRun: pattern == models.LoadFullSnapshot,
	}
	if entity.WatermarkColumn != "" && ext.NewWatermarkValue != "" {
		req.Watermark = &state.Watermark{
			SourceKey: sourceKey,
			Column:    entity.WatermarkColumn,
			Value:     ext.NewWatermarkValue,
			Type:      entity.WatermarkType,
		}
	}

	result, err := r.writer.Write(ctx, req)
	if err != nil {
		return nil, err
	}

	r.metrics.RecordsProcessed.WithLabelValues(sourceKey, storage.LayerBronze).Add(float64(len(ext.Records)))
	if result.WatermarkAdvanced {
		r.metrics.WatermarkAdvances.WithLabelValues(sourceKey).Inc()
	}
	return result, nil
}

// EntityStatus reports one entity's tracked state.
type EntityStatus struct {
	SourceKey string           `json:"source_key"`
	Watermark *state.Watermark `json:"watermark,omitempty"`
}

// RunStatus is the operator-facing view of pipeline state.
type RunStatus struct {
	Entities []EntityStatus               `json:"entities"`
	Breakers []resilience.BreakerSnapshot `json:"breakers,omitempty"`
}

// Status collects watermarks and breaker states for all entities.
func (r *Runner) Status(ctx context.Context) (*RunStatus, error) {
	status := &RunStatus{Breakers: r.guards.Snapshots()}
	for _, entity := range r.cfg.Entities {
		wm, err := r.watermarks.Get(ctx, entity.SourceKey())
		if err != nil {
			return nil, err
		}
		status.Entities = append(status.Entities, EntityStatus{
			SourceKey: entity.SourceKey(),
			Watermark: wm,
		})
	}
	return status, nil
}

// ResetWatermark is the explicit operator action that allows a watermark
// to move backwards.
func (r *Runner) ResetWatermark(ctx context.Context, sourceKey string) error {
	r.logger.Warn("resetting watermark", zap.String("source_key", sourceKey))
	return r.watermarks.Reset(ctx, sourceKey)
}
