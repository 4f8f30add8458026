package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/breaker"
	"hindsight/internal/config"
	"hindsight/internal/extract"
	"hindsight/internal/jobs"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

// archiveHealthHandler reports per-source health plus a rollup. A source is
// healthy while its list breaker still admits traffic; the rollup degrades
// when any source is down and goes unhealthy when all are.
func archiveHealthHandler(c *fiber.Ctx) error {
	arch := c.Locals("archive").(*ArchiveDeps)

	snapshot := arch.Metrics.Snapshot()
	sources := fiber.Map{}
	healthy, total := 0, 0
	for _, name := range arch.Router.Sources() {
		strategy, ok := arch.Router.Strategy(name)
		if !ok {
			continue
		}
		total++
		status := strategy.ListBreaker().Status()
		up := status.State != breaker.Open
		if up {
			healthy++
		}
		entry := fiber.Map{
			"healthy":               up,
			"circuit_breaker_state": status.State,
			"success_rate":          arch.Metrics.SuccessRate(name),
		}
		if stats, ok := snapshot[name]; ok {
			if stats.LastSuccess != nil {
				entry["last_success"] = stats.LastSuccess
			}
			if stats.LastFailure != nil {
				entry["last_failure"] = stats.LastFailure
			}
		}
		sources[string(name)] = entry
	}

	overall := "healthy"
	switch {
	case total == 0 || healthy == 0:
		overall = "unhealthy"
	case healthy < total:
		overall = "degraded"
	}
	return c.JSON(fiber.Map{"success": true, "status": overall, "sources": sources})
}

// archiveMetricsHandler exposes the raw per-source counters, breaker
// positions, and the effective server-level archive configuration.
func archiveMetricsHandler(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)
	arch := c.Locals("archive").(*ArchiveDeps)

	snapshot := arch.Metrics.Snapshot()
	counters := fiber.Map{}
	breakers := fiber.Map{}
	for _, name := range arch.Router.Sources() {
		strategy, ok := arch.Router.Strategy(name)
		if !ok {
			continue
		}
		if stats, ok := snapshot[name]; ok {
			counters[string(name)] = stats
		}
		status := strategy.ListBreaker().Status()
		breakers[string(name)] = fiber.Map{
			"state":             status.State,
			"failure_count":     status.FailureCount,
			"success_count":     status.SuccessCount,
			"next_attempt_time": status.NextProbeAt,
		}
	}
	return c.JSON(fiber.Map{
		"success":          true,
		"sources":          counters,
		"circuit_breakers": breakers,
		"config": fiber.Map{
			"fallback_strategy":      cfg.Archive.FallbackStrategy,
			"fallback_delay_seconds": cfg.Archive.FallbackDelaySeconds,
			"exponential_backoff":    cfg.Archive.ExponentialBackoff,
			"max_fallback_delay":     cfg.Archive.MaxFallbackDelay,
		},
	})
}

// resetArchiveMetricsHandler zeroes the source counters. Breaker state is
// deliberately left alone; an open breaker reflects live upstream health,
// not stale statistics.
func resetArchiveMetricsHandler(c *fiber.Ctx) error {
	arch := c.Locals("archive").(*ArchiveDeps)

	arch.Metrics.Reset()
	return c.JSON(fiber.Map{"success": true})
}

func extractHealthHandler(c *fiber.Ctx) error {
	tiered := c.Locals("extractor").(*extract.Tiered)

	return c.JSON(fiber.Map{
		"success":  true,
		"breakers": tiered.BreakerStatus(),
		"stats":    tiered.Stats(),
	})
}

// syncStatusHandler summarizes replication lag: the intent backlog, the
// dead-letter depth against its degraded threshold, and the most recent
// consistency report if a validator is attached to this process.
func syncStatusHandler(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(*store.Store)
	syncDeps := c.Locals("sync").(*SyncDeps)

	backlog, err := st.PendingIntentCount(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	dlqDepth, err := st.DeadLetterDepth(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	indexBacklog, err := st.PendingIndexEventCount(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	resp := fiber.Map{
		"success":              true,
		"consistency_level":    cfg.Sync.ConsistencyLevel,
		"pending_intents":      backlog,
		"dead_letter_depth":    dlqDepth,
		"pending_index_events": indexBacklog,
		"degraded":             dlqDepth > int64(cfg.Sync.DLQDegradedDepth),
	}
	if syncDeps != nil && syncDeps.Validator != nil {
		if report := syncDeps.Validator.LastReport(); report != nil {
			resp["last_validation"] = report
		}
	}
	return c.JSON(resp)
}

// triggerValidationHandler enqueues an on-demand consistency run on the
// indexing queue rather than blocking the request.
func triggerValidationHandler(c *fiber.Ctx) error {
	engine := c.Locals("engine").(*jobs.Engine)

	job, err := engine.Enqueue(c.Context(), model.JobTypeConsistencyRepair, struct{}{}, nil, nil, nil)
	if err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"job_id":  job.ID.String(),
	})
}

// listIndexEventsHandler lets the search indexer pull its undelivered
// events. Events stay pending until acknowledged, so delivery is
// at-least-once and the indexer deduplicates on (page_id, content_digest).
func listIndexEventsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	events, err := st.PendingIndexEvents(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "count": len(events), "events": events})
}

// ackIndexEventHandler marks one pulled index event as delivered.
func ackIndexEventHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid event id")
	}
	if err := st.MarkIndexEventPublished(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false, Code: "NOT_FOUND", Error: "no pending event with that id",
			})
		}
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}
