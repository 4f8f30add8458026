package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"hindsight/internal/archive"
	"hindsight/internal/jobs"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

// ScrapeProjectPayload is the scrape_project job body. The session is
// created by the caller so its id is returned from the start endpoint
// before the job runs.
type ScrapeProjectPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
	SessionID uuid.UUID `json:"session_id"`
	FromDate  string    `json:"from_date,omitempty"`
	ToDate    string    `json:"to_date,omitempty"`
}

// ExtractBatchPayload is the extract_batch job body, one per target.
type ExtractBatchPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
	SessionID uuid.UUID `json:"session_id"`
	TargetID  uuid.UUID `json:"target_id"`
}

// BulkActionPayload is the bulk_override job body, for batches too large
// to apply inline in the request.
type BulkActionPayload struct {
	PageIDs  []uuid.UUID      `json:"page_ids"`
	Action   store.PageAction `json:"action"`
	Priority int              `json:"priority,omitempty"`
}

// HandleScrapeProject runs discovery for every target of a project: query
// the archive router, classify each capture, persist the survivors as
// scrape pages, then fan out one extract_batch job per target that has
// pending work.
func (p *Pipeline) HandleScrapeProject(ctx context.Context, job *model.Job, progress jobs.ProgressFunc) error {
	var payload ScrapeProjectPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode scrape payload: %w", err))
	}

	project, err := p.store.GetProject(ctx, payload.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		err = jobs.Permanent(fmt.Errorf("project %s: %w", payload.ProjectID, err))
		p.failSessionIfFinal(ctx, job, payload.SessionID, err)
		return err
	}
	if err != nil {
		return err
	}
	targets, err := p.store.ListTargets(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		p.log.Warn("scrape of project with no targets", "project_id", project.ID)
		return p.store.SetSessionState(ctx, payload.SessionID, model.SessionCompleted)
	}

	policy := p.PolicyFor(project)
	fanout := p.cfg.Worker.TargetFanout
	if fanout <= 0 {
		fanout = 4
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, fanout)
		mu       sync.Mutex
		done     int
		enqueued int
		firstErr error
	)
	for _, target := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(t *model.Target) {
			defer wg.Done()
			defer func() { <-sem }()

			pending, err := p.discoverTarget(ctx, project, t, job, payload, policy)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("target %s: %w", t.Domain, err)
				}
				return
			}
			if pending > 0 {
				enqueued++
			}
			// Reserve the last percent for the state transition below.
			if perr := progress(done * 99 / len(targets)); perr != nil && firstErr == nil {
				firstErr = perr
			}
		}(target)
	}
	wg.Wait()

	if firstErr != nil {
		p.failSessionIfFinal(ctx, job, payload.SessionID, firstErr)
		return firstErr
	}
	if enqueued == 0 {
		return p.store.SetSessionState(ctx, payload.SessionID, model.SessionCompleted)
	}
	return p.store.SetSessionState(ctx, payload.SessionID, model.SessionIndexing)
}

// discoverTarget queries one target's capture window, classifies the
// results, and persists them. Returns the number of pending pages the
// follow-up extract job will work through.
func (p *Pipeline) discoverTarget(ctx context.Context, project *model.Project, target *model.Target,
	job *model.Job, payload ScrapeProjectPayload, policy archive.Policy) (int, error) {

	opts := archive.ListOptions{
		Domain:             target.Domain,
		MatchType:          target.MatchType,
		URLPath:            target.URLPath,
		FromDate:           target.FromDate,
		ToDate:             target.ToDate,
		IncludeAttachments: target.IncludeAttachments,
	}
	// A session window narrows the target's own window.
	if payload.FromDate != "" {
		opts.FromDate = payload.FromDate
	}
	if payload.ToDate != "" {
		opts.ToDate = payload.ToDate
	}

	records, stats, err := p.router.Query(ctx, policy, opts)
	if err != nil {
		return 0, fmt.Errorf("archive query: %w", err)
	}

	deltas := model.SessionDeltas{
		Discovered:       int64(len(records)),
		FilteredByReason: map[string]int64{},
	}
	sessionID := payload.SessionID
	pages := make([]*model.ScrapePage, 0, len(records))
	pending := 0

	for _, rec := range records {
		decision, err := p.filter.Classify(ctx, *target, rec)
		if err != nil {
			return 0, fmt.Errorf("classify %s: %w", rec.OriginalURL, err)
		}
		if decision.Dropped {
			deltas.FilteredByReason["file_extension"]++
			continue
		}
		if decision.Status.IsFiltered() {
			deltas.FilteredByReason[decision.FilterReason]++
		} else {
			pending++
		}
		pages = append(pages, &model.ScrapePage{
			TargetID:               target.ID,
			ProjectID:              project.ID,
			OriginalURL:            rec.OriginalURL,
			CaptureTimestamp:       rec.Timestamp,
			MimeType:               rec.MimeType,
			StatusCode:             rec.StatusCode,
			Digest:                 rec.Digest,
			Length:                 rec.Length,
			Status:                 decision.Status,
			PriorityScore:          decision.PriorityScore,
			FilterReason:           decision.FilterReason,
			FilterCategory:         decision.FilterCategory,
			FilterDetails:          decision.Details,
			MatchedPattern:         decision.MatchedPattern,
			FilterConfidence:       decision.Confidence,
			RelatedPageID:          decision.RelatedPageID,
			CanBeManuallyProcessed: decision.CanBeManuallyProcessed,
			SessionID:              &sessionID,
		})
	}

	inserted, err := p.store.InsertScrapePages(ctx, pages)
	if err != nil {
		return 0, fmt.Errorf("persist scrape pages: %w", err)
	}
	p.log.Info("target discovered",
		"target", target.Domain,
		"surfaced", len(records),
		"inserted", inserted,
		"pending", pending,
		"source", stats.SuccessfulSource,
		"fallback_used", stats.FallbackUsed)

	if err := p.store.ApplySessionDeltas(ctx, sessionID, deltas); err != nil {
		return 0, err
	}
	if pending == 0 {
		return 0, nil
	}
	projectID := project.ID
	if _, err := p.enqueuer.Enqueue(ctx, model.JobTypeExtractBatch, ExtractBatchPayload{
		ProjectID: projectID,
		SessionID: sessionID,
		TargetID:  target.ID,
	}, &projectID, &sessionID, &job.ID); err != nil {
		return 0, fmt.Errorf("enqueue extract batch: %w", err)
	}
	return pending, nil
}

// HandleBulkAction applies a manual-processing action to a batch of scrape
// pages asynchronously, for batches too large for the synchronous endpoint.
// After mark_for_processing, the affected targets get extract batches so
// the approved pages are drained without a new session.
func (p *Pipeline) HandleBulkAction(ctx context.Context, job *model.Job, progress jobs.ProgressFunc) error {
	var payload BulkActionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode bulk action payload: %w", err))
	}
	if !store.ValidPageAction(payload.Action) {
		return jobs.Permanent(fmt.Errorf("invalid bulk action %q", payload.Action))
	}

	results, err := p.store.BulkAction(ctx, payload.PageIDs, payload.Action, payload.Priority, false)
	if err != nil {
		return err
	}
	applied := 0
	targets := map[uuid.UUID]bool{}
	for _, r := range results {
		if !r.Applied {
			continue
		}
		applied++
		if payload.Action == store.ActionMarkForProcessing {
			page, err := p.store.GetScrapePage(ctx, r.PageID)
			if err != nil {
				return err
			}
			targets[page.TargetID] = true
		}
	}
	if payload.Action == store.ActionMarkForProcessing && job.ProjectID != nil {
		for targetID := range targets {
			if _, err := p.enqueuer.Enqueue(ctx, model.JobTypeExtractBatch, ExtractBatchPayload{
				ProjectID: *job.ProjectID,
				TargetID:  targetID,
			}, job.ProjectID, nil, &job.ID); err != nil {
				return fmt.Errorf("enqueue extract batch: %w", err)
			}
		}
	}
	p.log.Info("bulk action applied",
		"job_id", job.ID, "action", payload.Action,
		"requested", len(payload.PageIDs), "applied", applied)
	return progress(100)
}

// HandleConsistencyRepair triggers a full validation-and-repair pass.
func (p *Pipeline) HandleConsistencyRepair(ctx context.Context, job *model.Job, _ jobs.ProgressFunc) error {
	if p.validator == nil {
		return jobs.Permanent(errors.New("consistency validator not configured on this worker"))
	}
	return p.validator.ValidateNow(ctx)
}
