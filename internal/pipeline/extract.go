package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"hindsight/internal/extract"
	"hindsight/internal/jobs"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

const (
	extractBatchSize = 20
	// simhashWindow bounds the near-duplicate comparison set per page.
	simhashWindow = 200
)

// HandleExtractBatch drains a target's pending scrape pages: fetch the
// archived bytes, run the tiered extractor, score the content, and
// materialize a page row. The claim loop makes concurrent workers on the
// same target safe; each claims a disjoint batch.
func (p *Pipeline) HandleExtractBatch(ctx context.Context, job *model.Job, progress jobs.ProgressFunc) error {
	var payload ExtractBatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode extract payload: %w", err))
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

	processed := 0
	for {
		pages, err := p.store.ClaimPendingPages(ctx, payload.TargetID, extractBatchSize)
		if err != nil {
			return fmt.Errorf("claim pages: %w", err)
		}
		if len(pages) == 0 {
			break
		}

		deltas := model.SessionDeltas{}
		for _, page := range pages {
			materialized, err := p.extractOne(ctx, project, page)
			if err != nil {
				deltas.ExtractedFailed++
				if _, serr := p.store.UpdateScrapePageStatus(ctx, page.ID, model.StatusFailed, err.Error()); serr != nil {
					p.log.Error("mark page failed", "page_id", page.ID, "error", serr)
				}
				p.log.Warn("extraction failed",
					"page_id", page.ID, "url", page.OriginalURL, "error", err)
				continue
			}
			deltas.ExtractedOK++
			if _, serr := p.store.CompleteScrapePage(ctx, page.ID, materialized.ID); serr != nil {
				p.log.Error("mark page completed", "page_id", page.ID, "error", serr)
			}
		}
		processed += len(pages)

		// Manual-processing batches run outside any session.
		if payload.SessionID != uuid.Nil {
			if err := p.store.ApplySessionDeltas(ctx, payload.SessionID, deltas); err != nil {
				return err
			}
		}
		if err := progress(min(99, processed)); err != nil {
			// Cancellation: claimed-but-unprocessed pages were already
			// resolved above; anything still pending stays for a rerun.
			return err
		}
	}

	if payload.SessionID == uuid.Nil {
		p.log.Info("extract batch drained",
			"target_id", payload.TargetID, "processed", processed)
		return nil
	}
	open, err := p.store.CountSessionOpenPages(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	if open == 0 {
		state := model.SessionCompleted
		sess, err := p.store.GetSession(ctx, payload.SessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// A drained session that ingested nothing despite attempting
		// extraction has failed; an all-filtered session still completes.
		if sess != nil && sess.ExtractedOK == 0 && sess.ExtractedFailed > 0 {
			state = model.SessionFailed
		}
		if err := p.store.SetSessionState(ctx, payload.SessionID, state); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	p.log.Info("extract batch drained",
		"target_id", payload.TargetID, "processed", processed, "session_open", open)
	return nil
}

// failSessionIfFinal marks the session failed when its job will not run
// again: permanent failures and exhausted attempt budgets.
func (p *Pipeline) failSessionIfFinal(ctx context.Context, job *model.Job, sessionID uuid.UUID, cause error) {
	if sessionID == uuid.Nil {
		return
	}
	if !jobs.IsPermanent(cause) && job.Attempts < job.MaxAttempts {
		return
	}
	if err := p.store.SetSessionState(ctx, sessionID, model.SessionFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Error("mark session failed", "session_id", sessionID, "error", err)
	}
}

// extractOne fetches and extracts a single claimed page, materializing the
// result. Fetch and extraction failures surface as errors; the caller
// records them on the scrape page and links it to the returned page.
func (p *Pipeline) extractOne(ctx context.Context, project *model.Project, page *model.ScrapePage) (*model.Page, error) {
	rec := model.CaptureRecord{
		Timestamp:   page.CaptureTimestamp,
		OriginalURL: page.OriginalURL,
		MimeType:    page.MimeType,
		StatusCode:  page.StatusCode,
		Digest:      page.Digest,
		Length:      page.Length,
	}
	fetched, err := p.fetcher.Fetch(ctx, rec, project.ArchiveSource)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	ext, err := p.tiered.Extract(ctx, fetched.Body, page.OriginalURL)
	if err != nil {
		return nil, err
	}

	digest := extract.ContentDigest(ext.Text)
	simhash := extract.Simhash64(ext.Text)
	recent, err := p.store.RecentSimhashes(ctx, project.ID, simhashWindow)
	if err != nil {
		return nil, fmt.Errorf("recent simhashes: %w", err)
	}
	quality := extract.QualityScore(ext.Result, recent)

	metadata := make(map[string]any, len(ext.Metadata)+3)
	for k, v := range ext.Metadata {
		metadata[k] = v
	}
	metadata["simhash"] = strconv.FormatUint(simhash, 10)
	metadata["fetched_from"] = string(fetched.FetchedFrom)
	if ext.Degraded {
		metadata["degraded"] = true
	}

	materialized, err := p.store.UpsertPage(ctx, &model.Page{
		TargetID:             page.TargetID,
		ProjectID:            page.ProjectID,
		OriginalURL:          page.OriginalURL,
		FirstSeenTimestamp:   page.CaptureTimestamp,
		LastSeenTimestamp:    page.CaptureTimestamp,
		ContentDigest:        digest,
		ExtractedTitle:       ext.Title,
		ExtractedText:        ext.Text,
		ExtractedMarkdown:    ext.Markdown,
		Language:             ext.Language,
		WordCount:            ext.WordCount,
		CharCount:            ext.CharCount,
		ExtractionMethod:     ext.Method,
		ExtractionConfidence: ext.Confidence,
		QualityScore:         quality.Total,
		Metadata:             metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("materialize page: %w", err)
	}

	p.log.Debug("page materialized",
		"page_id", materialized.ID,
		"url", page.OriginalURL,
		"method", ext.Method,
		"quality", quality.Total,
		"degraded", ext.Degraded)
	return materialized, nil
}
