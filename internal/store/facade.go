package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"hindsight/internal/model"
)

// ErrInvalidTransition is returned when a status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotOverridable is returned when a manual override targets a page the
// filter marked as not manually processable.
var ErrNotOverridable = errors.New("page cannot be manually processed")

// transitions is the closed status transition table for scrape pages.
// Absent entries are invalid; completed is terminal.
var transitions = map[model.PageStatus][]model.PageStatus{
	model.StatusPending:    {model.StatusInProgress, model.StatusManuallySkipped, model.StatusAwaitingManualReview},
	model.StatusInProgress: {model.StatusCompleted, model.StatusFailed, model.StatusPending},
	model.StatusFailed:     {model.StatusPending, model.StatusInProgress, model.StatusManuallySkipped},

	model.StatusFilteredListPage:    filteredNext,
	model.StatusFilteredProcessed:   filteredNext,
	model.StatusFilteredAttachment:  filteredNext,
	model.StatusFilteredExtension:   filteredNext,
	model.StatusFilteredTooSmall:    filteredNext,
	model.StatusFilteredTooLarge:    filteredNext,
	model.StatusFilteredLowPriority: filteredNext,
	model.StatusFilteredCustomRule:  filteredNext,

	model.StatusAwaitingManualReview: {model.StatusInProgress, model.StatusManuallyApproved, model.StatusManuallySkipped},
	model.StatusManuallyApproved:     {model.StatusPending, model.StatusInProgress},
	model.StatusManuallySkipped:      {model.StatusManuallyApproved},
}

var filteredNext = []model.PageStatus{
	model.StatusManuallyApproved, model.StatusManuallySkipped, model.StatusAwaitingManualReview,
}

// CanTransition reports whether from -> to is a legal scrape page status
// change.
func CanTransition(from, to model.PageStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateScrapePageStatus validates and applies a status transition, writing
// the dual-write intent in the same transaction. lastError is recorded on
// transitions to failed.
func (s *Store) UpdateScrapePageStatus(ctx context.Context, id uuid.UUID, to model.PageStatus, lastError string) (*model.ScrapePage, error) {
	if !model.IsValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanScrapePage(tx.QueryRowContext(ctx,
		`SELECT `+scrapePageColumns+` FROM scrape_pages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	updated, err := scanScrapePage(tx.QueryRowContext(ctx, `
		UPDATE scrape_pages SET status = $2, updated_at = now() WHERE id = $1
		RETURNING `+scrapePageColumns, id, to))
	if err != nil {
		return nil, err
	}
	if lastError != "" {
		if err := setLastErrorTx(ctx, tx, id, lastError); err != nil {
			return nil, err
		}
		updated.LastError = lastError
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentUpdate, "scrape_pages", id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, s.confirmSync(ctx, "scrape_pages", id.String())
}

// CompleteScrapePage finishes an extraction: the page transitions to
// completed and the materialized page is linked in the same transaction, so
// a completed discovery row always carries its content reference.
func (s *Store) CompleteScrapePage(ctx context.Context, id, pageID uuid.UUID) (*model.ScrapePage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanScrapePage(tx.QueryRowContext(ctx,
		`SELECT `+scrapePageColumns+` FROM scrape_pages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, model.StatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, model.StatusCompleted)
	}
	updated, err := scanScrapePage(tx.QueryRowContext(ctx, `
		UPDATE scrape_pages
		SET status = 'completed', related_page_id = $2, last_error = '', updated_at = now()
		WHERE id = $1
		RETURNING `+scrapePageColumns, id, pageID))
	if err != nil {
		return nil, err
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentUpdate, "scrape_pages", id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, s.confirmSync(ctx, "scrape_pages", id.String())
}

// OverrideResult is the per-page outcome of a manual override.
type OverrideResult struct {
	PageID  uuid.UUID        `json:"page_id"`
	From    model.PageStatus `json:"from"`
	To      model.PageStatus `json:"to,omitempty"`
	Applied bool             `json:"applied"`
	Error   string           `json:"error,omitempty"`
}

// OverrideScrapePage applies a manual status override. The first override
// preserves the original filter decision so it can be audited and undone.
func (s *Store) OverrideScrapePage(ctx context.Context, id uuid.UUID, to model.PageStatus) (*model.ScrapePage, error) {
	if to != model.StatusManuallyApproved && to != model.StatusManuallySkipped && to != model.StatusAwaitingManualReview {
		return nil, fmt.Errorf("%w: %q is not a manual status", ErrInvalidTransition, to)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanScrapePage(tx.QueryRowContext(ctx,
		`SELECT `+scrapePageColumns+` FROM scrape_pages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if current.Status.IsFiltered() && !current.CanBeManuallyProcessed {
		return nil, ErrNotOverridable
	}
	if !CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	original := current.OriginalFilterDecision
	if !current.IsManuallyOverridden {
		original = current.Status
	}
	updated, err := scanScrapePage(tx.QueryRowContext(ctx, `
		UPDATE scrape_pages
		SET status = $2, is_manually_overridden = TRUE, original_filter_decision = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+scrapePageColumns, id, to, original))
	if err != nil {
		return nil, err
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentUpdate, "scrape_pages", id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, s.confirmSync(ctx, "scrape_pages", id.String())
}

// PageAction is a manual-processing bulk operation.
type PageAction string

const (
	ActionMarkForProcessing PageAction = "mark_for_processing"
	ActionApproveAll        PageAction = "approve_all"
	ActionSkipAll           PageAction = "skip_all"
	ActionRetry             PageAction = "retry"
	ActionResetStatus       PageAction = "reset_status"
	ActionUpdatePriority    PageAction = "update_priority"
	ActionDelete            PageAction = "delete"
)

// ValidPageAction reports whether a is a known bulk action.
func ValidPageAction(a PageAction) bool {
	switch a {
	case ActionMarkForProcessing, ActionApproveAll, ActionSkipAll,
		ActionRetry, ActionResetStatus, ActionUpdatePriority, ActionDelete:
		return true
	}
	return false
}

// MarkForProcessing overrides a filtered page and immediately requeues it:
// the page passes through manually_approved and lands in pending, so the
// original decision is preserved while extraction can pick it up.
func (s *Store) MarkForProcessing(ctx context.Context, id uuid.UUID) (*model.ScrapePage, error) {
	if _, err := s.OverrideScrapePage(ctx, id, model.StatusManuallyApproved); err != nil {
		return nil, err
	}
	return s.UpdateScrapePageStatus(ctx, id, model.StatusPending, "")
}

// ResetOverride undoes a manual override, restoring the original filter
// decision.
func (s *Store) ResetOverride(ctx context.Context, id uuid.UUID) (*model.ScrapePage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanScrapePage(tx.QueryRowContext(ctx,
		`SELECT `+scrapePageColumns+` FROM scrape_pages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !current.IsManuallyOverridden {
		return nil, fmt.Errorf("%w: page has no manual override to reset", ErrInvalidTransition)
	}
	updated, err := scanScrapePage(tx.QueryRowContext(ctx, `
		UPDATE scrape_pages
		SET status = original_filter_decision, is_manually_overridden = FALSE, updated_at = now()
		WHERE id = $1
		RETURNING `+scrapePageColumns, id))
	if err != nil {
		return nil, err
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentUpdate, "scrape_pages", id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, s.confirmSync(ctx, "scrape_pages", id.String())
}

// SetScrapePagePriority changes the claim ordering weight of a page.
func (s *Store) SetScrapePagePriority(ctx context.Context, id uuid.UUID, score int) (*model.ScrapePage, error) {
	if score < 1 || score > 10 {
		return nil, fmt.Errorf("priority score %d out of range [1, 10]", score)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	updated, err := scanScrapePage(tx.QueryRowContext(ctx, `
		UPDATE scrape_pages SET priority_score = $2, updated_at = now() WHERE id = $1
		RETURNING `+scrapePageColumns, id, score))
	if err != nil {
		return nil, err
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentUpdate, "scrape_pages", id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, s.confirmSync(ctx, "scrape_pages", id.String())
}

// DeleteScrapePage removes a discovery record. Pages with materialized
// content keep their scrape record so provenance survives.
func (s *Store) DeleteScrapePage(ctx context.Context, id uuid.UUID) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := scanScrapePage(tx.QueryRowContext(ctx,
		`SELECT `+scrapePageColumns+` FROM scrape_pages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if current.Status == model.StatusCompleted || current.RelatedPageID != nil {
		return fmt.Errorf("%w: page has materialized content", ErrInvalidTransition)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scrape_pages WHERE id = $1`, id); err != nil {
		return err
	}
	if err := enqueueIntentTx(ctx, tx, model.IntentDelete, "scrape_pages", id.String()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.confirmSync(ctx, "scrape_pages", id.String())
}

// actionTarget returns the status a bulk action drives a page towards, or
// "" when the action is not a status transition.
func actionTarget(action PageAction) model.PageStatus {
	switch action {
	case ActionApproveAll:
		return model.StatusManuallyApproved
	case ActionSkipAll:
		return model.StatusManuallySkipped
	case ActionMarkForProcessing, ActionRetry:
		return model.StatusPending
	}
	return ""
}

// previewAction checks eligibility without mutating.
func previewAction(p *model.ScrapePage, action PageAction) error {
	switch action {
	case ActionMarkForProcessing, ActionApproveAll, ActionSkipAll:
		to := model.StatusManuallyApproved
		if action == ActionSkipAll {
			to = model.StatusManuallySkipped
		}
		if p.Status.IsFiltered() && !p.CanBeManuallyProcessed {
			return ErrNotOverridable
		}
		if !CanTransition(p.Status, to) {
			return fmt.Errorf("invalid transition %s -> %s", p.Status, to)
		}
	case ActionRetry:
		if !CanTransition(p.Status, model.StatusPending) {
			return fmt.Errorf("invalid transition %s -> %s", p.Status, model.StatusPending)
		}
	case ActionResetStatus:
		if !p.IsManuallyOverridden {
			return fmt.Errorf("page has no manual override to reset")
		}
	case ActionUpdatePriority, ActionDelete:
		// Eligible whenever the row exists; delete re-checks materialized
		// content at apply time.
	}
	return nil
}

// BulkAction applies a manual-processing action to many pages, returning a
// per-page result list. Failures do not stop the batch; preview evaluates
// eligibility without mutating anything.
func (s *Store) BulkAction(ctx context.Context, ids []uuid.UUID, action PageAction, priority int, preview bool) ([]OverrideResult, error) {
	if !ValidPageAction(action) {
		return nil, fmt.Errorf("unknown bulk action %q", action)
	}
	out := make([]OverrideResult, 0, len(ids))
	for _, id := range ids {
		res := OverrideResult{PageID: id, To: actionTarget(action)}
		current, err := s.GetScrapePage(ctx, id)
		if err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		res.From = current.Status
		if err := previewAction(current, action); err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		if preview {
			// Applied means "would apply" in preview.
			res.Applied = true
			out = append(out, res)
			continue
		}
		if err := s.applyAction(ctx, id, action, priority); err != nil {
			res.Error = err.Error()
		} else {
			res.Applied = true
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Store) applyAction(ctx context.Context, id uuid.UUID, action PageAction, priority int) error {
	var err error
	switch action {
	case ActionMarkForProcessing:
		_, err = s.MarkForProcessing(ctx, id)
	case ActionApproveAll:
		_, err = s.OverrideScrapePage(ctx, id, model.StatusManuallyApproved)
	case ActionSkipAll:
		_, err = s.OverrideScrapePage(ctx, id, model.StatusManuallySkipped)
	case ActionRetry:
		_, err = s.UpdateScrapePageStatus(ctx, id, model.StatusPending, "")
	case ActionResetStatus:
		_, err = s.ResetOverride(ctx, id)
	case ActionUpdatePriority:
		_, err = s.SetScrapePagePriority(ctx, id, priority)
	case ActionDelete:
		err = s.DeleteScrapePage(ctx, id)
	}
	return err
}
