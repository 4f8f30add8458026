package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hindsight/internal/archive"
	"hindsight/internal/config"
	"hindsight/internal/model"
)

// PageLookup is the slice of the page store the filter needs to detect
// already-processed content.
type PageLookup interface {
	// FindPageByDigest returns the page with the given content digest in
	// the project scope, or nil when none exists.
	FindPageByDigest(ctx context.Context, projectID uuid.UUID, digest string) (*model.Page, error)
}

// Decision is the outcome of classifying one capture. Dropped decisions
// never become scrape page rows.
type Decision struct {
	Dropped                bool
	Status                 model.PageStatus
	FilterReason           string
	FilterCategory         model.FilterCategory
	Details                *model.FilterDetails
	MatchedPattern         string
	Confidence             float64
	PriorityScore          int
	CanBeManuallyProcessed bool
	RelatedPageID          *uuid.UUID
}

// Filter classifies capture records into processing statuses with auditable
// reasons. Rule order is contractual; see Classify.
type Filter struct {
	cfg         config.FilterConfig
	customRules []CustomRule
	pages       PageLookup
}

// New builds a filter over the configured size bounds, custom rules, and
// page lookup.
func New(cfg config.FilterConfig, pages PageLookup) *Filter {
	return &Filter{
		cfg:         cfg,
		customRules: CompileCustomRules(cfg.CustomRules),
		pages:       pages,
	}
}

// Classify runs the rule chain over one capture. First match wins, in this
// order: extension exclusion (dropped, no row), attachment gating, size
// bounds, already-processed digest, list-page patterns, custom rules, low
// priority, default pending. Classification is deterministic and
// idempotent for a fixed capture and page-store state.
func (f *Filter) Classify(ctx context.Context, target model.Target, rec model.CaptureRecord) (Decision, error) {
	// 1. Asset extensions are dropped before persistence; this re-check
	// covers captures that arrived outside the router path.
	if archive.HasExcludedExtension(rec.OriginalURL) {
		return Decision{Dropped: true, Status: model.StatusFilteredExtension}, nil
	}

	priority := PriorityScore(rec.OriginalURL, rec.MimeType)

	// 2. Attachment gating.
	if archive.IsAttachmentMime(rec.MimeType) && !target.IncludeAttachments {
		return Decision{
			Status:         model.StatusFilteredAttachment,
			FilterReason:   "attachment_disabled",
			FilterCategory: model.CategoryAttachment,
			Confidence:     1.0,
			PriorityScore:  priority,
			Details: &model.FilterDetails{
				ReasonText: "attachments disabled for target",
				Confidence: 1.0,
				FileType:   rec.MimeType,
				FileSize:   rec.Length,
			},
			CanBeManuallyProcessed: true,
		}, nil
	}

	// 3. Size bounds.
	if f.cfg.MinSizeBytes > 0 && rec.Length > 0 && rec.Length < f.cfg.MinSizeBytes {
		return f.sizeDecision(model.StatusFilteredTooSmall, "size_too_small",
			fmt.Sprintf("capture length %d below minimum %d", rec.Length, f.cfg.MinSizeBytes), rec, priority), nil
	}
	if f.cfg.MaxSizeBytes > 0 && rec.Length > f.cfg.MaxSizeBytes {
		return f.sizeDecision(model.StatusFilteredTooLarge, "size_too_large",
			fmt.Sprintf("capture length %d above maximum %d", rec.Length, f.cfg.MaxSizeBytes), rec, priority), nil
	}

	// 4. Already processed: digest lookup in the project scope.
	if f.pages != nil && rec.Digest != "" {
		page, err := f.pages.FindPageByDigest(ctx, target.ProjectID, rec.Digest)
		if err != nil {
			return Decision{}, fmt.Errorf("duplicate lookup: %w", err)
		}
		if page != nil {
			id := page.ID
			return Decision{
				Status:         model.StatusFilteredProcessed,
				FilterReason:   "already_processed",
				FilterCategory: model.CategoryDuplicate,
				Confidence:     1.0,
				PriorityScore:  priority,
				RelatedPageID:  &id,
				Details: &model.FilterDetails{
					ReasonText:      "content already processed",
					Confidence:      1.0,
					OriginalProject: page.ProjectID.String(),
					CaptureMetadata: map[string]any{
						"original_capture_timestamp": page.FirstSeenTimestamp,
					},
				},
				CanBeManuallyProcessed: true,
			}, nil
		}
	}

	// 5. List-page patterns.
	if lp := matchListPattern(rec.OriginalURL); lp != nil {
		return Decision{
			Status:         model.StatusFilteredListPage,
			FilterReason:   "list_page",
			FilterCategory: model.CategoryContentQuality,
			MatchedPattern: lp.Pattern.String(),
			Confidence:     lp.Confidence,
			PriorityScore:  priority,
			Details: &model.FilterDetails{
				ReasonText:     "list page pattern",
				MatchedPattern: lp.Pattern.String(),
				Confidence:     lp.Confidence,
			},
			CanBeManuallyProcessed: true,
		}, nil
	}

	// 6. Custom rules.
	for _, rule := range f.customRules {
		if m := rule.Pattern.FindString(rec.OriginalURL); m != "" {
			return Decision{
				Status:         model.StatusFilteredCustomRule,
				FilterReason:   "custom_rule:" + rule.ID,
				FilterCategory: model.CategoryCustomRule,
				MatchedPattern: rule.Pattern.String(),
				Confidence:     rule.Confidence,
				PriorityScore:  priority,
				Details: &model.FilterDetails{
					ReasonText:     "custom rule " + rule.ID,
					MatchedPattern: rule.Pattern.String(),
					Confidence:     rule.Confidence,
					CaptureMetadata: map[string]any{
						"rule_id":       rule.ID,
						"matched_token": m,
					},
				},
				CanBeManuallyProcessed: true,
			}, nil
		}
	}

	// 7. Low priority.
	threshold := f.cfg.LowPriorityThreshold
	if threshold <= 0 {
		threshold = 2
	}
	if priority <= threshold {
		return Decision{
			Status:         model.StatusFilteredLowPriority,
			FilterReason:   "low_priority",
			FilterCategory: model.CategoryPriority,
			Confidence:     0.7,
			PriorityScore:  priority,
			Details: &model.FilterDetails{
				ReasonText: fmt.Sprintf("priority score %d at or below threshold %d", priority, threshold),
				Confidence: 0.7,
			},
			CanBeManuallyProcessed: true,
		}, nil
	}

	// 8. Default pass.
	return Decision{
		Status:        model.StatusPending,
		PriorityScore: priority,
	}, nil
}

func (f *Filter) sizeDecision(status model.PageStatus, reason, text string, rec model.CaptureRecord, priority int) Decision {
	return Decision{
		Status:         status,
		FilterReason:   reason,
		FilterCategory: model.CategorySize,
		Confidence:     1.0,
		PriorityScore:  priority,
		Details: &model.FilterDetails{
			ReasonText: text,
			Confidence: 1.0,
			FileType:   strings.ToLower(rec.MimeType),
			FileSize:   rec.Length,
		},
		CanBeManuallyProcessed: true,
	}
}
