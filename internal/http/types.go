package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/model"
	"hindsight/internal/store"
)

// ErrorResponse is the error envelope every endpoint uses.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false, Code: "BAD_REQUEST", Error: msg,
	})
}

// FieldError is one entry of a structured validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// validationFailed renders a 400 with per-field details when err carries
// them.
func validationFailed(c *fiber.Ctx, err error) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false, Code: "VALIDATION_FAILED", Error: fe.Error(),
			Details: []*FieldError{fe},
		})
	}
	return badRequest(c, err.Error())
}

func fieldErr(field, code, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFoundResp(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Success: false, Code: "NOT_FOUND", Error: msg,
	})
}

func internalError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false, Code: "INTERNAL_ERROR", Error: err.Error(),
	})
}

// decodeStrict parses a JSON body and rejects unknown fields, so typos like
// "commoncrawl" for "common_crawl" fail loudly instead of being ignored.
func decodeStrict(c *fiber.Ctx, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// SourceConfigBody is the per-source tuning block accepted on project
// create/update.
type SourceConfigBody struct {
	Enabled            *bool `json:"enabled,omitempty"`
	TimeoutSeconds     *int  `json:"timeout_seconds,omitempty"`
	MaxRetries         *int  `json:"max_retries,omitempty"`
	PageSize           *int  `json:"page_size,omitempty"`
	MaxPages           *int  `json:"max_pages,omitempty"`
	IncludeAttachments *bool `json:"include_attachments,omitempty"`
	Priority           *int  `json:"priority,omitempty"`
}

// ArchiveConfigBody is the archive policy block accepted on project
// create/update.
type ArchiveConfigBody struct {
	FallbackStrategy     string            `json:"fallback_strategy,omitempty"`
	FallbackDelaySeconds *float64          `json:"fallback_delay_seconds,omitempty"`
	ExponentialBackoff   *bool             `json:"exponential_backoff,omitempty"`
	MaxFallbackDelay     *float64          `json:"max_fallback_delay,omitempty"`
	WaybackMachine       *SourceConfigBody `json:"wayback_machine,omitempty"`
	CommonCrawl          *SourceConfigBody `json:"common_crawl,omitempty"`
}

type CreateProjectRequest struct {
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	ArchiveSource   string                `json:"archive_source,omitempty"`
	FallbackEnabled *bool                 `json:"fallback_enabled,omitempty"`
	ArchiveConfig   *ArchiveConfigBody    `json:"archive_config,omitempty"`
	Targets         []CreateTargetRequest `json:"targets,omitempty"`
}

type UpdateProjectRequest struct {
	Name            *string            `json:"name,omitempty"`
	Description     *string            `json:"description,omitempty"`
	ArchiveSource   *string            `json:"archive_source,omitempty"`
	FallbackEnabled *bool              `json:"fallback_enabled,omitempty"`
	ArchiveConfig   *ArchiveConfigBody `json:"archive_config,omitempty"`
	Status          *string            `json:"status,omitempty"`
}

type CreateTargetRequest struct {
	Domain             string `json:"domain"`
	MatchType          string `json:"match_type,omitempty"`
	URLPath            string `json:"url_path,omitempty"`
	FromDate           string `json:"from_date"`
	ToDate             string `json:"to_date"`
	IncludeAttachments bool   `json:"include_attachments,omitempty"`
}

type StartScrapeRequest struct {
	FromDate string `json:"from_date,omitempty"`
	ToDate   string `json:"to_date,omitempty"`
}

type OverrideRequest struct {
	ToStatus string `json:"to_status"`
}

// ScrapePageFilterBody selects scrape pages either for listing or as the
// target set of a bulk action. All fields combine with AND; array fields
// match any of their values.
type ScrapePageFilterBody struct {
	Status               []string   `json:"status,omitempty"`
	FilterCategory       []string   `json:"filter_category,omitempty"`
	IsManuallyOverridden *bool      `json:"is_manually_overridden,omitempty"`
	PriorityMin          *int       `json:"priority_min,omitempty"`
	PriorityMax          *int       `json:"priority_max,omitempty"`
	Search               string     `json:"search,omitempty"`
	SessionID            *uuid.UUID `json:"session_id,omitempty"`
	HasErrors            *bool      `json:"has_errors,omitempty"`
	DateFrom             string     `json:"date_from,omitempty"`
	DateTo               string     `json:"date_to,omitempty"`
	ShowOnlyProcessable  bool       `json:"show_only_processable,omitempty"`
}

// BulkActionRequest drives the manual-processing bulk endpoints. Exactly one
// of PageIDs or Filters selects the target set.
type BulkActionRequest struct {
	Action   string                `json:"action"`
	PageIDs  []uuid.UUID           `json:"page_ids,omitempty"`
	Filters  *ScrapePageFilterBody `json:"filters,omitempty"`
	Priority *int                  `json:"priority,omitempty"`
	Reason   string                `json:"reason,omitempty"`
}

// buildScrapePageFilter validates a filter body against the model enums and
// converts it to the store's filter shape.
func buildScrapePageFilter(projectID uuid.UUID, body *ScrapePageFilterBody) (store.ScrapePageFilter, error) {
	f := store.ScrapePageFilter{ProjectID: projectID}
	if body == nil {
		return f, nil
	}
	for _, raw := range body.Status {
		st := model.PageStatus(raw)
		if !model.IsValidStatus(st) {
			return f, fieldErr("status", "INVALID_ENUM", "unknown status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, raw := range body.FilterCategory {
		f.Categories = append(f.Categories, model.FilterCategory(raw))
	}
	f.IsManuallyOverridden = body.IsManuallyOverridden
	if body.PriorityMin != nil {
		if *body.PriorityMin < 1 || *body.PriorityMin > 10 {
			return f, fieldErr("priority_min", "OUT_OF_RANGE", "must be within [1, 10]")
		}
		f.PriorityMin = body.PriorityMin
	}
	if body.PriorityMax != nil {
		if *body.PriorityMax < 1 || *body.PriorityMax > 10 {
			return f, fieldErr("priority_max", "OUT_OF_RANGE", "must be within [1, 10]")
		}
		f.PriorityMax = body.PriorityMax
	}
	f.Search = body.Search
	f.SessionID = body.SessionID
	f.HasErrors = body.HasErrors
	if body.DateFrom != "" {
		d, ok := normalizeDate(body.DateFrom)
		if !ok {
			return f, fieldErr("date_from", "INVALID_DATE", "expected YYYY-MM-DD or YYYYMMDD")
		}
		f.DateFrom = d
	}
	if body.DateTo != "" {
		d, ok := normalizeDate(body.DateTo)
		if !ok {
			return f, fieldErr("date_to", "INVALID_DATE", "expected YYYY-MM-DD or YYYYMMDD")
		}
		f.DateTo = d
	}
	f.ShowOnlyProcessable = body.ShowOnlyProcessable
	return f, nil
}

// validArchiveSources is the accepted spelling set. Close misspellings get
// a pointed error instead of a silent default.
var validArchiveSources = map[string]model.ArchiveSource{
	"wayback_machine": model.SourceWayback,
	"common_crawl":    model.SourceCommonCrawl,
	"hybrid":          model.SourceHybrid,
}

func parseArchiveSource(raw string) (model.ArchiveSource, error) {
	if src, ok := validArchiveSources[raw]; ok {
		return src, nil
	}
	if raw == "commoncrawl" || raw == "wayback" {
		return "", fmt.Errorf("unknown archive_source %q; valid values are wayback_machine, common_crawl, hybrid", raw)
	}
	return "", fmt.Errorf("unknown archive_source %q", raw)
}

var validFallbackStrategies = map[string]model.FallbackStrategy{
	"immediate":           model.FallbackImmediate,
	"retry_then_fallback": model.FallbackRetryThenFallback,
	"circuit_breaker":     model.FallbackCircuitBreaker,
}

var validMatchTypes = map[string]model.MatchType{
	"host_exact": model.MatchHostExact,
	"subdomain":  model.MatchSubdomain,
	"prefix":     model.MatchPrefix,
}

var dateRe = regexp.MustCompile(`^\d{8}$`)

// normalizeDate accepts YYYY-MM-DD or YYYYMMDD and returns the compact
// archive form.
func normalizeDate(s string) (string, bool) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format("20060102"), true
	}
	if dateRe.MatchString(s) {
		if _, err := time.Parse("20060102", s); err == nil {
			return s, true
		}
	}
	return "", false
}

// applyArchiveConfig validates and merges an archive config body into the
// stored config.
func applyArchiveConfig(cfg *model.ArchiveConfig, body *ArchiveConfigBody) error {
	if body == nil {
		return nil
	}
	if body.FallbackStrategy != "" {
		strategy, ok := validFallbackStrategies[body.FallbackStrategy]
		if !ok {
			return fieldErr("archive_config.fallback_strategy", "INVALID_ENUM",
				"unknown fallback_strategy %q", body.FallbackStrategy)
		}
		cfg.FallbackStrategy = strategy
	}
	if body.FallbackDelaySeconds != nil {
		if *body.FallbackDelaySeconds < 0 || *body.FallbackDelaySeconds > 300 {
			return fieldErr("archive_config.fallback_delay_seconds", "OUT_OF_RANGE",
				"must be within [0, 300]")
		}
		cfg.FallbackDelaySeconds = *body.FallbackDelaySeconds
	}
	if body.ExponentialBackoff != nil {
		cfg.ExponentialBackoff = *body.ExponentialBackoff
	}
	if body.MaxFallbackDelay != nil {
		if *body.MaxFallbackDelay < 1 || *body.MaxFallbackDelay > 3600 {
			return fieldErr("archive_config.max_fallback_delay", "OUT_OF_RANGE",
				"must be within [1, 3600]")
		}
		cfg.MaxFallbackDelay = *body.MaxFallbackDelay
	}
	if err := applySourceConfig(&cfg.WaybackMachine, body.WaybackMachine, "wayback_machine"); err != nil {
		return err
	}
	return applySourceConfig(&cfg.CommonCrawl, body.CommonCrawl, "common_crawl")
}

func applySourceConfig(cfg *model.SourceConfig, body *SourceConfigBody, name string) error {
	if body == nil {
		return nil
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	if body.TimeoutSeconds != nil {
		if *body.TimeoutSeconds < 10 || *body.TimeoutSeconds > 600 {
			return fieldErr("archive_config."+name+".timeout_seconds", "OUT_OF_RANGE",
				"must be within [10, 600]")
		}
		cfg.TimeoutSeconds = *body.TimeoutSeconds
	}
	if body.MaxRetries != nil {
		if *body.MaxRetries < 0 || *body.MaxRetries > 10 {
			return fieldErr("archive_config."+name+".max_retries", "OUT_OF_RANGE",
				"must be within [0, 10]")
		}
		cfg.MaxRetries = *body.MaxRetries
	}
	if body.PageSize != nil {
		if *body.PageSize < 100 || *body.PageSize > 50000 {
			return fieldErr("archive_config."+name+".page_size", "OUT_OF_RANGE",
				"must be within [100, 50000]")
		}
		cfg.PageSize = *body.PageSize
	}
	if body.MaxPages != nil {
		// Zero means unbounded.
		if *body.MaxPages < 0 {
			return fieldErr("archive_config."+name+".max_pages", "OUT_OF_RANGE",
				"must be >= 0")
		}
		cfg.MaxPages = *body.MaxPages
	}
	if body.IncludeAttachments != nil {
		cfg.IncludeAttachments = *body.IncludeAttachments
	}
	if body.Priority != nil {
		if *body.Priority < 1 || *body.Priority > 100 {
			return fieldErr("archive_config."+name+".priority", "OUT_OF_RANGE",
				"must be within [1, 100]")
		}
		cfg.Priority = *body.Priority
	}
	return nil
}

// ProjectBody is the wire shape of a project.
type ProjectBody struct {
	ID              uuid.UUID           `json:"id"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	ArchiveSource   model.ArchiveSource `json:"archive_source"`
	FallbackEnabled bool                `json:"fallback_enabled"`
	ArchiveConfig   model.ArchiveConfig `json:"archive_config"`
	Status          string              `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func projectBody(p *model.Project) ProjectBody {
	return ProjectBody{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		ArchiveSource:   p.ArchiveSource,
		FallbackEnabled: p.FallbackEnabled,
		ArchiveConfig:   p.ArchiveConfig,
		Status:          p.Status,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

type TargetBody struct {
	ID                 uuid.UUID       `json:"id"`
	ProjectID          uuid.UUID       `json:"project_id"`
	Domain             string          `json:"domain"`
	MatchType          model.MatchType `json:"match_type"`
	URLPath            string          `json:"url_path,omitempty"`
	FromDate           string          `json:"from_date"`
	ToDate             string          `json:"to_date"`
	IncludeAttachments bool            `json:"include_attachments"`
	CreatedAt          time.Time       `json:"created_at"`
}

func targetBody(t *model.Target) TargetBody {
	return TargetBody{
		ID:                 t.ID,
		ProjectID:          t.ProjectID,
		Domain:             t.Domain,
		MatchType:          t.MatchType,
		URLPath:            t.URLPath,
		FromDate:           t.FromDate,
		ToDate:             t.ToDate,
		IncludeAttachments: t.IncludeAttachments,
		CreatedAt:          t.CreatedAt,
	}
}

type SessionBody struct {
	ID               uuid.UUID          `json:"id"`
	ProjectID        uuid.UUID          `json:"project_id"`
	FromDate         string             `json:"from_date,omitempty"`
	ToDate           string             `json:"to_date,omitempty"`
	State            model.SessionState `json:"state"`
	Discovered       int64              `json:"discovered"`
	FilteredByReason map[string]int64   `json:"filtered_by_reason"`
	ExtractedOK      int64              `json:"extracted_ok"`
	ExtractedFailed  int64              `json:"extracted_failed"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
}

func sessionBody(s *model.Session) SessionBody {
	return SessionBody{
		ID:               s.ID,
		ProjectID:        s.ProjectID,
		FromDate:         s.FromDate,
		ToDate:           s.ToDate,
		State:            s.State,
		Discovered:       s.Discovered,
		FilteredByReason: s.FilteredByReason,
		ExtractedOK:      s.ExtractedOK,
		ExtractedFailed:  s.ExtractedFailed,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
	}
}

type ScrapePageBody struct {
	ID                     uuid.UUID            `json:"id"`
	TargetID               uuid.UUID            `json:"target_id"`
	ProjectID              uuid.UUID            `json:"project_id"`
	OriginalURL            string               `json:"original_url"`
	CaptureTimestamp       string               `json:"capture_timestamp"`
	MimeType               string               `json:"mime_type,omitempty"`
	StatusCode             string               `json:"status_code,omitempty"`
	Length                 int64                `json:"length,omitempty"`
	Status                 model.PageStatus     `json:"status"`
	PriorityScore          int                  `json:"priority_score"`
	FilterReason           string               `json:"filter_reason,omitempty"`
	FilterCategory         model.FilterCategory `json:"filter_category,omitempty"`
	FilterDetails          *model.FilterDetails `json:"filter_details,omitempty"`
	MatchedPattern         string               `json:"matched_pattern,omitempty"`
	FilterConfidence       float64              `json:"filter_confidence,omitempty"`
	RelatedPageID          *uuid.UUID           `json:"related_page_id,omitempty"`
	IsManuallyOverridden   bool                 `json:"is_manually_overridden"`
	OriginalFilterDecision model.PageStatus     `json:"original_filter_decision,omitempty"`
	CanBeManuallyProcessed bool                 `json:"can_be_manually_processed"`
	LastError              string               `json:"last_error,omitempty"`
	SessionID              *uuid.UUID           `json:"session_id,omitempty"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

func scrapePageBody(p *model.ScrapePage) ScrapePageBody {
	return ScrapePageBody{
		ID:                     p.ID,
		TargetID:               p.TargetID,
		ProjectID:              p.ProjectID,
		OriginalURL:            p.OriginalURL,
		CaptureTimestamp:       p.CaptureTimestamp,
		MimeType:               p.MimeType,
		StatusCode:             p.StatusCode,
		Length:                 p.Length,
		Status:                 p.Status,
		PriorityScore:          p.PriorityScore,
		FilterReason:           p.FilterReason,
		FilterCategory:         p.FilterCategory,
		FilterDetails:          p.FilterDetails,
		MatchedPattern:         p.MatchedPattern,
		FilterConfidence:       p.FilterConfidence,
		RelatedPageID:          p.RelatedPageID,
		IsManuallyOverridden:   p.IsManuallyOverridden,
		OriginalFilterDecision: p.OriginalFilterDecision,
		CanBeManuallyProcessed: p.CanBeManuallyProcessed,
		LastError:              p.LastError,
		SessionID:              p.SessionID,
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
	}
}

type PageBody struct {
	ID                   uuid.UUID      `json:"id"`
	TargetID             uuid.UUID      `json:"target_id"`
	ProjectID            uuid.UUID      `json:"project_id"`
	OriginalURL          string         `json:"original_url"`
	FirstSeenTimestamp   string         `json:"first_seen_timestamp"`
	LastSeenTimestamp    string         `json:"last_seen_timestamp"`
	ContentDigest        string         `json:"content_digest"`
	Title                string         `json:"title,omitempty"`
	Text                 string         `json:"text,omitempty"`
	Markdown             string         `json:"markdown,omitempty"`
	Language             string         `json:"language,omitempty"`
	WordCount            int            `json:"word_count"`
	CharCount            int            `json:"char_count"`
	ExtractionMethod     string         `json:"extraction_method"`
	ExtractionConfidence float64        `json:"extraction_confidence"`
	QualityScore         int            `json:"quality_score"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func pageBody(p *model.Page) PageBody {
	return PageBody{
		ID:                   p.ID,
		TargetID:             p.TargetID,
		ProjectID:            p.ProjectID,
		OriginalURL:          p.OriginalURL,
		FirstSeenTimestamp:   p.FirstSeenTimestamp,
		LastSeenTimestamp:    p.LastSeenTimestamp,
		ContentDigest:        p.ContentDigest,
		Title:                p.ExtractedTitle,
		Text:                 p.ExtractedText,
		Markdown:             p.ExtractedMarkdown,
		Language:             p.Language,
		WordCount:            p.WordCount,
		CharCount:            p.CharCount,
		ExtractionMethod:     p.ExtractionMethod,
		ExtractionConfidence: p.ExtractionConfidence,
		QualityScore:         p.QualityScore,
		Metadata:             p.Metadata,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
}

type JobBody struct {
	ID          uuid.UUID       `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Priority    int             `json:"priority"`
	State       model.JobState  `json:"state"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	ProjectID   *uuid.UUID      `json:"project_id,omitempty"`
	SessionID   *uuid.UUID      `json:"session_id,omitempty"`
	ParentID    *uuid.UUID      `json:"parent_id,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func jobBody(j *model.Job) JobBody {
	return JobBody{
		ID:          j.ID,
		Queue:       j.Queue,
		Type:        j.Type,
		Priority:    j.Priority,
		State:       j.State,
		Payload:     json.RawMessage(j.Payload),
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		ProjectID:   j.ProjectID,
		SessionID:   j.SessionID,
		ParentID:    j.ParentID,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		CreatedAt:   j.CreatedAt,
	}
}
