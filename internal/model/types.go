package model

import (
	"time"

	"github.com/google/uuid"
)

// ArchiveSource identifies an archive provider. The set is closed; new
// sources are added by implementing the strategy capability set and
// registering a priority.
type ArchiveSource string

const (
	SourceWayback     ArchiveSource = "wayback_machine"
	SourceCommonCrawl ArchiveSource = "common_crawl"
	SourceHybrid      ArchiveSource = "hybrid"
)

// FallbackStrategy controls when the router moves from a failing source to
// the next one in order.
type FallbackStrategy string

const (
	FallbackImmediate         FallbackStrategy = "immediate"
	FallbackRetryThenFallback FallbackStrategy = "retry_then_fallback"
	FallbackCircuitBreaker    FallbackStrategy = "circuit_breaker"
)

// MatchType describes how a target's domain is matched against capture URLs.
type MatchType string

const (
	MatchHostExact MatchType = "host_exact"
	MatchSubdomain MatchType = "subdomain"
	MatchPrefix    MatchType = "prefix"
)

// PageStatus is the closed status set for scrape pages. Values stored in
// scrape_pages.status must come from this set.
type PageStatus string

const (
	StatusPending              PageStatus = "pending"
	StatusInProgress           PageStatus = "in_progress"
	StatusCompleted            PageStatus = "completed"
	StatusFailed               PageStatus = "failed"
	StatusFilteredListPage     PageStatus = "filtered_list_page"
	StatusFilteredProcessed    PageStatus = "filtered_already_processed"
	StatusFilteredAttachment   PageStatus = "filtered_attachment_disabled"
	StatusFilteredExtension    PageStatus = "filtered_file_extension"
	StatusFilteredTooSmall     PageStatus = "filtered_size_too_small"
	StatusFilteredTooLarge     PageStatus = "filtered_size_too_large"
	StatusFilteredLowPriority  PageStatus = "filtered_low_priority"
	StatusFilteredCustomRule   PageStatus = "filtered_custom_rule"
	StatusManuallySkipped      PageStatus = "manually_skipped"
	StatusManuallyApproved     PageStatus = "manually_approved"
	StatusAwaitingManualReview PageStatus = "awaiting_manual_review"
)

// ValidStatuses lists every legal scrape page status.
var ValidStatuses = []PageStatus{
	StatusPending, StatusInProgress, StatusCompleted, StatusFailed,
	StatusFilteredListPage, StatusFilteredProcessed, StatusFilteredAttachment,
	StatusFilteredExtension, StatusFilteredTooSmall, StatusFilteredTooLarge,
	StatusFilteredLowPriority, StatusFilteredCustomRule,
	StatusManuallySkipped, StatusManuallyApproved, StatusAwaitingManualReview,
}

// IsValidStatus reports whether s belongs to the closed status set.
func IsValidStatus(s PageStatus) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsFiltered reports whether s is one of the filtered_* terminal statuses.
func (s PageStatus) IsFiltered() bool {
	switch s {
	case StatusFilteredListPage, StatusFilteredProcessed, StatusFilteredAttachment,
		StatusFilteredExtension, StatusFilteredTooSmall, StatusFilteredTooLarge,
		StatusFilteredLowPriority, StatusFilteredCustomRule:
		return true
	}
	return false
}

// FilterCategory is the broad class recorded alongside a filter decision.
type FilterCategory string

const (
	CategoryAttachment     FilterCategory = "attachment"
	CategorySize           FilterCategory = "size"
	CategoryDuplicate      FilterCategory = "duplicate"
	CategoryContentQuality FilterCategory = "content_quality"
	CategoryCustomRule     FilterCategory = "custom_rule"
	CategoryPriority       FilterCategory = "priority"
)

// CaptureRecord is the canonical capture shape emitted by archive source
// strategies. Timestamp is a 14-char YYYYMMDDHHMMSS UTC string.
type CaptureRecord struct {
	Timestamp   string `json:"timestamp"`
	OriginalURL string `json:"original_url"`
	MimeType    string `json:"mime_type"`
	StatusCode  string `json:"status_code"`
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
}

// FilterDetails is the structured JSON persisted with each filter decision.
type FilterDetails struct {
	ReasonText      string         `json:"reason_text"`
	MatchedPattern  string         `json:"matched_pattern,omitempty"`
	Confidence      float64        `json:"confidence"`
	OriginalProject string         `json:"original_project,omitempty"`
	FileType        string         `json:"file_type,omitempty"`
	FileSize        int64          `json:"file_size,omitempty"`
	CaptureMetadata map[string]any `json:"capture_metadata,omitempty"`
}

// Project groups targets, sessions and scrape pages under a single archive
// policy.
type Project struct {
	ID              uuid.UUID
	OwnerRef        uuid.UUID
	Name            string
	Description     string
	ArchiveSource   ArchiveSource
	FallbackEnabled bool
	ArchiveConfig   ArchiveConfig
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SourceConfig carries per-source tuning resolved from project archive
// configuration.
type SourceConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	TimeoutSeconds     int     `json:"timeout_seconds" yaml:"timeoutSeconds"`
	MaxRetries         int     `json:"max_retries" yaml:"maxRetries"`
	PageSize           int     `json:"page_size" yaml:"pageSize"`
	MaxPages           int     `json:"max_pages" yaml:"maxPages"`
	IncludeAttachments bool    `json:"include_attachments" yaml:"includeAttachments"`
	Priority           int     `json:"priority" yaml:"priority"`
	PartialCoverage    bool    `json:"partial_coverage,omitempty" yaml:"partialCoverage"`
}

// ArchiveConfig is the per-project archive policy block.
type ArchiveConfig struct {
	FallbackStrategy     FallbackStrategy `json:"fallback_strategy"`
	FallbackDelaySeconds float64          `json:"fallback_delay_seconds"`
	ExponentialBackoff   bool             `json:"exponential_backoff"`
	MaxFallbackDelay     float64          `json:"max_fallback_delay"`
	WaybackMachine       SourceConfig     `json:"wayback_machine"`
	CommonCrawl          SourceConfig     `json:"common_crawl"`
}

// Target is a (domain, match type, date window) unit of discovery owned by
// exactly one project.
type Target struct {
	ID                 uuid.UUID
	ProjectID          uuid.UUID
	Domain             string
	MatchType          MatchType
	URLPath            string
	FromDate           string // YYYYMMDD
	ToDate             string // YYYYMMDD
	IncludeAttachments bool
	CreatedAt          time.Time
}

// ScrapePage is the per-discovered-capture record persisted transactionally.
type ScrapePage struct {
	ID                     uuid.UUID
	TargetID               uuid.UUID
	ProjectID              uuid.UUID
	OriginalURL            string
	CaptureTimestamp       string
	MimeType               string
	StatusCode             string
	Digest                 string
	Length                 int64
	Status                 PageStatus
	PriorityScore          int
	FilterReason           string
	FilterCategory         FilterCategory
	FilterDetails          *FilterDetails
	MatchedPattern         string
	FilterConfidence       float64
	RelatedPageID          *uuid.UUID
	IsManuallyOverridden   bool
	OriginalFilterDecision PageStatus
	CanBeManuallyProcessed bool
	LastError              string
	SessionID              *uuid.UUID
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Page is materialized extracted content, unique per (target, content digest).
type Page struct {
	ID                   uuid.UUID
	TargetID             uuid.UUID
	ProjectID            uuid.UUID
	OriginalURL          string
	FirstSeenTimestamp   string
	LastSeenTimestamp    string
	ContentDigest        string
	ExtractedTitle       string
	ExtractedText        string
	ExtractedMarkdown    string
	Language             string
	WordCount            int
	CharCount            int
	ExtractionMethod     string
	ExtractionConfidence float64
	QualityScore         int
	Metadata             map[string]any
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SessionState is the closed lifecycle set for scraping sessions.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionIndexing  SessionState = "indexing"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// Session is a single scraping run of a project.
type Session struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	FromDate        string
	ToDate          string
	State           SessionState
	Discovered      int64
	FilteredByReason map[string]int64
	ExtractedOK     int64
	ExtractedFailed int64
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// SessionDeltas carries counter increments applied atomically to a session.
type SessionDeltas struct {
	Discovered       int64
	FilteredByReason map[string]int64
	ExtractedOK      int64
	ExtractedFailed  int64
}

// IntentOp is the operation carried by a dual-write intent.
type IntentOp string

const (
	IntentCreate IntentOp = "create"
	IntentUpdate IntentOp = "update"
	IntentDelete IntentOp = "delete"
)

// IntentState tracks an intent through the outbox.
type IntentState string

const (
	IntentPending   IntentState = "pending"
	IntentCommitted IntentState = "committed"
	IntentFailed    IntentState = "failed"
)

// DualWriteIntent is an append-only outbox row consumed by the dual-write
// synchronizer.
type DualWriteIntent struct {
	ID          uuid.UUID
	Op          IntentOp
	Table       string
	PrimaryKey  string
	Payload     []byte
	PayloadHash string
	SubmittedAt time.Time
	State       IntentState
	Attempts    int
	LeaseUntil  *time.Time
	LastError   string
}

// DeadLetter is the terminal record for an intent or job that exhausted
// retries.
type DeadLetter struct {
	ID             uuid.UUID
	IntentID       *uuid.UUID
	JobID          *uuid.UUID
	ReasonCategory string
	LastError      string
	FirstFailedAt  time.Time
	Attempts       int
}

// IndexEventOp is the operation shipped to the search-index sink.
type IndexEventOp string

const (
	IndexUpsert IndexEventOp = "upsert"
	IndexDelete IndexEventOp = "delete"
)

// IndexEvent is the search-index outbox event shape. Delivery is
// at-least-once; consumers deduplicate on (page_id, content_digest).
type IndexEvent struct {
	Op                IndexEventOp   `json:"op"`
	PageID            uuid.UUID      `json:"page_id"`
	TargetRef         uuid.UUID      `json:"target_ref"`
	OriginalURL       string         `json:"original_url"`
	ContentDigest     string         `json:"content_digest"`
	Title             string         `json:"title"`
	Text              string         `json:"text"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	QualityScore      int            `json:"quality_score"`
	LastSeenTimestamp string         `json:"last_seen_timestamp"`
}
