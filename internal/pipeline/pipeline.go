package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/archive"
	"hindsight/internal/config"
	"hindsight/internal/extract"
	"hindsight/internal/filter"
	"hindsight/internal/jobs"
	"hindsight/internal/model"
	"hindsight/internal/store"
)

// Store is the persistence slice the pipeline handlers use.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error)
	GetTarget(ctx context.Context, id uuid.UUID) (*model.Target, error)
	ListTargets(ctx context.Context, projectID uuid.UUID) ([]*model.Target, error)

	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	SetSessionState(ctx context.Context, id uuid.UUID, state model.SessionState) error
	ApplySessionDeltas(ctx context.Context, id uuid.UUID, d model.SessionDeltas) error

	InsertScrapePages(ctx context.Context, pages []*model.ScrapePage) (int, error)
	ClaimPendingPages(ctx context.Context, targetID uuid.UUID, limit int) ([]*model.ScrapePage, error)
	UpdateScrapePageStatus(ctx context.Context, id uuid.UUID, to model.PageStatus, lastError string) (*model.ScrapePage, error)
	CompleteScrapePage(ctx context.Context, id, pageID uuid.UUID) (*model.ScrapePage, error)
	GetScrapePage(ctx context.Context, id uuid.UUID) (*model.ScrapePage, error)
	CountSessionOpenPages(ctx context.Context, sessionID uuid.UUID) (int64, error)
	BulkAction(ctx context.Context, ids []uuid.UUID, action store.PageAction, priority int, preview bool) ([]store.OverrideResult, error)

	UpsertPage(ctx context.Context, p *model.Page) (*model.Page, error)
	FindPageByDigest(ctx context.Context, projectID uuid.UUID, digest string) (*model.Page, error)
	RecentSimhashes(ctx context.Context, projectID uuid.UUID, limit int) ([]uint64, error)
}

// Enqueuer is the job-engine slice the pipeline uses for follow-up work.
// parentID records lineage when one job spawns another.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, projectID, sessionID, parentID *uuid.UUID) (*model.Job, error)
}

// Validator triggers a consistency validation run on demand.
type Validator interface {
	ValidateNow(ctx context.Context) error
}

// Pipeline owns the scrape and extract job handlers: discovery routes
// through the archive router and filter into scrape pages, extraction
// turns claimed pages into materialized content.
type Pipeline struct {
	cfg       *config.Config
	store     Store
	router    *archive.Router
	fetcher   *archive.Fetcher
	filter    *filter.Filter
	tiered    *extract.Tiered
	enqueuer  Enqueuer
	validator Validator
	log       *slog.Logger
}

// New wires the pipeline. validator may be nil when the process runs
// without the sync stack.
func New(cfg *config.Config, st Store, router *archive.Router, fetcher *archive.Fetcher,
	fl *filter.Filter, tiered *extract.Tiered, enq Enqueuer, validator Validator, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg, store: st, router: router, fetcher: fetcher,
		filter: fl, tiered: tiered, enqueuer: enq, validator: validator, log: log,
	}
}

// Handlers returns the job-type handler map for the runner.
func (p *Pipeline) Handlers(jobStore jobs.JobStore) map[string]jobs.Handler {
	return map[string]jobs.Handler{
		model.JobTypeScrapeProject:     jobs.HandlerFunc(p.HandleScrapeProject),
		model.JobTypeExtractBatch:      jobs.HandlerFunc(p.HandleExtractBatch),
		model.JobTypeBulkOverride:      jobs.HandlerFunc(p.HandleBulkAction),
		model.JobTypeConsistencyRepair: jobs.HandlerFunc(p.HandleConsistencyRepair),
		model.JobTypeRetentionCleanup:  p.retentionHandler(jobStore),
	}
}

func (p *Pipeline) retentionHandler(jobStore jobs.JobStore) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, _ *model.Job, _ jobs.ProgressFunc) error {
		n, err := jobStore.PurgeTerminal(ctx,
			time.Duration(p.cfg.Retention.JobDays)*24*time.Hour,
			time.Duration(p.cfg.Retention.IntentDays)*24*time.Hour,
			time.Duration(p.cfg.Retention.DeadLetterDays)*24*time.Hour)
		if err != nil {
			return err
		}
		p.log.Info("on-demand retention cleanup", "rows_deleted", n)
		return nil
	})
}

// PolicyFor resolves a project's archive policy against server defaults.
func (p *Pipeline) PolicyFor(project *model.Project) archive.Policy {
	return PolicyFromProject(p.cfg, project)
}

// PolicyFromProject maps the project archive configuration onto the router
// policy, falling back to server defaults for unset knobs.
func PolicyFromProject(cfg *config.Config, project *model.Project) archive.Policy {
	ac := project.ArchiveConfig

	strategy := ac.FallbackStrategy
	if strategy == "" {
		strategy = model.FallbackStrategy(cfg.Archive.FallbackStrategy)
	}
	delay := ac.FallbackDelaySeconds
	if delay == 0 {
		delay = cfg.Archive.FallbackDelaySeconds
	}
	maxDelay := ac.MaxFallbackDelay
	if maxDelay == 0 {
		maxDelay = cfg.Archive.MaxFallbackDelay
	}

	perSource := map[model.ArchiveSource]model.SourceConfig{}
	if ac.WaybackMachine != (model.SourceConfig{}) {
		perSource[model.SourceWayback] = ac.WaybackMachine
	}
	if ac.CommonCrawl != (model.SourceConfig{}) {
		perSource[model.SourceCommonCrawl] = ac.CommonCrawl
	}

	return archive.Policy{
		Source:             project.ArchiveSource,
		FallbackEnabled:    project.FallbackEnabled,
		FallbackStrategy:   strategy,
		FallbackDelay:      time.Duration(delay * float64(time.Second)),
		ExponentialBackoff: ac.ExponentialBackoff || cfg.Archive.ExponentialBackoff,
		MaxFallbackDelay:   time.Duration(maxDelay * float64(time.Second)),
		CompletionMerge:    cfg.Archive.CompletionMerge,
		PerSource:          perSource,
	}
}
