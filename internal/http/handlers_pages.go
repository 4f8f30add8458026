package http

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/jobs"
	"hindsight/internal/model"
	"hindsight/internal/pipeline"
	"hindsight/internal/store"
)

// asyncOverrideThreshold is the batch size above which bulk overrides run
// as a background job instead of inline.
const asyncOverrideThreshold = 100

type ScrapePageListResponse struct {
	Success    bool             `json:"success"`
	Pages      []ScrapePageBody `json:"pages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// listScrapePagesHandler returns filtered scrape pages with keyset cursor
// pagination. The cursor is "<rfc3339nano>,<uuid>" of the last row.
func listScrapePagesHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}

	body := ScrapePageFilterBody{
		Search:              c.Query("search"),
		DateFrom:            c.Query("date_from"),
		DateTo:              c.Query("date_to"),
		ShowOnlyProcessable: c.QueryBool("show_only_processable", false),
	}
	if raw := c.Query("status"); raw != "" {
		body.Status = strings.Split(raw, ",")
	}
	if raw := c.Query("filter_category"); raw != "" {
		body.FilterCategory = strings.Split(raw, ",")
	}
	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return badRequest(c, "invalid session_id")
		}
		body.SessionID = &id
	}
	if raw := c.Query("is_manually_overridden"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "invalid is_manually_overridden")
		}
		body.IsManuallyOverridden = &v
	}
	if raw := c.Query("has_errors"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "invalid has_errors")
		}
		body.HasErrors = &v
	}
	if raw := c.Query("priority_min"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "invalid priority_min")
		}
		body.PriorityMin = &v
	}
	if raw := c.Query("priority_max"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "invalid priority_max")
		}
		body.PriorityMax = &v
	}

	f, err := buildScrapePageFilter(project.ID, &body)
	if err != nil {
		return validationFailed(c, err)
	}
	f.Limit = c.QueryInt("limit", 100)
	if raw := c.Query("target_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return badRequest(c, "invalid target_id")
		}
		f.TargetID = &id
	}
	if raw := c.Query("cursor"); raw != "" {
		createdAt, id, err := parseCursor(raw)
		if err != nil {
			return badRequest(c, "invalid cursor")
		}
		f.CursorCreatedAt = createdAt
		f.CursorID = id
	}

	pages, err := st.ListScrapePages(c.Context(), f)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]ScrapePageBody, 0, len(pages))
	for _, p := range pages {
		out = append(out, scrapePageBody(p))
	}
	resp := ScrapePageListResponse{Success: true, Pages: out}
	if len(pages) > 0 && len(pages) == f.Limit {
		last := pages[len(pages)-1]
		resp.NextCursor = formatCursor(last.CreatedAt, last.ID)
	}
	return c.JSON(resp)
}

func formatCursor(createdAt time.Time, id uuid.UUID) string {
	return createdAt.UTC().Format(time.RFC3339Nano) + "," + id.String()
}

func parseCursor(raw string) (time.Time, uuid.UUID, error) {
	var ts, idPart string
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ',' {
			ts, idPart = raw[:i], raw[i+1:]
			break
		}
	}
	if ts == "" || idPart == "" {
		return time.Time{}, uuid.Nil, errors.New("malformed cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	return createdAt, id, nil
}

func statusCountsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	counts, err := st.CountScrapePagesByStatus(c.Context(), project.ID)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "counts": counts})
}

type PageListResponse struct {
	Success bool       `json:"success"`
	Pages   []PageBody `json:"pages"`
}

func listPagesHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	pages, err := st.ListPages(c.Context(), project.ID, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return internalError(c, err)
	}
	out := make([]PageBody, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageBody(p))
	}
	return c.JSON(PageListResponse{Success: true, Pages: out})
}

type OverrideResponse struct {
	Success bool            `json:"success"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Page    *ScrapePageBody `json:"page,omitempty"`
}

func overridePageHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid page id")
	}
	var req OverrideRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	to := model.PageStatus(req.ToStatus)
	if !model.IsValidStatus(to) {
		return badRequest(c, fmt.Sprintf("unknown status %q", req.ToStatus))
	}

	page, err := st.OverrideScrapePage(c.Context(), id, to)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundResp(c, "scrape page not found")
	case errors.Is(err, store.ErrNotOverridable), errors.Is(err, store.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(OverrideResponse{
			Success: false, Code: "INVALID_TRANSITION", Error: err.Error(),
		})
	case err != nil:
		return internalError(c, err)
	}
	body := scrapePageBody(page)
	return c.JSON(OverrideResponse{Success: true, Page: &body})
}

type BulkFailure struct {
	PageID uuid.UUID `json:"page_id"`
	Error  string    `json:"error"`
}

type BulkActionResponse struct {
	Success   bool                   `json:"success"`
	Code      string                 `json:"code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Preview   bool                   `json:"preview,omitempty"`
	Total     int                    `json:"total"`
	Eligible  int                    `json:"eligible,omitempty"`
	Succeeded []uuid.UUID            `json:"succeeded,omitempty"`
	Failed    []BulkFailure          `json:"failed,omitempty"`
	Results   []store.OverrideResult `json:"results,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
}

// resolveBulkRequest validates the bulk body and resolves the target page
// set, either from explicit ids or by walking the filter.
func resolveBulkRequest(c *fiber.Ctx, st *store.Store, projectID uuid.UUID) (*BulkActionRequest, []uuid.UUID, error) {
	var req BulkActionRequest
	if err := decodeStrict(c, &req); err != nil {
		return nil, nil, badRequest(c, err.Error())
	}
	action := store.PageAction(req.Action)
	if !store.ValidPageAction(action) {
		return nil, nil, validationFailed(c, fieldErr("action", "INVALID_ENUM",
			"unknown action %q", req.Action))
	}
	if action == store.ActionUpdatePriority {
		if req.Priority == nil || *req.Priority < 1 || *req.Priority > 10 {
			return nil, nil, validationFailed(c, fieldErr("priority", "OUT_OF_RANGE",
				"update_priority requires priority within [1, 10]"))
		}
	}
	if len(req.PageIDs) > 0 && req.Filters != nil {
		return nil, nil, validationFailed(c, fieldErr("page_ids", "INVALID_COMBINATION",
			"provide page_ids or filters, not both"))
	}
	if len(req.PageIDs) > 0 {
		return &req, req.PageIDs, nil
	}
	if req.Filters == nil {
		return nil, nil, validationFailed(c, fieldErr("page_ids", "REQUIRED",
			"either page_ids or filters is required"))
	}

	f, err := buildScrapePageFilter(projectID, req.Filters)
	if err != nil {
		return nil, nil, validationFailed(c, err)
	}
	f.Limit = 1000
	var ids []uuid.UUID
	for {
		pages, err := st.ListScrapePages(c.Context(), f)
		if err != nil {
			return nil, nil, internalError(c, err)
		}
		for _, p := range pages {
			ids = append(ids, p.ID)
		}
		if len(pages) < f.Limit {
			break
		}
		last := pages[len(pages)-1]
		f.CursorCreatedAt = last.CreatedAt
		f.CursorID = last.ID
	}
	return &req, ids, nil
}

// bulkPreviewHandler reports what a bulk action would do without mutating
// anything.
func bulkPreviewHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	req, ids, errResp := resolveBulkRequest(c, st, project.ID)
	if req == nil {
		return errResp
	}
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}
	results, err := st.BulkAction(c.Context(), ids, store.PageAction(req.Action), priority, true)
	if err != nil {
		return internalError(c, err)
	}
	eligible := 0
	for _, r := range results {
		if r.Applied {
			eligible++
		}
	}
	return c.JSON(BulkActionResponse{
		Success: true, Preview: true,
		Total: len(results), Eligible: eligible, Results: results,
	})
}

// bulkApplyHandler applies a bulk action. Small batches apply inline; large
// ones are handed to the quick queue and report a job id instead.
func bulkApplyHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)
	engine := c.Locals("engine").(*jobs.Engine)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	req, ids, errResp := resolveBulkRequest(c, st, project.ID)
	if req == nil {
		return errResp
	}
	action := store.PageAction(req.Action)
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}

	if len(ids) > asyncOverrideThreshold {
		projectID := project.ID
		job, err := engine.Enqueue(c.Context(), model.JobTypeBulkOverride, pipeline.BulkActionPayload{
			PageIDs:  ids,
			Action:   action,
			Priority: priority,
		}, &projectID, nil, nil)
		if errors.Is(err, jobs.ErrQueueFull) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
				Success: false, Code: "QUEUE_FULL", Error: err.Error(),
			})
		}
		if err != nil {
			return internalError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(BulkActionResponse{
			Success: true, Total: len(ids), JobID: job.ID.String(),
		})
	}

	results, err := st.BulkAction(c.Context(), ids, action, priority, false)
	if err != nil {
		return internalError(c, err)
	}
	resp := BulkActionResponse{Success: true, Total: len(results)}
	for _, r := range results {
		if r.Applied {
			resp.Succeeded = append(resp.Succeeded, r.PageID)
		} else {
			resp.Failed = append(resp.Failed, BulkFailure{PageID: r.PageID, Error: r.Error})
		}
	}
	if action == store.ActionMarkForProcessing && len(resp.Succeeded) > 0 {
		if err := enqueueExtractForPages(c, st, engine, project.ID, resp.Succeeded); err != nil {
			return internalError(c, err)
		}
	}
	return c.JSON(resp)
}

// enqueueExtractForPages queues one extract batch per distinct target of
// the given pages, so freshly approved pages get picked up without waiting
// for the next session.
func enqueueExtractForPages(c *fiber.Ctx, st *store.Store, engine *jobs.Engine, projectID uuid.UUID, ids []uuid.UUID) error {
	targets := map[uuid.UUID]bool{}
	for _, id := range ids {
		page, err := st.GetScrapePage(c.Context(), id)
		if err != nil {
			return err
		}
		targets[page.TargetID] = true
	}
	// No session id: manual batches run outside any session so they cannot
	// disturb a finished session's counters.
	for targetID := range targets {
		if _, err := engine.Enqueue(c.Context(), model.JobTypeExtractBatch, pipeline.ExtractBatchPayload{
			ProjectID: projectID,
			TargetID:  targetID,
		}, &projectID, nil, nil); err != nil {
			return err
		}
	}
	return nil
}
