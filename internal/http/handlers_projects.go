package http

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/jobs"
	"hindsight/internal/model"
	"hindsight/internal/pipeline"
	"hindsight/internal/store"
)

type ProjectResponse struct {
	Success bool         `json:"success"`
	Code    string       `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
	Project *ProjectBody `json:"project,omitempty"`
}

type ProjectListResponse struct {
	Success  bool          `json:"success"`
	Projects []ProjectBody `json:"projects"`
}

// ownerRef resolves the owning identity for project scoping. With auth
// enabled this is the API key id; otherwise a fixed anonymous owner.
var anonymousOwner = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func ownerRef(c *fiber.Ctx) uuid.UUID {
	if key, ok := c.Locals("apiKey").(*store.APIKey); ok {
		return key.ID
	}
	return anonymousOwner
}

func createProjectHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	var req CreateProjectRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest(c, "name is required")
	}

	source := model.SourceWayback
	if req.ArchiveSource != "" {
		parsed, err := parseArchiveSource(req.ArchiveSource)
		if err != nil {
			return validationFailed(c, fieldErr("archive_source", "INVALID_ENUM", "%s", err.Error()))
		}
		source = parsed
	}

	project := &model.Project{
		OwnerRef:        ownerRef(c),
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		ArchiveSource:   source,
		FallbackEnabled: req.FallbackEnabled == nil || *req.FallbackEnabled,
	}
	// Hybrid means "use both sources", which is meaningless without
	// failover.
	if project.ArchiveSource == model.SourceHybrid && !project.FallbackEnabled {
		return validationFailed(c, fieldErr("fallback_enabled", "INVALID_COMBINATION",
			"hybrid archive_source requires fallback_enabled"))
	}
	if err := applyArchiveConfig(&project.ArchiveConfig, req.ArchiveConfig); err != nil {
		return validationFailed(c, err)
	}

	targets := make([]*model.Target, 0, len(req.Targets))
	for i, tr := range req.Targets {
		t, err := targetFromRequest(&tr)
		if err != nil {
			var fe *FieldError
			if errors.As(err, &fe) {
				fe.Field = fmt.Sprintf("targets[%d].%s", i, fe.Field)
			}
			return validationFailed(c, err)
		}
		targets = append(targets, t)
	}

	created, err := st.CreateProject(c.Context(), project)
	if err != nil {
		return internalError(c, err)
	}
	for _, t := range targets {
		t.ProjectID = created.ID
		if _, err := st.CreateTarget(c.Context(), t); err != nil {
			return internalError(c, err)
		}
	}
	body := projectBody(created)
	return c.Status(fiber.StatusCreated).JSON(ProjectResponse{Success: true, Project: &body})
}

func listProjectsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	projects, err := st.ListProjects(c.Context(), ownerRef(c), limit, offset)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]ProjectBody, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectBody(p))
	}
	return c.JSON(ProjectListResponse{Success: true, Projects: out})
}

func projectFromParam(c *fiber.Ctx) (*model.Project, error) {
	st := c.Locals("store").(*store.Store)
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, badRequest(c, "invalid project id")
	}
	project, err := st.GetProject(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundResp(c, "project not found")
	}
	if err != nil {
		return nil, internalError(c, err)
	}
	return project, nil
}

func getProjectHandler(c *fiber.Ctx) error {
	project, err := projectFromParam(c)
	if project == nil {
		return err
	}
	body := projectBody(project)
	return c.JSON(ProjectResponse{Success: true, Project: &body})
}

func updateProjectHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}

	var req UpdateProjectRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return badRequest(c, "name must not be empty")
		}
		project.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		project.Description = *req.Description
	}
	if req.ArchiveSource != nil {
		source, err := parseArchiveSource(*req.ArchiveSource)
		if err != nil {
			return badRequest(c, err.Error())
		}
		project.ArchiveSource = source
	}
	if req.FallbackEnabled != nil {
		project.FallbackEnabled = *req.FallbackEnabled
	}
	if req.Status != nil {
		switch *req.Status {
		case "no_index", "active", "archived":
			project.Status = *req.Status
		default:
			return validationFailed(c, fieldErr("status", "INVALID_ENUM",
				"must be no_index, active, or archived"))
		}
	}
	if project.ArchiveSource == model.SourceHybrid && !project.FallbackEnabled {
		return validationFailed(c, fieldErr("fallback_enabled", "INVALID_COMBINATION",
			"hybrid archive_source requires fallback_enabled"))
	}
	if err := applyArchiveConfig(&project.ArchiveConfig, req.ArchiveConfig); err != nil {
		return validationFailed(c, err)
	}

	updated, err := st.UpdateProject(c.Context(), project)
	if err != nil {
		return internalError(c, err)
	}
	body := projectBody(updated)
	return c.JSON(ProjectResponse{Success: true, Project: &body})
}

func deleteProjectHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid project id")
	}
	if err := st.DeleteProject(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResp(c, "project not found")
		}
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

type TargetResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
	Target  *TargetBody `json:"target,omitempty"`
}

type TargetListResponse struct {
	Success bool         `json:"success"`
	Targets []TargetBody `json:"targets"`
}

// targetFromRequest validates a target body and converts it to the model
// shape. Dates normalize to the compact archive form.
func targetFromRequest(req *CreateTargetRequest) (*model.Target, error) {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		return nil, fieldErr("domain", "REQUIRED", "domain is required")
	}
	if strings.Contains(domain, "://") || strings.Contains(domain, "/") {
		return nil, fieldErr("domain", "INVALID_FORMAT", "must be a bare hostname, not a URL")
	}
	matchType := model.MatchHostExact
	if req.MatchType != "" {
		mt, ok := validMatchTypes[req.MatchType]
		if !ok {
			return nil, fieldErr("match_type", "INVALID_ENUM",
				"valid values are host_exact, subdomain, prefix")
		}
		matchType = mt
	}
	if matchType == model.MatchPrefix && strings.TrimSpace(req.URLPath) == "" {
		return nil, fieldErr("url_path", "REQUIRED", "prefix match requires url_path")
	}
	from, ok := normalizeDate(req.FromDate)
	if !ok {
		return nil, fieldErr("from_date", "INVALID_DATE", "expected YYYY-MM-DD or YYYYMMDD")
	}
	to, ok := normalizeDate(req.ToDate)
	if !ok {
		return nil, fieldErr("to_date", "INVALID_DATE", "expected YYYY-MM-DD or YYYYMMDD")
	}
	if from > to {
		return nil, fieldErr("from_date", "INVALID_RANGE", "must not be after to_date")
	}
	return &model.Target{
		Domain:             domain,
		MatchType:          matchType,
		URLPath:            req.URLPath,
		FromDate:           from,
		ToDate:             to,
		IncludeAttachments: req.IncludeAttachments,
	}, nil
}

func createTargetHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}

	var req CreateTargetRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	target, err := targetFromRequest(&req)
	if err != nil {
		return validationFailed(c, err)
	}
	target.ProjectID = project.ID

	created, err := st.CreateTarget(c.Context(), target)
	if err != nil {
		return internalError(c, err)
	}
	body := targetBody(created)
	return c.Status(fiber.StatusCreated).JSON(TargetResponse{Success: true, Target: &body})
}

func listTargetsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	targets, err := st.ListTargets(c.Context(), project.ID)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]TargetBody, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetBody(t))
	}
	return c.JSON(TargetListResponse{Success: true, Targets: out})
}

func deleteTargetHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid target id")
	}
	if err := st.DeleteTarget(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResp(c, "target not found")
		}
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

type StartScrapeResponse struct {
	Success bool         `json:"success"`
	Code    string       `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
	Session *SessionBody `json:"session,omitempty"`
	JobID   string       `json:"job_id,omitempty"`
}

// startScrapeHandler opens a session and enqueues the discovery job. The
// session id is usable for polling immediately.
func startScrapeHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)
	engine := c.Locals("engine").(*jobs.Engine)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	if project.Status == "archived" {
		return badRequest(c, "project is archived")
	}

	var req StartScrapeRequest
	if len(c.Body()) > 0 {
		if err := decodeStrict(c, &req); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.FromDate != "" {
		d, ok := normalizeDate(req.FromDate)
		if !ok {
			return validationFailed(c, fieldErr("from_date", "INVALID_DATE", "expected YYYY-MM-DD or YYYYMMDD"))
		}
		req.FromDate = d
	}
	if req.ToDate != "" {
		d, ok := normalizeDate(req.ToDate)
		if !ok {
			return validationFailed(c, fieldErr("to_date", "INVALID_DATE", "expected YYYY-MM-DD or YYYYMMDD"))
		}
		req.ToDate = d
	}
	if req.FromDate != "" && req.ToDate != "" && req.FromDate > req.ToDate {
		return validationFailed(c, fieldErr("from_date", "INVALID_RANGE", "must not be after to_date"))
	}

	targets, err := st.ListTargets(c.Context(), project.ID)
	if err != nil {
		return internalError(c, err)
	}
	if len(targets) == 0 {
		return badRequest(c, "project has no targets to scrape")
	}

	session, err := st.CreateSession(c.Context(), project.ID, req.FromDate, req.ToDate)
	if err != nil {
		return internalError(c, err)
	}

	projectID := project.ID
	job, err := engine.Enqueue(c.Context(), model.JobTypeScrapeProject, pipeline.ScrapeProjectPayload{
		ProjectID: project.ID,
		SessionID: session.ID,
		FromDate:  req.FromDate,
		ToDate:    req.ToDate,
	}, &projectID, &session.ID, nil)
	if errors.Is(err, jobs.ErrQueueFull) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false, Code: "QUEUE_FULL", Error: err.Error(),
		})
	}
	if err != nil {
		return internalError(c, err)
	}

	body := sessionBody(session)
	return c.Status(fiber.StatusAccepted).JSON(StartScrapeResponse{
		Success: true,
		Session: &body,
		JobID:   job.ID.String(),
	})
}
