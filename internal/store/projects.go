package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/model"
)

const projectColumns = `id, owner_ref, name, description, archive_source,
	fallback_enabled, archive_config, status, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*model.Project, error) {
	var p model.Project
	var cfg []byte
	err := row.Scan(&p.ID, &p.OwnerRef, &p.Name, &p.Description, &p.ArchiveSource,
		&p.FallbackEnabled, &cfg, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &p.ArchiveConfig); err != nil {
			return nil, fmt.Errorf("decode archive config: %w", err)
		}
	}
	return &p, nil
}

// CreateProject inserts a project row and returns it. New projects start in
// no_index until their first scrape materializes content.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	cfg, err := json.Marshal(p.ArchiveConfig)
	if err != nil {
		return nil, fmt.Errorf("encode archive config: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO projects (id, owner_ref, name, description, archive_source, fallback_enabled, archive_config, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'no_index')
		RETURNING `+projectColumns,
		uuid.New(), p.OwnerRef, p.Name, p.Description, p.ArchiveSource, p.FallbackEnabled, cfg)
	return scanProject(row)
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// ListProjects returns projects for an owner, newest first.
func (s *Store) ListProjects(ctx context.Context, ownerRef uuid.UUID, limit, offset int) ([]*model.Project, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE owner_ref = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerRef, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject persists mutated project fields. Source and fallback
// changes apply to future runs only; in-flight work keeps its resolved
// policy.
func (s *Store) UpdateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	cfg, err := json.Marshal(p.ArchiveConfig)
	if err != nil {
		return nil, fmt.Errorf("encode archive config: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
		UPDATE projects
		SET name = $2, description = $3, archive_source = $4, fallback_enabled = $5,
		    archive_config = $6, status = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+projectColumns,
		p.ID, p.Name, p.Description, p.ArchiveSource, p.FallbackEnabled, cfg, p.Status)
	return scanProject(row)
}

// DeleteProject removes a project; dependent rows cascade.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const targetColumns = `id, project_id, domain, match_type, url_path,
	from_date, to_date, include_attachments, created_at`

func scanTarget(row interface{ Scan(...any) error }) (*model.Target, error) {
	var t model.Target
	err := row.Scan(&t.ID, &t.ProjectID, &t.Domain, &t.MatchType, &t.URLPath,
		&t.FromDate, &t.ToDate, &t.IncludeAttachments, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateTarget inserts a target. Duplicate identity tuples return the
// existing row instead of erroring.
func (s *Store) CreateTarget(ctx context.Context, t *model.Target) (*model.Target, error) {
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO targets (id, project_id, domain, match_type, url_path, from_date, to_date, include_attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+targetColumns,
		uuid.New(), t.ProjectID, t.Domain, t.MatchType, t.URLPath, t.FromDate, t.ToDate, t.IncludeAttachments)
	created, err := scanTarget(row)
	if err == nil {
		return created, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	existing := s.DB.QueryRowContext(ctx, `
		SELECT `+targetColumns+` FROM targets
		WHERE project_id = $1 AND domain = $2 AND match_type = $3 AND url_path = $4 AND from_date = $5 AND to_date = $6`,
		t.ProjectID, t.Domain, t.MatchType, t.URLPath, t.FromDate, t.ToDate)
	return scanTarget(existing)
}

// GetTarget fetches one target by id.
func (s *Store) GetTarget(ctx context.Context, id uuid.UUID) (*model.Target, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	return scanTarget(row)
}

// ListTargets returns a project's targets in creation order.
func (s *Store) ListTargets(ctx context.Context, projectID uuid.UUID) ([]*model.Target, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+targetColumns+` FROM targets WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes a target and cascades its pages.
func (s *Store) DeleteTarget(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProject bumps updated_at; used after child mutations that should
// surface in project listings.
func (s *Store) TouchProject(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE projects SET updated_at = $2 WHERE id = $1`, id, at)
	return err
}
