package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// ProjectPolicyRestoreReadyOnIngestFailure names the observed ingest
// failure behavior: a project in `initializing` returns to `ready` and is
// never auto-deleted. Call sites reference this constant so the choice is
// explicit rather than incidental.
const ProjectPolicyRestoreReadyOnIngestFailure = true

// CreateProject inserts a new project in the initializing state.
func (s *Store) CreateProject(ctx context.Context, ownerID, name string) (*types.Project, error) {
	p := &types.Project{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           name,
		LifecycleState: types.ProjectInitializing,
	}
	const q = `
		INSERT INTO projects (id, owner_id, name, lifecycle_state)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.OwnerID, p.Name, p.LifecycleState); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

// SetProjectState transitions a project's lifecycle state.
func (s *Store) SetProjectState(ctx context.Context, id string, state types.ProjectState) error {
	const q = `UPDATE projects SET lifecycle_state = $2, updated_at = now() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, state)
	if err != nil {
		return fmt.Errorf("set project state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddProjectMember grants a user membership on a project.
func (s *Store) AddProjectMember(ctx context.Context, projectID, userID string) error {
	const q = `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, projectID, userID); err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}
