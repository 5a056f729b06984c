package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plogdev/plog-backend/internal/models"
)

// CreateProject inserts a project row. Project CRUD is owned by the wider
// platform; controllers and tests seed through this.
func (r *SQLiteRepository) CreateProject(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (title, summary, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.Title, p.Summary, p.Description, now, now)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProject returns a project by id, or ErrNotFound.
func (r *SQLiteRepository) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var p models.Project
	err := r.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}
