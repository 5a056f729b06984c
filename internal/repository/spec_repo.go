package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/plogdev/plog-backend/internal/models"
)

// GetSpecByBaseURL returns the spec registered under (projectID, baseURL),
// or ErrNotFound. projectID may be nil for specs discovered before a project
// claims them.
func (r *SQLiteRepository) GetSpecByBaseURL(ctx context.Context, projectID *int64, baseURL string) (*models.OpenAPISpec, error) {
	var spec models.OpenAPISpec
	var err error
	if projectID != nil {
		err = r.db.GetContext(ctx, &spec,
			`SELECT * FROM openapi_specs WHERE project_id = ? AND base_url = ?`, *projectID, baseURL)
	} else {
		err = r.db.GetContext(ctx, &spec,
			`SELECT * FROM openapi_specs WHERE project_id IS NULL AND base_url = ?`, baseURL)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &spec, err
}

// GetSpec returns a spec by id, or ErrNotFound.
func (r *SQLiteRepository) GetSpec(ctx context.Context, id int64) (*models.OpenAPISpec, error) {
	var spec models.OpenAPISpec
	err := r.db.GetContext(ctx, &spec, `SELECT * FROM openapi_specs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &spec, err
}

// ParsedEndpoint bundles an endpoint with its parameters for bulk insert.
type ParsedEndpoint struct {
	Endpoint   models.Endpoint
	Parameters []models.Parameter
}

// RegisterSpecVersion registers a parsed OpenAPI document in one transaction:
// re-registering an existing base_url adds a new version to that spec instead
// of a new spec row, all sibling versions are deactivated, and the new
// version's endpoints and parameters are inserted. Returns the spec id and
// the new active version id.
func (r *SQLiteRepository) RegisterSpecVersion(
	ctx context.Context,
	projectID *int64,
	title, version, baseURL string,
	commitHash *string,
	endpoints []ParsedEndpoint,
) (specID, versionID int64, err error) {
	err = r.WithTx(ctx, func(tx *sqlx.Tx) error {
		specID, err = upsertSpec(ctx, tx, projectID, title, version, baseURL)
		if err != nil {
			return err
		}

		// Invariant: at most one active version per spec.
		if _, err := tx.ExecContext(ctx,
			`UPDATE openapi_spec_versions SET is_active = 0 WHERE spec_id = ?`, specID); err != nil {
			return fmt.Errorf("deactivate versions: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO openapi_spec_versions (spec_id, created_at, commit_hash, is_active) VALUES (?, ?, ?, 1)`,
			specID, time.Now().UTC(), commitHash)
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
		versionID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, pe := range endpoints {
			epRes, err := tx.ExecContext(ctx,
				`INSERT INTO endpoints (version_id, path, method, summary, description, tag_name, tag_description)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				versionID, pe.Endpoint.Path, pe.Endpoint.Method, pe.Endpoint.Summary,
				pe.Endpoint.Description, pe.Endpoint.TagName, pe.Endpoint.TagDescription)
			if err != nil {
				return fmt.Errorf("insert endpoint %s %s: %w", pe.Endpoint.Method, pe.Endpoint.Path, err)
			}
			endpointID, err := epRes.LastInsertId()
			if err != nil {
				return err
			}
			for _, p := range pe.Parameters {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO parameters (endpoint_id, kind, name, required, value_type, title, description, default_value)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					endpointID, p.Kind, p.Name, p.Required, p.ValueType, p.Title, p.Description, p.DefaultValue); err != nil {
					return fmt.Errorf("insert parameter %s: %w", p.Name, err)
				}
			}
		}
		return nil
	})
	return specID, versionID, err
}

func upsertSpec(ctx context.Context, tx *sqlx.Tx, projectID *int64, title, version, baseURL string) (int64, error) {
	var existing models.OpenAPISpec
	var err error
	if projectID != nil {
		err = tx.GetContext(ctx, &existing,
			`SELECT * FROM openapi_specs WHERE project_id = ? AND base_url = ?`, *projectID, baseURL)
	} else {
		err = tx.GetContext(ctx, &existing,
			`SELECT * FROM openapi_specs WHERE project_id IS NULL AND base_url = ?`, baseURL)
	}
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE openapi_specs SET title = ?, version = ? WHERE id = ?`, title, version, existing.ID); err != nil {
			return 0, err
		}
		return existing.ID, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO openapi_specs (project_id, title, version, base_url) VALUES (?, ?, ?, ?)`,
			projectID, title, version, baseURL)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("spec %s: %w", baseURL, ErrConflict)
			}
			return 0, err
		}
		return res.LastInsertId()
	default:
		return 0, err
	}
}

// ActiveVersion returns the single active version for a spec, or ErrNotFound.
func (r *SQLiteRepository) ActiveVersion(ctx context.Context, specID int64) (*models.OpenAPISpecVersion, error) {
	var v models.OpenAPISpecVersion
	err := r.db.GetContext(ctx, &v,
		`SELECT * FROM openapi_spec_versions WHERE spec_id = ? AND is_active = 1`, specID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &v, err
}

// ListVersions returns all versions of a spec, newest first.
func (r *SQLiteRepository) ListVersions(ctx context.Context, specID int64) ([]models.OpenAPISpecVersion, error) {
	var out []models.OpenAPISpecVersion
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM openapi_spec_versions WHERE spec_id = ? ORDER BY created_at DESC, id DESC`, specID)
	return out, err
}

// ListEndpoints returns the endpoints of a version.
func (r *SQLiteRepository) ListEndpoints(ctx context.Context, versionID int64) ([]models.Endpoint, error) {
	var out []models.Endpoint
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM endpoints WHERE version_id = ? ORDER BY path, method`, versionID)
	return out, err
}

// ListParameters returns the parameters of an endpoint.
func (r *SQLiteRepository) ListParameters(ctx context.Context, endpointID int64) ([]models.Parameter, error) {
	var out []models.Parameter
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM parameters WHERE endpoint_id = ? ORDER BY kind, name`, endpointID)
	return out, err
}

// GetEndpoint returns an endpoint by id, or ErrNotFound.
func (r *SQLiteRepository) GetEndpoint(ctx context.Context, id int64) (*models.Endpoint, error) {
	var ep models.Endpoint
	err := r.db.GetContext(ctx, &ep, `SELECT * FROM endpoints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &ep, err
}
