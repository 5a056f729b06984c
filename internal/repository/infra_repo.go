package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/plogdev/plog-backend/internal/models"
)

// ListServerInfra returns the whole inventory for a namespace.
func (r *SQLiteRepository) ListServerInfra(ctx context.Context, namespace string) ([]models.ServerInfra, error) {
	var out []models.ServerInfra
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM server_infra WHERE namespace = ? ORDER BY group_name, name`, namespace)
	return out, err
}

// ListServerInfraBySpec returns all pods bound to a spec.
func (r *SQLiteRepository) ListServerInfraBySpec(ctx context.Context, specID int64) ([]models.ServerInfra, error) {
	var out []models.ServerInfra
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM server_infra WHERE spec_id = ? ORDER BY name`, specID)
	return out, err
}

// InsertServerInfraTx inserts one inventory row inside a discovery-tick
// transaction. A duplicate (namespace, name) reports ErrConflict so the tick
// rolls back and retries next interval.
func InsertServerInfraTx(ctx context.Context, tx *sqlx.Tx, si *models.ServerInfra) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO server_infra (spec_id, namespace, name, group_name, resource_type, environment, service_type, labels)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		si.SpecID, si.Namespace, si.Name, si.GroupName, si.ResourceType, si.Environment, si.ServiceType, si.Labels)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("server infra %s/%s: %w", si.Namespace, si.Name, ErrConflict)
		}
		return err
	}
	si.ID, err = res.LastInsertId()
	return err
}

// DeleteServerInfraTx removes a pod's inventory row. Resource time-series
// rows referencing it by id are kept; they do not own the row.
func DeleteServerInfraTx(ctx context.Context, tx *sqlx.Tx, namespace, name string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM server_infra WHERE namespace = ? AND name = ?`, namespace, name)
	return err
}

// InfraForJob walks TestHistory → Scenario → Endpoint → version → spec →
// ServerInfra and returns the distinct pods observing a running job.
func (r *SQLiteRepository) InfraForJob(ctx context.Context, jobName string) ([]models.ServerInfra, error) {
	var out []models.ServerInfra
	err := r.db.SelectContext(ctx, &out, `
		SELECT DISTINCT si.* FROM server_infra si
		JOIN endpoints e ON e.id IN (
			SELECT sh.endpoint_id FROM scenario_histories sh
			JOIN test_histories th ON th.id = sh.test_history_id
			WHERE th.job_name = ? AND sh.endpoint_id IS NOT NULL
		)
		JOIN openapi_spec_versions v ON v.id = e.version_id
		WHERE si.spec_id = v.spec_id
		ORDER BY si.name`, jobName)
	return out, err
}

// InfraForScenario resolves the pods bound to one scenario's endpoint spec.
func (r *SQLiteRepository) InfraForScenario(ctx context.Context, scenarioID int64) ([]models.ServerInfra, error) {
	var out []models.ServerInfra
	err := r.db.SelectContext(ctx, &out, `
		SELECT si.* FROM server_infra si
		JOIN openapi_spec_versions v ON v.spec_id = si.spec_id
		JOIN endpoints e ON e.version_id = v.id
		JOIN scenario_histories sh ON sh.endpoint_id = e.id
		WHERE sh.id = ?
		ORDER BY si.name`, scenarioID)
	return out, err
}
