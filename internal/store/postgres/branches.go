package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const branchColumns = `branch_id, name, timezone, queue_status, notify_at_position, auto_queue,
	opening_time, closing_time, closed_on_weekends`

func scanBranch(row pgx.Row) (models.Branch, error) {
	var b models.Branch
	err := row.Scan(&b.BranchID, &b.Name, &b.Timezone, &b.QueueStatus, &b.NotifyAtPosition, &b.AutoQueue,
		&b.OpeningTime, &b.ClosingTime, &b.ClosedOnWeekends)
	return b, err
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	branch, err := scanBranch(s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE branch_id = $1`, branchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) ListAutoQueueBranches(ctx context.Context) ([]models.Branch, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+branchColumns+` FROM branches WHERE auto_queue ORDER BY branch_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, branch)
	}
	return out, rows.Err()
}

func (s *Store) SetQueueStatus(ctx context.Context, branchID, status string, from ...string) (models.Branch, error) {
	if from == nil {
		from = []string{}
	}
	branch, err := scanBranch(s.pool.QueryRow(ctx, `
		UPDATE branches SET queue_status = $2
		WHERE branch_id = $1 AND (cardinality($3::text[]) = 0 OR queue_status = ANY($3::text[]))
		RETURNING `+branchColumns, branchID, status, from))
	if err == nil {
		return branch, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Branch{}, err
	}
	current, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return models.Branch{}, err
	}
	return models.Branch{}, fmt.Errorf("%w: queue %s to %s", store.ErrInvalidTransition, current.QueueStatus, status)
}

func (s *Store) UpdateSchedule(ctx context.Context, input store.ScheduleInput) (models.Branch, error) {
	branch, err := scanBranch(s.pool.QueryRow(ctx, `
		UPDATE branches
		SET auto_queue = $2, opening_time = $3, closing_time = $4, closed_on_weekends = $5
		WHERE branch_id = $1
		RETURNING `+branchColumns, input.BranchID, input.AutoQueue, input.OpeningTime, input.ClosingTime, input.ClosedOnWeekends))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var sv models.Service
	err := s.pool.QueryRow(ctx, `
		SELECT service_id, branch_id, name, prefix, avg_service_mins, active
		FROM services
		WHERE service_id = $1
	`, serviceID).Scan(&sv.ServiceID, &sv.BranchID, &sv.Name, &sv.Prefix, &sv.AvgServiceMins, &sv.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return sv, nil
}

func (s *Store) ListServices(ctx context.Context, branchID string) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, branch_id, name, prefix, avg_service_mins, active
		FROM services
		WHERE branch_id = $1
		ORDER BY prefix
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Service
	for rows.Next() {
		var sv models.Service
		if err := rows.Scan(&sv.ServiceID, &sv.BranchID, &sv.Name, &sv.Prefix, &sv.AvgServiceMins, &sv.Active); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}
