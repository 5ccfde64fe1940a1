package repo

import (
	"context"

	"tributary/internal/domain"
)

const localScheduleColumns = `name,fire_at,payload,created_at,updated_at`

func (r Repo) InsertLocalSchedule(ctx context.Context, q Querier, s domain.LocalSchedule) error {
	_, err := exec(ctx, q, `INSERT INTO local_schedules(`+localScheduleColumns+`) VALUES (?,?,?,?,?)`,
		s.Name, s.FireAt, s.Payload, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateLocalSchedule returns ErrNotFound when no row carries the name.
func (r Repo) UpdateLocalSchedule(ctx context.Context, q Querier, s domain.LocalSchedule) error {
	return execOne(ctx, q, `UPDATE local_schedules SET fire_at=?, payload=?, updated_at=? WHERE name=?`,
		s.FireAt, s.Payload, s.UpdatedAt, s.Name)
}

func (r Repo) GetLocalSchedule(ctx context.Context, q Querier, name string) (domain.LocalSchedule, error) {
	var s domain.LocalSchedule
	err := get(ctx, q, &s, `SELECT `+localScheduleColumns+` FROM local_schedules WHERE name=?`, name)
	return s, err
}

func (r Repo) DeleteLocalSchedule(ctx context.Context, q Querier, name string) error {
	return execOne(ctx, q, `DELETE FROM local_schedules WHERE name=?`, name)
}

// DueLocalSchedules returns schedules whose fire time is at or before ts, oldest first.
func (r Repo) DueLocalSchedules(ctx context.Context, q Querier, ts string, limit int) ([]domain.LocalSchedule, error) {
	var res []domain.LocalSchedule
	err := sel(ctx, q, &res, `SELECT `+localScheduleColumns+` FROM local_schedules WHERE fire_at <= ? ORDER BY fire_at, name LIMIT ?`,
		ts, normalizeLimit(limit))
	return res, err
}
