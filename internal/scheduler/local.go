package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tributary/internal/domain"
	"tributary/internal/repo"
)

// Local keeps schedules in the local_schedules table. It shares the engine's
// store and joins the caller's transaction when the context carries one, so
// timer rows commit or roll back with the schedule they belong to.
type Local struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewLocal(r repo.Repo) *Local {
	return &Local{Repo: r, Now: time.Now}
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Local) Exists(ctx context.Context, name string) (bool, error) {
	_, err := l.Repo.GetLocalSchedule(ctx, l.Repo.Conn(ctx), name)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) Create(ctx context.Context, name string, fireAt time.Time, payload []byte) (string, error) {
	now := domain.FormatTime(l.now())
	err := l.Repo.InsertLocalSchedule(ctx, l.Repo.Conn(ctx), domain.LocalSchedule{
		Name:      name,
		FireAt:    domain.FormatTime(fireAt),
		Payload:   string(payload),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return "", fmt.Errorf("local schedule %s already exists", name)
		}
		return "", err
	}
	return ref(name), nil
}

func (l *Local) Update(ctx context.Context, name string, fireAt time.Time, payload []byte) (string, error) {
	err := l.Repo.UpdateLocalSchedule(ctx, l.Repo.Conn(ctx), domain.LocalSchedule{
		Name:      name,
		FireAt:    domain.FormatTime(fireAt),
		Payload:   string(payload),
		UpdatedAt: domain.FormatTime(l.now()),
	})
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrScheduleNotFound
	}
	if err != nil {
		return "", err
	}
	return ref(name), nil
}

func (l *Local) Delete(ctx context.Context, name string) error {
	err := l.Repo.DeleteLocalSchedule(ctx, l.Repo.Conn(ctx), name)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrScheduleNotFound
	}
	return err
}

// Due lists schedules whose fire time has passed.
func (l *Local) Due(ctx context.Context, limit int) ([]domain.LocalSchedule, error) {
	return l.Repo.DueLocalSchedules(ctx, l.Repo.Conn(ctx), domain.FormatTime(l.now()), limit)
}

func ref(name string) string { return "local:" + name }
