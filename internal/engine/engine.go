// Package engine is the orchestration core: the table dependency graph, the
// execution ledger, readiness resolution, the trigger cascade, the debounce
// and approval state machine, fire-time dispatch and completion callbacks.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tributary/internal/dispatch"
	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/logging"
	"tributary/internal/repo"
	"tributary/internal/scheduler"
)

// Dispatcher delivers a rendered payload downstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Templater renders payload templates against the fire-time context.
type Templater interface {
	Render(tmpl string, data map[string]any) (any, error)
	Validate(tmpl string) error
}

const (
	DefaultNamePrefix      = "trib-"
	DefaultDispatchTimeout = 30 * time.Second
)

type Engine struct {
	Repo       repo.Repo
	Scheduler  scheduler.Scheduler
	Dispatcher Dispatcher
	Templater  Templater
	Logger     *zap.Logger
	// NamePrefix is prepended to schedule ids to name external schedules.
	NamePrefix      string
	DispatchTimeout time.Duration
	Now             func() time.Time
}

func New(db *sqlx.DB, sched scheduler.Scheduler, d Dispatcher, t Templater, logger *zap.Logger) Engine {
	return Engine{
		Repo:            repo.Repo{DB: db},
		Scheduler:       sched,
		Dispatcher:      d,
		Templater:       t,
		Logger:          logging.OrNop(logger),
		NamePrefix:      DefaultNamePrefix,
		DispatchTimeout: DefaultDispatchTimeout,
		Now:             time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string { return domain.FormatTime(e.now()) }

func (e Engine) log() *zap.Logger { return logging.OrNop(e.Logger) }

func (e Engine) emit(ctx context.Context, q repo.Querier, evtType, kind, id, actorID string, payload events.EventPayload) error {
	if err := (events.Writer{Now: e.now}).Append(ctx, q, evtType, kind, id, actorID, payload); err != nil {
		return persist("append event "+evtType, err)
	}
	return nil
}

// tx runs fn in a repository transaction and classifies leftover store errors.
func (e Engine) tx(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	return persist(op, e.Repo.WithTx(ctx, fn))
}

func (e Engine) externalName(scheduleID string) string {
	prefix := e.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return prefix + scheduleID
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
