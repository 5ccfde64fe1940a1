package repo

import (
	"context"

	"tributary/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before is an event id cursor; only older events are returned.
	Before string
	Limit  int
}

// ListEvents returns audit events newest first. Event ids are time-ordered.
func (r Repo) ListEvents(ctx context.Context, q Querier, f EventFilters) ([]domain.Event, error) {
	w := filter{}
	if f.Type != "" {
		w.add("type=?", f.Type)
	}
	if f.EntityKind != "" {
		w.add("entity_kind=?", f.EntityKind)
	}
	if f.EntityID != "" {
		w.add("entity_id=?", f.EntityID)
	}
	if f.Before != "" {
		w.add("id<?", f.Before)
	}
	args := append(w.args, normalizeLimit(f.Limit))
	var res []domain.Event
	err := sel(ctx, q, &res, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events `+w.where()+` ORDER BY id DESC LIMIT ?`, args...)
	return res, err
}

// EventsAfter returns up to limit events newer than the id cursor, oldest
// first. An empty cursor starts from the beginning.
func (r Repo) EventsAfter(ctx context.Context, q Querier, after string, limit int) ([]domain.Event, error) {
	var res []domain.Event
	err := sel(ctx, q, &res, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`,
		after, normalizeLimit(limit))
	return res, err
}

// LatestEventID returns the newest event id, or "" on an empty log.
func (r Repo) LatestEventID(ctx context.Context, q Querier) (string, error) {
	var id string
	err := get(ctx, q, &id, `SELECT id FROM events ORDER BY id DESC LIMIT 1`)
	if err == ErrNotFound {
		return "", nil
	}
	return id, err
}
