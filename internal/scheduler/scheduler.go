// Package scheduler provides the one-shot, time-based External Scheduler the
// engine delegates debounce waits to.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrScheduleNotFound is returned by Update and Delete for an unknown name.
var ErrScheduleNotFound = errors.New("external schedule not found")

// Scheduler registers one-shot timers that call back into the engine with
// their payload when they fire.
type Scheduler interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string, fireAt time.Time, payload []byte) (string, error)
	Update(ctx context.Context, name string, fireAt time.Time, payload []byte) (string, error)
	Delete(ctx context.Context, name string) error
}

// Payload is the body every external schedule carries.
type Payload struct {
	ScheduleID string `json:"schedule_id"`
}

func EncodePayload(scheduleID string) []byte {
	b, _ := json.Marshal(Payload{ScheduleID: scheduleID})
	return b
}

func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode schedule payload: %w", err)
	}
	if p.ScheduleID == "" {
		return p, errors.New("schedule payload missing schedule_id")
	}
	return p, nil
}
