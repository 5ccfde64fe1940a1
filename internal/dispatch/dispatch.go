// Package dispatch sends rendered task payloads to downstream systems. One
// Target exists per method tag; the Dispatcher routes a Request to it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tributary/internal/domain"
	"tributary/internal/logging"
)

// Result is the normalized outcome of a dispatch.
type Result struct {
	StatusCode     int    `json:"status_code"`
	Identification string `json:"identification"`
	RawResponse    string `json:"raw_response,omitempty"`
}

// Target delivers a JSON body to one kind of downstream system.
type Target interface {
	Send(ctx context.Context, destination string, body []byte) (Result, error)
}

// Metadata is attached to every dispatched payload.
type Metadata struct {
	ExecutionID string `json:"execution_id"`
	TableID     string `json:"table_id"`
	Source      string `json:"source"`
	Timestamp   string `json:"timestamp"`
	ScheduleID  string `json:"schedule_id"`
}

type Request struct {
	Method      domain.DispatchMethod
	Destination string
	RoleArn     string
	Payload     any
	Metadata    Metadata
}

// Envelope is the body a Target receives.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  any      `json:"payload"`
}

// RoleTargets builds the target set acting under an assumed role.
type RoleTargets func(roleArn string) map[domain.DispatchMethod]Target

type Dispatcher struct {
	targets map[domain.DispatchMethod]Target
	roles   RoleTargets
	logger  *zap.Logger

	mu        sync.Mutex
	roleCache map[string]map[domain.DispatchMethod]Target
}

type Option func(*Dispatcher)

// WithRoleTargets enables per-executor role assumption.
func WithRoleTargets(fn RoleTargets) Option {
	return func(d *Dispatcher) { d.roles = fn }
}

func New(targets map[domain.DispatchMethod]Target, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		targets:   targets,
		logger:    logging.OrNop(logger),
		roleCache: map[string]map[domain.DispatchMethod]Target{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) targetsFor(roleArn string) map[domain.DispatchMethod]Target {
	if roleArn == "" || d.roles == nil {
		return d.targets
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.roleCache[roleArn]; ok {
		return t
	}
	t := d.roles(roleArn)
	d.roleCache[roleArn] = t
	return t
}

// Dispatch wraps the payload with its metadata and sends it. Target panics
// are returned as errors; a cancelled or expired ctx is an error even if the
// target returned none.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	log := d.logger.With(zap.String("method", string(req.Method)), zap.String("destination", req.Destination),
		zap.String("schedule_id", req.Metadata.ScheduleID))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("target panicked: %v", p)
		}
		if err != nil {
			log.Warn("dispatch failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			return
		}
		log.Info("dispatched", zap.Int("status_code", res.StatusCode), zap.String("identification", res.Identification),
			zap.Duration("elapsed", time.Since(start)))
	}()

	t, ok := d.targetsFor(req.RoleArn)[req.Method]
	if !ok {
		return Result{}, fmt.Errorf("no target for method %q", req.Method)
	}
	if req.Destination == "" {
		return Result{}, fmt.Errorf("empty destination")
	}
	body, err := json.Marshal(Envelope{Metadata: req.Metadata, Payload: req.Payload})
	if err != nil {
		return Result{}, fmt.Errorf("encode payload: %w", err)
	}
	res, err = t.Send(ctx, req.Destination, body)
	if err != nil {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}
