package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/repo"
)

// CascadeReport summarizes one cascade from a source table.
type CascadeReport struct {
	SourceTableID string   `json:"source_table_id"`
	ExecutionID   string   `json:"execution_id,omitempty"`
	Dependents    []string `json:"dependents"`
	Ready         []string `json:"ready"`
	// Scheduled holds the ids of schedules created or postponed.
	Scheduled []string `json:"scheduled"`
	Errors    int      `json:"errors"`
	Failures  []string `json:"failures,omitempty"`
}

// Cascade evaluates every direct dependent of the source table against the
// source's latest execution and registers or postpones the tasks of those
// that are ready. A failing dependent is counted and logged; the others are
// still processed.
func (e Engine) Cascade(ctx context.Context, sourceTableID string) (CascadeReport, error) {
	report := CascadeReport{SourceTableID: sourceTableID, Dependents: []string{}, Ready: []string{}, Scheduled: []string{}}
	q := e.Repo.DB
	trigger, err := e.Repo.LatestExecution(ctx, q, sourceTableID)
	if err != nil {
		return report, persist("latest execution", err)
	}
	if trigger == nil {
		return report, nil
	}
	report.ExecutionID = trigger.ID
	dependents, err := e.Repo.ListDependents(ctx, q, sourceTableID)
	if err != nil {
		return report, persist("list dependents", err)
	}
	seed := trigger.Values()
	log := e.log().With(zap.String("source_table_id", sourceTableID), zap.String("execution_id", trigger.ID),
		zap.String("partitions", repo.CanonicalValues(seed)))
	for _, d := range dependents {
		report.Dependents = append(report.Dependents, d.Name)
		scheduled, ready, err := e.cascadeInto(ctx, d, *trigger, seed)
		report.Scheduled = append(report.Scheduled, scheduled...)
		if ready {
			report.Ready = append(report.Ready, d.Name)
		}
		if err != nil {
			report.Errors++
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", d.Name, err))
			log.Error("cascade into dependent failed", zap.String("dependent", d.Name), zap.Error(err))
			continue
		}
		if !ready {
			log.Debug("dependent not ready", zap.String("dependent", d.Name))
		}
	}
	if err := e.emit(ctx, q, events.CascadeCompleted, "table", sourceTableID, "", events.EventPayload{
		"execution_id": trigger.ID,
		"dependents":   report.Dependents,
		"ready":        report.Ready,
		"scheduled":    report.Scheduled,
		"errors":       report.Errors,
	}); err != nil {
		log.Warn("record cascade event failed", zap.Error(err))
	}
	log.Info("cascade completed", zap.Int("dependents", len(report.Dependents)), zap.Int("ready", len(report.Ready)),
		zap.Int("scheduled", len(report.Scheduled)), zap.Int("errors", report.Errors))
	return report, nil
}

// cascadeInto resolves one dependent over its full dependency set and, when
// ready, registers each of its bound tasks. Each task registration is its own
// transaction.
func (e Engine) cascadeInto(ctx context.Context, d domain.Table, trigger domain.TableExecution, seed map[string]string) ([]string, bool, error) {
	q := e.Repo.DB
	res, err := e.resolve(ctx, q, d.ID, seed)
	if err != nil {
		return nil, false, err
	}
	if !res.Ready {
		return nil, false, nil
	}
	tasks, err := e.Repo.ListTaskTables(ctx, q, d.ID)
	if err != nil {
		return nil, true, persist("list task bindings", err)
	}
	if len(tasks) == 0 {
		return nil, true, nil
	}
	depExec, err := e.latestCompatible(ctx, q, d.ID, seed)
	if err != nil {
		return nil, true, err
	}
	snapshot := domain.PartitionSnapshot{Seed: seed, Dependencies: res.Dependencies}
	var scheduled []string
	var firstErr error
	for _, tt := range tasks {
		s, err := e.RegisterOrPostpone(ctx, RegisterRequest{
			Table:               d,
			Task:                tt,
			Trigger:             trigger,
			DependencyExecution: depExec,
			Partitions:          snapshot,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("task %s: %w", tt.Alias, err)
			}
			continue
		}
		scheduled = append(scheduled, s.ID)
	}
	return scheduled, true, firstErr
}
