package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/domain"
	"tributary/internal/engine"
)

func TestCascadeWaitsForEveryRequiredDependency(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, false)

	res := env.record(t, "A", map[string]string{"x": "1"})
	assert.Equal(t, []string{"C"}, res.Cascade.Dependents)
	assert.Empty(t, res.Cascade.Ready)
	assert.Empty(t, env.schedules(t, ""))

	env.record(t, "B", map[string]string{"x": "2"})
	assert.Empty(t, env.schedules(t, ""), "B=2 is not compatible with A=1")

	res = env.record(t, "B", map[string]string{"x": "1"})
	assert.Equal(t, []string{"C"}, res.Cascade.Ready)
	require.Len(t, res.Cascade.Scheduled, 1)

	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)
	s := pending[0]
	assert.Equal(t, "C_load_None_x1", s.UniqueAlias)
	assert.Equal(t, res.Execution.ID, s.TriggerExecutionID)
	assert.Equal(t, domain.FormatTime(env.Clock.Now().Add(30*time.Second)), s.FireAt)
	assert.Equal(t, "fake:trib-"+s.ID, s.ExternalRef)

	timer, ok := env.Sched.timerFor(s.ID)
	require.True(t, ok)
	assert.True(t, timer.fireAt.Equal(env.Clock.Now().Add(30*time.Second)))
}

func TestRepeatedExecutionsPostponeOneSchedule(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, false)
	env.record(t, "A", map[string]string{"x": "1"})
	env.record(t, "B", map[string]string{"x": "1"})
	first := env.schedules(t, domain.SchedulePending)
	require.Len(t, first, 1)

	env.Clock.Advance(10 * time.Second)
	again := env.record(t, "A", map[string]string{"x": "1"})

	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)
	s := pending[0]
	assert.Equal(t, first[0].ID, s.ID)
	assert.Equal(t, domain.FormatTime(env.Clock.Now().Add(30*time.Second)), s.FireAt)
	assert.Equal(t, again.Execution.ID, s.TriggerExecutionID)
	assert.Equal(t, 1, env.Sched.creates)
	assert.Equal(t, 1, env.Sched.updates)
	assert.Equal(t, 1, env.Sched.count())
}

func TestConcurrentlyCreatedScheduleIsPostponed(t *testing.T) {
	env := newTestEnv(t)
	tt := env.defineABC(t, false)
	a := env.record(t, "A", map[string]string{"x": "1"})

	planted := false
	restore := engine.SetBeforeScheduleInsert(func(ctx context.Context, tx *sqlx.Tx, alias string) error {
		if planted {
			return nil
		}
		planted = true
		now := domain.FormatTime(env.Clock.Now())
		rival := domain.TaskSchedule{
			ID:                 "rival",
			TaskTableID:        tt.ID,
			UniqueAlias:        alias,
			Status:             domain.SchedulePending,
			FireAt:             now,
			TriggerExecutionID: a.Execution.ID,
			PartitionsJSON:     "{}",
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := env.Engine.Repo.InsertSchedule(ctx, tx, rival); err != nil {
			return err
		}
		_, err := env.Sched.Create(ctx, engine.DefaultNamePrefix+rival.ID, env.Clock.Now(), nil)
		return err
	})
	defer restore()

	b := env.record(t, "B", map[string]string{"x": "1"})
	require.True(t, planted)
	assert.Equal(t, []string{"rival"}, b.Cascade.Scheduled)

	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)
	s := pending[0]
	assert.Equal(t, "rival", s.ID)
	assert.Equal(t, domain.FormatTime(env.Clock.Now().Add(30*time.Second)), s.FireAt)
	assert.Equal(t, b.Execution.ID, s.TriggerExecutionID)
	assert.Equal(t, 1, env.Sched.creates)
	assert.Equal(t, 1, env.Sched.updates)
	assert.Equal(t, 1, env.Sched.count())
}

func TestDistinctPartitionsGetDistinctSchedules(t *testing.T) {
	env := newTestEnv(t)
	tt := env.defineABC(t, false)
	for _, x := range []string{"1", "2"} {
		env.record(t, "A", map[string]string{"x": x})
		env.record(t, "B", map[string]string{"x": x})
	}
	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 2)
	aliases := []string{pending[0].UniqueAlias, pending[1].UniqueAlias}
	assert.ElementsMatch(t, []string{"C_load_None_x1", "C_load_None_x2"}, aliases)

	byAlias, err := env.Engine.ListSchedules(env.Ctx, engine.ScheduleQuery{UniqueAlias: "C_load_None_x2"})
	require.NoError(t, err)
	require.Len(t, byAlias, 1)
	assert.Equal(t, "C_load_None_x2", byAlias[0].UniqueAlias)

	byTask, err := env.Engine.ListSchedules(env.Ctx, engine.ScheduleQuery{TaskTableID: tt.ID})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)
	none, err := env.Engine.ListSchedules(env.Ctx, engine.ScheduleQuery{TaskTableID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMissingExternalScheduleIsSuperseded(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, false)
	env.record(t, "A", map[string]string{"x": "1"})
	env.record(t, "B", map[string]string{"x": "1"})
	old := env.schedules(t, domain.SchedulePending)[0]

	require.NoError(t, env.Sched.Delete(env.Ctx, "trib-"+old.ID))
	env.Clock.Advance(5 * time.Second)
	env.record(t, "A", map[string]string{"x": "1"})

	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)
	assert.NotEqual(t, old.ID, pending[0].ID)
	assert.Equal(t, old.UniqueAlias, pending[0].UniqueAlias)
	_, ok := env.Sched.timerFor(pending[0].ID)
	assert.True(t, ok)

	detail, err := env.Engine.GetSchedule(env.Ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleFailed, detail.Status)
	require.NotNil(t, detail.ErrorMessage)
	assert.Contains(t, *detail.ErrorMessage, "superseded")
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, true)
	env.record(t, "A", map[string]string{"x": "1"})
	env.record(t, "B", map[string]string{"x": "1"})

	waiting := env.schedules(t, domain.ScheduleWaitingApproval)
	require.Len(t, waiting, 1)
	s := waiting[0]
	assert.Empty(t, s.ExternalRef)
	assert.Zero(t, env.Sched.count(), "no timer before approval")

	approvals, err := env.Engine.ListApprovals(env.Ctx, domain.ApprovalPending, 0)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	approvalID := approvals[0].ID
	assert.Equal(t, s.ID, approvals[0].TaskScheduleID)

	_, err = env.Engine.Approve(env.Ctx, approvalID, " ")
	assert.True(t, engine.IsValidation(err))

	rejected, err := env.Engine.Reject(env.Ctx, approvalID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, rejected.Approval.Status)
	assert.Equal(t, domain.ScheduleWaitingApproval, rejected.Schedule.Status)
	assert.Zero(t, env.Sched.count())

	_, err = env.Engine.Approve(env.Ctx, approvalID, "bob")
	assert.True(t, engine.IsValidation(err), "a reviewed approval cannot be approved")

	env.Clock.Advance(time.Minute)
	env.record(t, "A", map[string]string{"x": "1"})
	detail, err := env.Engine.GetSchedule(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleWaitingApproval, detail.Status)
	require.NotNil(t, detail.Approval)
	assert.Equal(t, approvalID, detail.Approval.ID)
	assert.Equal(t, domain.ApprovalPending, detail.Approval.Status)
	assert.Nil(t, detail.Approval.Approver)

	approved, err := env.Engine.Approve(env.Ctx, approvalID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.Approval.Status)
	require.NotNil(t, approved.Approval.Approver)
	assert.Equal(t, "bob", *approved.Approval.Approver)
	assert.Equal(t, domain.SchedulePending, approved.Schedule.Status)
	assert.Equal(t, domain.FormatTime(env.Clock.Now().Add(30*time.Second)), approved.Schedule.FireAt)
	_, ok := env.Sched.timerFor(s.ID)
	assert.True(t, ok)
}

func TestApproveLateFiresNow(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, true)
	env.record(t, "A", map[string]string{"x": "1"})
	env.record(t, "B", map[string]string{"x": "1"})
	approvals, err := env.Engine.ListApprovals(env.Ctx, domain.ApprovalPending, 0)
	require.NoError(t, err)
	require.Len(t, approvals, 1)

	env.Clock.Advance(time.Hour)
	res, err := env.Engine.Approve(env.Ctx, approvals[0].ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.FormatTime(env.Clock.Now()), res.Schedule.FireAt)
}

func TestCascadeIsolatesFailingDependents(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DefineTables(env.Ctx, []engine.TableSpec{
		{Name: "src", Partitions: []engine.PartitionSpec{{Name: "day", IsRequired: true}}},
		{Name: "left", Dependencies: []engine.DependencySpec{{Table: "src"}}},
		{Name: "right", Dependencies: []engine.DependencySpec{{Table: "src"}}},
	}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.CreateTaskExecutor(env.Ctx, engine.ExecutorSpec{
		Alias: "hook", Method: domain.MethodHTTP, Target: "https://example.test/hook",
	}, "tester")
	require.NoError(t, err)
	for _, table := range []string{"left", "right"} {
		_, err = env.Engine.BindTask(env.Ctx, engine.BindTaskOptions{
			Table: table, Executor: "hook", Alias: "run", PayloadTemplate: `{"day": "{{ partitions.day }}"}`,
		})
		require.NoError(t, err)
	}

	env.Sched.failNextN = 1
	res, err := env.Engine.RecordExecution(env.Ctx, engine.RecordExecutionOptions{
		Table: "src", Source: "test", Partitions: map[string]string{"day": "2024-05-01"},
	})
	require.NoError(t, err, "the execution itself is recorded")
	assert.Equal(t, 1, res.Cascade.Errors)
	require.Len(t, res.Cascade.Failures, 1)
	assert.Contains(t, res.Cascade.Failures[0], "scheduler unavailable")
	assert.ElementsMatch(t, []string{"left", "right"}, res.Cascade.Ready)
	assert.Len(t, res.Cascade.Scheduled, 1)

	assert.Len(t, env.schedules(t, domain.SchedulePending), 1)
	assert.Equal(t, 1, env.Sched.count())

	latest, err := env.Engine.LatestExecution(env.Ctx, "src")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.Execution.ID, latest.ID)
}

func TestOptionalDependencyDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DefineTables(env.Ctx, []engine.TableSpec{
		{Name: "main", Partitions: []engine.PartitionSpec{{Name: "d"}}},
		{Name: "extra", Partitions: []engine.PartitionSpec{{Name: "d"}}},
		{Name: "out", Dependencies: []engine.DependencySpec{{Table: "main"}, {Table: "extra", IsRequired: notRequired()}}},
	}, "tester")
	require.NoError(t, err)

	env.record(t, "main", map[string]string{"d": "1"})
	res, err := env.Engine.Resolve(env.Ctx, "out", map[string]string{"d": "1"})
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, map[string]string{"d": "1"}, res.Dependencies["main"])
	assert.Equal(t, map[string]string{}, res.Dependencies["extra"])

	res, err = env.Engine.Resolve(env.Ctx, "out", map[string]string{"d": "9"})
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.Equal(t, "main", res.Blocking)
}

func TestUniqueAlias(t *testing.T) {
	parts := map[string]string{"region": "eu-west", "date": "2024-01-01"}
	a := engine.UniqueAlias("my-table", "load task!", "", parts)
	assert.Equal(t, "mytable_loadtask_None_date20240101_regioneuwest", a)
	assert.Equal(t, a, engine.UniqueAlias("my-table", "load task!", "", map[string]string{"date": "2024-01-01", "region": "eu-west"}))
	assert.Equal(t, "t_x_exec1", engine.UniqueAlias("t", "x", "exec1", nil))
}

func TestBindTaskValidatesTemplate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DefineTables(env.Ctx, []engine.TableSpec{{Name: "t"}}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.CreateTaskExecutor(env.Ctx, engine.ExecutorSpec{Alias: "q", Method: domain.MethodQueue, Target: "jobs"}, "tester")
	require.NoError(t, err)

	for name, tmpl := range map[string]string{
		"unclosed placeholder": `{"x": {{ partitions.x }`,
		"not json":             `{"x": }`,
		"empty":                ``,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.BindTask(env.Ctx, engine.BindTaskOptions{Table: "t", Executor: "q", Alias: "a", PayloadTemplate: tmpl})
			var verr *engine.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, "payload_template", verr.Field)
		})
	}

	_, err = env.Engine.BindTask(env.Ctx, engine.BindTaskOptions{Table: "t", Executor: "missing", Alias: "a", PayloadTemplate: `{}`})
	var nf *engine.NotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)

	_, err = env.Engine.BindTask(env.Ctx, engine.BindTaskOptions{Table: "t", Executor: "q", Alias: "a", PayloadTemplate: `{}`})
	require.NoError(t, err)
	_, err = env.Engine.BindTask(env.Ctx, engine.BindTaskOptions{Table: "t", Executor: "q", Alias: "a", PayloadTemplate: `{}`})
	assert.True(t, engine.IsValidation(err), "alias is unique per table")

	require.NoError(t, env.Engine.UnbindTask(context.Background(), "t", "a", "tester"))
	tasks, err := env.Engine.ListTaskTables(env.Ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateTaskExecutorValidates(t *testing.T) {
	env := newTestEnv(t)
	bad := []engine.ExecutorSpec{
		{Alias: "", Method: domain.MethodHTTP, Target: "https://x"},
		{Alias: "a", Method: "carrier-pigeon", Target: "x"},
		{Alias: "a", Method: domain.MethodHTTP, Target: "ftp://x"},
		{Alias: "a", Method: domain.MethodBatchJob, Target: "queue-only"},
	}
	for _, spec := range bad {
		_, err := env.Engine.CreateTaskExecutor(env.Ctx, spec, "tester")
		assert.True(t, engine.IsValidation(err), "%+v: %v", spec, err)
	}
	_, err := env.Engine.CreateTaskExecutor(env.Ctx, engine.ExecutorSpec{Alias: "b", Method: domain.MethodBatchJob, Target: "q|def:1"}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.CreateTaskExecutor(env.Ctx, engine.ExecutorSpec{Alias: "b", Method: domain.MethodHTTP, Target: "https://x"}, "tester")
	assert.True(t, engine.IsValidation(err), "duplicate alias")
}

func TestApprovalClosedWhenNoLongerRequired(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, true)
	env.record(t, "A", map[string]string{"x": "1"})
	env.record(t, "B", map[string]string{"x": "1"})
	waiting := env.schedules(t, domain.ScheduleWaitingApproval)
	require.Len(t, waiting, 1)

	_, err := env.Engine.DefineTables(env.Ctx, []engine.TableSpec{{
		Name:         "C",
		Partitions:   []engine.PartitionSpec{{Name: "x"}},
		Dependencies: []engine.DependencySpec{{Table: "A"}, {Table: "B"}},
	}}, "tester")
	require.NoError(t, err)

	env.Clock.Advance(time.Minute)
	env.record(t, "A", map[string]string{"x": "1"})

	detail, err := env.Engine.GetSchedule(env.Ctx, waiting[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SchedulePending, detail.Status)
	_, ok := env.Sched.timerFor(waiting[0].ID)
	assert.True(t, ok)
	require.NotNil(t, detail.Approval)
	assert.Equal(t, domain.ApprovalRejected, detail.Approval.Status)
	require.NotNil(t, detail.Approval.Approver)
	assert.Equal(t, "system", *detail.Approval.Approver)
	assert.NotNil(t, detail.Approval.ReviewedAt)

	pending, err := env.Engine.ListApprovals(env.Ctx, domain.ApprovalPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
