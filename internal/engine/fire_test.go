package engine_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/domain"
	"tributary/internal/engine"
)

// readyC records A and B at x=1 and returns the resulting C schedule.
func (env *testEnv) readyC(t *testing.T) (domain.TaskSchedule, engine.ExecutionResult) {
	t.Helper()
	env.defineABC(t, false)
	env.record(t, "A", map[string]string{"x": "1"})
	trigger := env.record(t, "B", map[string]string{"x": "1"})
	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)
	return pending[0], trigger
}

func TestFireDispatchesAndFinishes(t *testing.T) {
	env := newTestEnv(t)
	s, trigger := env.readyC(t)

	fired, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)
	require.True(t, fired.Fired)
	assert.Empty(t, fired.Error)
	assert.Equal(t, domain.ScheduleInProgress, fired.Schedule.Status)
	assert.Equal(t, "run-1", fired.Schedule.DispatchRef)
	require.NotNil(t, fired.Dispatch)
	assert.Equal(t, 200, fired.Dispatch.StatusCode)

	require.Len(t, env.Disp.requests, 1)
	req := env.Disp.requests[0]
	assert.Equal(t, domain.MethodHTTP, req.Method)
	assert.Equal(t, "https://example.test/load", req.Destination)
	assert.Equal(t, trigger.Execution.ID, req.Metadata.ExecutionID)
	assert.Equal(t, s.ID, req.Metadata.ScheduleID)
	assert.Equal(t, "test", req.Metadata.Source)
	body, err := json.Marshal(req.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x": "1", "table": "C", "deps": {"A": {"x": "1"}, "B": {"x": "1"}}, "next": 2}`, string(body))

	again, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, again.Fired, "a schedule fires once")
	assert.Len(t, env.Disp.requests, 1)

	env.Clock.Advance(time.Minute)
	done, err := env.Engine.FinishWithSuccess(env.Ctx, engine.FinishSuccessOptions{
		ScheduleID: s.ID, ResultPartitions: map[string]string{"x": "1"}, ActorID: "runner",
	})
	require.NoError(t, err)
	require.True(t, done.Applied)
	require.NotNil(t, done.Schedule)
	assert.Equal(t, domain.ScheduleCompleted, done.Schedule.Status)
	require.NotNil(t, done.Execution)
	require.NotNil(t, done.Schedule.ResultExecutionID)
	assert.Equal(t, done.Execution.Execution.ID, *done.Schedule.ResultExecutionID)
	assert.Equal(t, "tributary", done.Execution.Execution.Source)

	latest, err := env.Engine.LatestExecution(env.Ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, map[string]string{"x": "1"}, latest.Values())

	repeat, err := env.Engine.FinishWithSuccess(env.Ctx, engine.FinishSuccessOptions{ScheduleID: s.ID})
	require.NoError(t, err)
	assert.False(t, repeat.Applied)
	execs, err := env.Engine.ListExecutions(env.Ctx, "C", 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "a no-op finish records nothing")
}

func TestNewExecutionAfterFireStartsNewSchedule(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.readyC(t)
	_, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)

	env.Clock.Advance(time.Second)
	env.record(t, "A", map[string]string{"x": "1"})
	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)
	assert.NotEqual(t, s.ID, pending[0].ID)
	assert.Equal(t, s.UniqueAlias, pending[0].UniqueAlias)
}

func TestFireDispatchFailureFailsSchedule(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.readyC(t)
	env.Disp.err = errors.New("connection refused")

	res, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err, "dispatch failures are reported, not returned")
	assert.True(t, res.Fired)
	assert.Contains(t, res.Error, "connection refused")
	assert.Equal(t, domain.ScheduleFailed, res.Schedule.Status)

	detail, err := env.Engine.GetSchedule(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleFailed, detail.Status)
	require.NotNil(t, detail.ErrorMessage)
	assert.Contains(t, *detail.ErrorMessage, "https://example.test/load")
}

func TestFireDispatchTimeout(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.readyC(t)
	env.Disp.block = true
	env.Engine.DispatchTimeout = 20 * time.Millisecond

	res, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleFailed, res.Schedule.Status)
	assert.Contains(t, res.Error, "deadline exceeded")
}

func TestFireReResolvesReadiness(t *testing.T) {
	env := newTestEnv(t)
	s, trigger := env.readyC(t)
	require.NoError(t, env.Engine.DeleteExecution(env.Ctx, "B", trigger.Execution.ID, "tester"))

	res, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, domain.ScheduleFailed, res.Schedule.Status)
	assert.Contains(t, res.Error, "no longer exists")
	assert.Empty(t, env.Disp.requests)
}

func TestFireNotReadyAtFireTime(t *testing.T) {
	env := newTestEnv(t)
	env.defineABC(t, false)
	env.record(t, "B", map[string]string{"x": "1"})
	trigger := env.record(t, "A", map[string]string{"x": "1"})
	pending := env.schedules(t, domain.SchedulePending)
	require.Len(t, pending, 1)

	latestB, err := env.Engine.LatestExecution(env.Ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, latestB)
	require.NotEqual(t, trigger.Execution.ID, latestB.ID)
	require.NoError(t, env.Engine.DeleteExecution(env.Ctx, "B", latestB.ID, "tester"))

	res, err := env.Engine.DispatchOnFire(env.Ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleFailed, res.Schedule.Status)
	assert.Contains(t, res.Error, "not ready")
	assert.Empty(t, env.Disp.requests)
}

func TestFireUnknownSchedule(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DispatchOnFire(env.Ctx, "missing")
	var nf *engine.NotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)
}

func TestFinishIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.FinishWithSuccess(env.Ctx, engine.FinishSuccessOptions{ScheduleID: "missing"})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	s, _ := env.readyC(t)
	res, err = env.Engine.FinishWithError(env.Ctx, s.ID, "boom", "runner")
	require.NoError(t, err)
	assert.False(t, res.Applied, "a PENDING schedule is not finished")

	_, err = env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)
	res, err = env.Engine.FinishWithError(env.Ctx, s.ID, "boom", "runner")
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, domain.ScheduleFailed, res.Schedule.Status)
	require.NotNil(t, res.Schedule.ErrorMessage)
	assert.Equal(t, "boom", *res.Schedule.ErrorMessage)

	res, err = env.Engine.FinishWithSuccess(env.Ctx, engine.FinishSuccessOptions{ScheduleID: s.ID, ResultPartitions: map[string]string{"x": "1"}})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	latest, err := env.Engine.LatestExecution(env.Ctx, "C")
	require.NoError(t, err)
	assert.Nil(t, latest, "nothing recorded for a schedule that already failed")
}

func TestFinishLinksExistingExecution(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.readyC(t)
	_, err := env.Engine.DispatchOnFire(env.Ctx, s.ID)
	require.NoError(t, err)

	_, err = env.Engine.FinishWithSuccess(env.Ctx, engine.FinishSuccessOptions{ScheduleID: s.ID, ResultExecutionID: "nope"})
	var nf *engine.NotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)

	c := env.record(t, "C", map[string]string{"x": "1"})
	res, err := env.Engine.FinishWithSuccess(env.Ctx, engine.FinishSuccessOptions{ScheduleID: s.ID, ResultExecutionID: c.Execution.ID})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Nil(t, res.Execution)
	require.NotNil(t, res.Schedule.ResultExecutionID)
	assert.Equal(t, c.Execution.ID, *res.Schedule.ResultExecutionID)
}
