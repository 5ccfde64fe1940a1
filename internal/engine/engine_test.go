package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tributary/internal/db/dbtest"
	"tributary/internal/dispatch"
	"tributary/internal/domain"
	"tributary/internal/engine"
	"tributary/internal/scheduler"
	"tributary/internal/templater"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type timer struct {
	fireAt  time.Time
	payload []byte
}

// fakeScheduler keeps live timers in memory.
type fakeScheduler struct {
	mu        sync.Mutex
	live      map[string]timer
	creates   int
	updates   int
	deletes   int
	failNextN int
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{live: map[string]timer{}} }

func (f *fakeScheduler) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[name]
	return ok, nil
}

func (f *fakeScheduler) Create(_ context.Context, name string, fireAt time.Time, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextN > 0 {
		f.failNextN--
		return "", errors.New("scheduler unavailable")
	}
	if _, ok := f.live[name]; ok {
		return "", errors.New("schedule exists")
	}
	f.creates++
	f.live[name] = timer{fireAt: fireAt, payload: payload}
	return "fake:" + name, nil
}

func (f *fakeScheduler) Update(_ context.Context, name string, fireAt time.Time, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[name]; !ok {
		return "", scheduler.ErrScheduleNotFound
	}
	f.updates++
	f.live[name] = timer{fireAt: fireAt, payload: payload}
	return "fake:" + name, nil
}

func (f *fakeScheduler) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[name]; !ok {
		return scheduler.ErrScheduleNotFound
	}
	f.deletes++
	delete(f.live, name)
	return nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeScheduler) timerFor(scheduleID string) (timer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.live["trib-"+scheduleID]
	return t, ok
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	err      error
	block    bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return dispatch.Result{}, ctx.Err()
	}
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	return dispatch.Result{StatusCode: 200, Identification: "run-1"}, nil
}

type testEnv struct {
	Engine engine.Engine
	Sched  *fakeScheduler
	Disp   *fakeDispatcher
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sched := newFakeScheduler()
	disp := &fakeDispatcher{}
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(dbtest.Open(t), sched, disp, templater.New(), nil)
	eng.Now = c.Now
	return &testEnv{Engine: eng, Sched: sched, Disp: disp, Clock: c, Ctx: context.Background()}
}

func notRequired() *bool {
	f := false
	return &f
}

// defineABC sets up A and B with no dependencies and C requiring both, one
// task bound to C with a 30 second debounce.
func (env *testEnv) defineABC(t *testing.T, requiresApproval bool) domain.TaskTable {
	t.Helper()
	_, err := env.Engine.DefineTables(env.Ctx, []engine.TableSpec{
		{Name: "A", Partitions: []engine.PartitionSpec{{Name: "x", IsRequired: true}}},
		{Name: "B", Partitions: []engine.PartitionSpec{{Name: "x", IsRequired: true}}},
		{
			Name:             "C",
			RequiresApproval: requiresApproval,
			Partitions:       []engine.PartitionSpec{{Name: "x"}},
			Dependencies:     []engine.DependencySpec{{Table: "A"}, {Table: "B"}},
		},
	}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.CreateTaskExecutor(env.Ctx, engine.ExecutorSpec{
		Alias: "loader", Method: domain.MethodHTTP, Target: "https://example.test/load",
	}, "tester")
	require.NoError(t, err)
	tt, err := env.Engine.BindTask(env.Ctx, engine.BindTaskOptions{
		Table:           "C",
		Executor:        "loader",
		Alias:           "load",
		PayloadTemplate: `{"x": "{{ partitions.x }}", "table": "{{ table.name }}", "deps": {{ dependencies }}, "next": {{ int(partitions.x) + 1 }}}`,
		DebounceSeconds: 30,
		ActorID:         "tester",
	})
	require.NoError(t, err)
	return tt
}

func (env *testEnv) record(t *testing.T, table string, partitions map[string]string) engine.ExecutionResult {
	t.Helper()
	res, err := env.Engine.RecordExecution(env.Ctx, engine.RecordExecutionOptions{
		Table: table, Source: "test", Partitions: partitions, ActorID: "tester",
	})
	require.NoError(t, err)
	require.Zero(t, res.Cascade.Errors, "cascade failures: %v", res.Cascade.Failures)
	return res
}

func (env *testEnv) schedules(t *testing.T, status domain.ScheduleStatus) []domain.TaskSchedule {
	t.Helper()
	res, err := env.Engine.ListSchedules(env.Ctx, engine.ScheduleQuery{Status: status})
	require.NoError(t, err)
	return res
}
