package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/domain"
)

type recordingTarget struct {
	destination string
	body        []byte
	result      Result
	err         error
	panicWith   any
	wait        bool
}

func (r *recordingTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	if r.wait {
		<-ctx.Done()
		return Result{}, nil
	}
	r.destination = destination
	r.body = body
	return r.result, r.err
}

func TestDispatchWrapsPayloadWithMetadata(t *testing.T) {
	target := &recordingTarget{result: Result{StatusCode: 202, Identification: "req-1"}}
	d := New(map[domain.DispatchMethod]Target{domain.MethodHTTP: target}, nil)

	res, err := d.Dispatch(context.Background(), Request{
		Method:      domain.MethodHTTP,
		Destination: "http://example.test/run",
		Payload:     map[string]any{"date": "2024-05-01"},
		Metadata:    Metadata{ExecutionID: "e-1", TableID: "t-1", Source: "api", Timestamp: "ts", ScheduleID: "s-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 202, res.StatusCode)
	assert.Equal(t, "req-1", res.Identification)
	assert.Equal(t, "http://example.test/run", target.destination)
	assert.JSONEq(t, `{"metadata":{"execution_id":"e-1","table_id":"t-1","source":"api","timestamp":"ts","schedule_id":"s-1"},"payload":{"date":"2024-05-01"}}`, string(target.body))
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()
	d := New(map[domain.DispatchMethod]Target{
		domain.MethodHTTP:     &recordingTarget{panicWith: "boom"},
		domain.MethodQueue:    &recordingTarget{err: errors.New("queue down")},
		domain.MethodFunction: &recordingTarget{wait: true},
	}, nil)

	_, err := d.Dispatch(ctx, Request{Method: domain.MethodHTTP, Destination: "x"})
	require.ErrorContains(t, err, "panicked")

	_, err = d.Dispatch(ctx, Request{Method: domain.MethodQueue, Destination: "q"})
	require.ErrorContains(t, err, "queue down")

	_, err = d.Dispatch(ctx, Request{Method: domain.MethodBatchJob, Destination: "q|d"})
	require.ErrorContains(t, err, "no target")

	_, err = d.Dispatch(ctx, Request{Method: domain.MethodQueue})
	require.ErrorContains(t, err, "empty destination")

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = d.Dispatch(tctx, Request{Method: domain.MethodFunction, Destination: "fn"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchCachesRoleTargets(t *testing.T) {
	calls := 0
	roleTarget := &recordingTarget{result: Result{Identification: "as-role"}}
	d := New(map[domain.DispatchMethod]Target{domain.MethodHTTP: &recordingTarget{}}, nil,
		WithRoleTargets(func(roleArn string) map[domain.DispatchMethod]Target {
			calls++
			return map[domain.DispatchMethod]Target{domain.MethodHTTP: roleTarget}
		}))

	for i := 0; i < 3; i++ {
		res, err := d.Dispatch(context.Background(), Request{Method: domain.MethodHTTP, Destination: "x", RoleArn: "arn:aws:iam::1:role/r"})
		require.NoError(t, err)
		assert.Equal(t, "as-role", res.Identification)
	}
	assert.Equal(t, 1, calls)
}

func TestHTTPTarget(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("X-Request-Id", "run-42")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	target := NewHTTPTarget(time.Second)
	res, err := target.Send(context.Background(), srv.URL+"/run", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "run-42", res.Identification)
	assert.Equal(t, `{"ok":true}`, res.RawResponse)
	assert.Equal(t, `{"a":1}`, string(got))

	res, err = target.Send(context.Background(), srv.URL+"/fail", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

type fakeLambda struct{ in *lambda.InvokeInput }

func (f *fakeLambda) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.in = in
	return &lambda.InvokeOutput{StatusCode: 202}, nil
}

type fakeSQS struct {
	send     *sqs.SendMessageInput
	resolved string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.send = in
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.resolved = aws.ToString(in.QueueName)
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.test/123/" + f.resolved)}, nil
}

type fakeSFN struct{ in *sfn.StartExecutionInput }

func (f *fakeSFN) StartExecution(_ context.Context, in *sfn.StartExecutionInput, _ ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	f.in = in
	return &sfn.StartExecutionOutput{ExecutionArn: aws.String("arn:exec:1"), StartDate: aws.Time(time.Unix(0, 0))}, nil
}

type fakeBatch struct{ in *batch.SubmitJobInput }

func (f *fakeBatch) SubmitJob(_ context.Context, in *batch.SubmitJobInput, _ ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	f.in = in
	return &batch.SubmitJobOutput{JobId: aws.String("job-1"), JobArn: aws.String("arn:job:1")}, nil
}

type fakeEventBus struct {
	in     *eventbridge.PutEventsInput
	reject bool
}

func (f *fakeEventBus) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.in = in
	if f.reject {
		return &eventbridge.PutEventsOutput{FailedEntryCount: 1, Entries: []ebtypes.PutEventsResultEntry{{
			ErrorCode: aws.String("AccessDenied"), ErrorMessage: aws.String("nope"),
		}}}, nil
	}
	return &eventbridge.PutEventsOutput{Entries: []ebtypes.PutEventsResultEntry{{EventId: aws.String("evt-1")}}}, nil
}

func TestAWSTargets(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"payload":{}}`)

	fl := &fakeLambda{}
	res, err := FunctionTarget{Client: fl}.Send(ctx, "my-fn", body)
	require.NoError(t, err)
	assert.Equal(t, 202, res.StatusCode)
	assert.Equal(t, lambdatypes.InvocationTypeEvent, fl.in.InvocationType)
	assert.Equal(t, "my-fn", aws.ToString(fl.in.FunctionName))

	fq := &fakeSQS{}
	res, err = QueueTarget{Client: fq}.Send(ctx, "orders-queue", body)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", res.Identification)
	assert.Equal(t, "orders-queue", fq.resolved)
	assert.Equal(t, "https://sqs.test/123/orders-queue", aws.ToString(fq.send.QueueUrl))

	fq = &fakeSQS{}
	_, err = QueueTarget{Client: fq}.Send(ctx, "https://sqs.test/123/direct", body)
	require.NoError(t, err)
	assert.Empty(t, fq.resolved)

	fs := &fakeSFN{}
	res, err = WorkflowTarget{Client: fs}.Send(ctx, "arn:sm", body)
	require.NoError(t, err)
	assert.Equal(t, "arn:exec:1", res.Identification)
	assert.NotEmpty(t, aws.ToString(fs.in.Name))
	assert.Equal(t, string(body), aws.ToString(fs.in.Input))

	fb := &fakeBatch{}
	res, err = BatchTarget{Client: fb}.Send(ctx, "queue-a|def-b:3", body)
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.Identification)
	assert.Equal(t, "queue-a", aws.ToString(fb.in.JobQueue))
	assert.Equal(t, "def-b:3", aws.ToString(fb.in.JobDefinition))
	assert.Equal(t, string(body), aws.ToString(fb.in.ContainerOverrides.Environment[0].Value))
	_, err = BatchTarget{Client: fb}.Send(ctx, "no-separator", body)
	require.Error(t, err)

	fe := &fakeEventBus{}
	res, err = EventBusTarget{Client: fe}.Send(ctx, "default", body)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", res.Identification)
	assert.Equal(t, EventDetailType, aws.ToString(fe.in.Entries[0].DetailType))
	var detail map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(fe.in.Entries[0].Detail)), &detail))

	_, err = EventBusTarget{Client: &fakeEventBus{reject: true}}.Send(ctx, "default", body)
	require.ErrorContains(t, err, "AccessDenied")
}
