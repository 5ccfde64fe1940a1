package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsscheduler "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSchedulerAPI struct {
	schedules map[string]string
	created   []*awsscheduler.CreateScheduleInput
	updated   []*awsscheduler.UpdateScheduleInput
}

func newFakeSchedulerAPI() *fakeSchedulerAPI {
	return &fakeSchedulerAPI{schedules: map[string]string{}}
}

func notFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("schedule does not exist")}
}

func (f *fakeSchedulerAPI) GetSchedule(_ context.Context, in *awsscheduler.GetScheduleInput, _ ...func(*awsscheduler.Options)) (*awsscheduler.GetScheduleOutput, error) {
	if _, ok := f.schedules[aws.ToString(in.Name)]; !ok {
		return nil, notFound()
	}
	return &awsscheduler.GetScheduleOutput{Name: in.Name}, nil
}

func (f *fakeSchedulerAPI) CreateSchedule(_ context.Context, in *awsscheduler.CreateScheduleInput, _ ...func(*awsscheduler.Options)) (*awsscheduler.CreateScheduleOutput, error) {
	f.created = append(f.created, in)
	f.schedules[aws.ToString(in.Name)] = aws.ToString(in.ScheduleExpression)
	return &awsscheduler.CreateScheduleOutput{ScheduleArn: aws.String("arn:aws:scheduler:::schedule/" + aws.ToString(in.Name))}, nil
}

func (f *fakeSchedulerAPI) UpdateSchedule(_ context.Context, in *awsscheduler.UpdateScheduleInput, _ ...func(*awsscheduler.Options)) (*awsscheduler.UpdateScheduleOutput, error) {
	if _, ok := f.schedules[aws.ToString(in.Name)]; !ok {
		return nil, notFound()
	}
	f.updated = append(f.updated, in)
	f.schedules[aws.ToString(in.Name)] = aws.ToString(in.ScheduleExpression)
	return &awsscheduler.UpdateScheduleOutput{ScheduleArn: aws.String("arn:aws:scheduler:::schedule/" + aws.ToString(in.Name))}, nil
}

func (f *fakeSchedulerAPI) DeleteSchedule(_ context.Context, in *awsscheduler.DeleteScheduleInput, _ ...func(*awsscheduler.Options)) (*awsscheduler.DeleteScheduleOutput, error) {
	if _, ok := f.schedules[aws.ToString(in.Name)]; !ok {
		return nil, notFound()
	}
	delete(f.schedules, aws.ToString(in.Name))
	return &awsscheduler.DeleteScheduleOutput{}, nil
}

func TestEventBridgeLifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFakeSchedulerAPI()
	eb := &EventBridge{Client: api, Group: "tributary", TargetArn: "arn:aws:lambda:eu-west-1:1:function:fire", RoleArn: "arn:aws:iam::1:role/scheduler"}
	fireAt := time.Date(2024, 5, 1, 10, 0, 30, 0, time.FixedZone("CEST", 2*3600))

	ok, err := eb.Exists(ctx, "trib-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = eb.Update(ctx, "trib-1", fireAt, EncodePayload("1"))
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	arn, err := eb.Create(ctx, "trib-1", fireAt, EncodePayload("1"))
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:scheduler:::schedule/trib-1", arn)

	require.Len(t, api.created, 1)
	in := api.created[0]
	assert.Equal(t, "at(2024-05-01T08:00:30)", aws.ToString(in.ScheduleExpression))
	assert.Equal(t, "tributary", aws.ToString(in.GroupName))
	assert.Equal(t, types.ActionAfterCompletionDelete, in.ActionAfterCompletion)
	assert.Equal(t, types.FlexibleTimeWindowModeOff, in.FlexibleTimeWindow.Mode)
	assert.JSONEq(t, `{"schedule_id":"1"}`, aws.ToString(in.Target.Input))
	assert.Equal(t, eb.RoleArn, aws.ToString(in.Target.RoleArn))

	ok, err = eb.Exists(ctx, "trib-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = eb.Update(ctx, "trib-1", fireAt.Add(time.Minute), EncodePayload("1"))
	require.NoError(t, err)
	assert.Equal(t, "at(2024-05-01T08:01:30)", api.schedules["trib-1"])

	require.NoError(t, eb.Delete(ctx, "trib-1"))
	assert.ErrorIs(t, eb.Delete(ctx, "trib-1"), ErrScheduleNotFound)
}
