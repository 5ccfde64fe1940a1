package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsscheduler "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/scheduler/types"
)

// SchedulerAPI is the subset of the EventBridge Scheduler client used here.
type SchedulerAPI interface {
	GetSchedule(ctx context.Context, in *awsscheduler.GetScheduleInput, optFns ...func(*awsscheduler.Options)) (*awsscheduler.GetScheduleOutput, error)
	CreateSchedule(ctx context.Context, in *awsscheduler.CreateScheduleInput, optFns ...func(*awsscheduler.Options)) (*awsscheduler.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, in *awsscheduler.UpdateScheduleInput, optFns ...func(*awsscheduler.Options)) (*awsscheduler.UpdateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, in *awsscheduler.DeleteScheduleInput, optFns ...func(*awsscheduler.Options)) (*awsscheduler.DeleteScheduleOutput, error)
}

// EventBridge registers one-shot at() schedules that invoke TargetArn with
// the schedule payload as input and delete themselves after completion.
type EventBridge struct {
	Client    SchedulerAPI
	Group     string
	TargetArn string
	RoleArn   string
}

func NewEventBridge(cfg aws.Config, group, targetArn, roleArn string) *EventBridge {
	return &EventBridge{
		Client:    awsscheduler.NewFromConfig(cfg),
		Group:     group,
		TargetArn: targetArn,
		RoleArn:   roleArn,
	}
}

// atExpression formats a one-shot schedule expression in UTC.
func atExpression(t time.Time) string {
	return "at(" + t.UTC().Format("2006-01-02T15:04:05") + ")"
}

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

func (e *EventBridge) group() *string {
	if e.Group == "" {
		return nil
	}
	return aws.String(e.Group)
}

func (e *EventBridge) target(payload []byte) *types.Target {
	return &types.Target{
		Arn:     aws.String(e.TargetArn),
		RoleArn: aws.String(e.RoleArn),
		Input:   aws.String(string(payload)),
	}
}

func (e *EventBridge) Exists(ctx context.Context, name string) (bool, error) {
	_, err := e.Client.GetSchedule(ctx, &awsscheduler.GetScheduleInput{Name: aws.String(name), GroupName: e.group()})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get schedule %s: %w", name, err)
	}
	return true, nil
}

func (e *EventBridge) Create(ctx context.Context, name string, fireAt time.Time, payload []byte) (string, error) {
	out, err := e.Client.CreateSchedule(ctx, &awsscheduler.CreateScheduleInput{
		Name:                       aws.String(name),
		GroupName:                  e.group(),
		ScheduleExpression:         aws.String(atExpression(fireAt)),
		ScheduleExpressionTimezone: aws.String("UTC"),
		FlexibleTimeWindow:         &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff},
		Target:                     e.target(payload),
		ActionAfterCompletion:      types.ActionAfterCompletionDelete,
	})
	if err != nil {
		return "", fmt.Errorf("create schedule %s: %w", name, err)
	}
	return aws.ToString(out.ScheduleArn), nil
}

func (e *EventBridge) Update(ctx context.Context, name string, fireAt time.Time, payload []byte) (string, error) {
	out, err := e.Client.UpdateSchedule(ctx, &awsscheduler.UpdateScheduleInput{
		Name:                       aws.String(name),
		GroupName:                  e.group(),
		ScheduleExpression:         aws.String(atExpression(fireAt)),
		ScheduleExpressionTimezone: aws.String("UTC"),
		FlexibleTimeWindow:         &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff},
		Target:                     e.target(payload),
		ActionAfterCompletion:      types.ActionAfterCompletionDelete,
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrScheduleNotFound
		}
		return "", fmt.Errorf("update schedule %s: %w", name, err)
	}
	return aws.ToString(out.ScheduleArn), nil
}

func (e *EventBridge) Delete(ctx context.Context, name string) error {
	_, err := e.Client.DeleteSchedule(ctx, &awsscheduler.DeleteScheduleInput{Name: aws.String(name), GroupName: e.group()})
	if err != nil {
		if isNotFound(err) {
			return ErrScheduleNotFound
		}
		return fmt.Errorf("delete schedule %s: %w", name, err)
	}
	return nil
}
