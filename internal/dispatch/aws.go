package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tributary/internal/domain"
)

type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

type SFNAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

type BatchAPI interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
}

type EventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// statusOf reads the HTTP status of an AWS call, defaulting to fallback
// when the response carries no transport metadata.
func statusOf(md middleware.Metadata, fallback int) int {
	if raw, ok := awsmiddleware.GetRawResponse(md).(*smithyhttp.Response); ok && raw != nil {
		return raw.StatusCode
	}
	return fallback
}

// FunctionTarget invokes a Lambda function asynchronously.
type FunctionTarget struct{ Client LambdaAPI }

func (t FunctionTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	out, err := t.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(destination),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return Result{}, err
	}
	if out.FunctionError != nil {
		return Result{StatusCode: int(out.StatusCode), RawResponse: string(out.Payload)}, fmt.Errorf("function error: %s", aws.ToString(out.FunctionError))
	}
	id, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	return Result{StatusCode: int(out.StatusCode), Identification: id, RawResponse: string(out.Payload)}, nil
}

// QueueTarget sends the body as one SQS message. The destination is a queue
// URL or a queue name.
type QueueTarget struct{ Client SQSAPI }

func (t QueueTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	queueURL := destination
	if !strings.HasPrefix(destination, "https://") && !strings.HasPrefix(destination, "http://") {
		out, err := t.Client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(destination)})
		if err != nil {
			return Result{}, fmt.Errorf("resolve queue %s: %w", destination, err)
		}
		queueURL = aws.ToString(out.QueueUrl)
	}
	out, err := t.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{StatusCode: statusOf(out.ResultMetadata, http.StatusOK), Identification: aws.ToString(out.MessageId)}, nil
}

// WorkflowTarget starts a Step Functions execution on the state machine ARN.
type WorkflowTarget struct{ Client SFNAPI }

func (t WorkflowTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	out, err := t.Client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(destination),
		Name:            aws.String(uuid.Must(uuid.NewV7()).String()),
		Input:           aws.String(string(body)),
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{StatusCode: statusOf(out.ResultMetadata, http.StatusOK), Identification: aws.ToString(out.ExecutionArn)}
	if out.StartDate != nil {
		res.RawResponse = domain.FormatTime(*out.StartDate)
	}
	return res, nil
}

// PayloadEnv is the container environment variable carrying the payload of
// a batch job.
const PayloadEnv = "TRIBUTARY_PAYLOAD"

// BatchTarget submits an AWS Batch job. The destination is
// "<job queue>|<job definition>".
type BatchTarget struct{ Client BatchAPI }

func (t BatchTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	queue, definition, ok := strings.Cut(destination, "|")
	if !ok || queue == "" || definition == "" {
		return Result{}, fmt.Errorf("batch destination %q must be <job queue>|<job definition>", destination)
	}
	out, err := t.Client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String("tributary-" + uuid.Must(uuid.NewV7()).String()),
		JobQueue:      aws.String(queue),
		JobDefinition: aws.String(definition),
		Parameters:    map[string]string{"payload": string(body)},
		ContainerOverrides: &batchtypes.ContainerOverrides{
			Environment: []batchtypes.KeyValuePair{{Name: aws.String(PayloadEnv), Value: aws.String(string(body))}},
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		StatusCode:     statusOf(out.ResultMetadata, http.StatusOK),
		Identification: aws.ToString(out.JobId),
		RawResponse:    aws.ToString(out.JobArn),
	}, nil
}

const (
	EventSource     = "tributary"
	EventDetailType = "tributary.task.dispatch"
)

// EventBusTarget puts one event on the named bus.
type EventBusTarget struct{ Client EventBridgeAPI }

func (t EventBusTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	out, err := t.Client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(destination),
			Source:       aws.String(EventSource),
			DetailType:   aws.String(EventDetailType),
			Detail:       aws.String(string(body)),
		}},
	})
	if err != nil {
		return Result{}, err
	}
	status := statusOf(out.ResultMetadata, http.StatusOK)
	if out.FailedEntryCount > 0 || len(out.Entries) == 0 {
		msg := "event rejected"
		if len(out.Entries) > 0 {
			msg = fmt.Sprintf("%s: %s", aws.ToString(out.Entries[0].ErrorCode), aws.ToString(out.Entries[0].ErrorMessage))
		}
		return Result{StatusCode: status}, fmt.Errorf("put event: %s", msg)
	}
	return Result{StatusCode: status, Identification: aws.ToString(out.Entries[0].EventId)}, nil
}

// AWSClients holds one client per AWS dispatch service sharing a config.
type AWSClients struct {
	Config      aws.Config
	Lambda      LambdaAPI
	SQS         SQSAPI
	SFN         SFNAPI
	Batch       BatchAPI
	EventBridge EventBridgeAPI
}

// LoadAWSConfig resolves the default credential chain, pinning region when set.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func NewAWSClients(cfg aws.Config) *AWSClients {
	return &AWSClients{
		Config:      cfg,
		Lambda:      lambda.NewFromConfig(cfg),
		SQS:         sqs.NewFromConfig(cfg),
		SFN:         sfn.NewFromConfig(cfg),
		Batch:       batch.NewFromConfig(cfg),
		EventBridge: eventbridge.NewFromConfig(cfg),
	}
}

// ForRole returns clients whose credentials come from assuming roleArn
// through STS, refreshed and cached by the SDK.
func (c *AWSClients) ForRole(roleArn string) *AWSClients {
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(c.Config), roleArn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "tributary-dispatch"
	})
	cfg := c.Config.Copy()
	cfg.Credentials = aws.NewCredentialsCache(provider)
	return NewAWSClients(cfg)
}

// Targets maps every AWS-backed method tag to its target.
func (c *AWSClients) Targets() map[domain.DispatchMethod]Target {
	return map[domain.DispatchMethod]Target{
		domain.MethodFunction:     FunctionTarget{Client: c.Lambda},
		domain.MethodQueue:        QueueTarget{Client: c.SQS},
		domain.MethodStepFunction: WorkflowTarget{Client: c.SFN},
		domain.MethodBatchJob:     BatchTarget{Client: c.Batch},
		domain.MethodEventBus:     EventBusTarget{Client: c.EventBridge},
	}
}

// NewAWS builds a Dispatcher covering every method: the AWS targets from
// clients, HTTP through h, and per-role AWS clients on demand.
func NewAWS(clients *AWSClients, h HTTPTarget, logger *zap.Logger) *Dispatcher {
	targets := clients.Targets()
	targets[domain.MethodHTTP] = h
	return New(targets, logger, WithRoleTargets(func(roleArn string) map[domain.DispatchMethod]Target {
		t := clients.ForRole(roleArn).Targets()
		t[domain.MethodHTTP] = h
		return t
	}))
}
