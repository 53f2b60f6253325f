package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents/cloudwatcheventsiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEvents struct {
	cloudwatcheventsiface.CloudWatchEventsAPI
	input  *cloudwatchevents.PutEventsInput
	failed int64
}

func (m *mockEvents) PutEventsWithContext(ctx aws.Context, input *cloudwatchevents.PutEventsInput, opts ...request.Option) (*cloudwatchevents.PutEventsOutput, error) {
	m.input = input
	output := &cloudwatchevents.PutEventsOutput{FailedEntryCount: aws.Int64(m.failed)}
	if m.failed > 0 {
		output.Entries = []*cloudwatchevents.PutEventsResultEntry{
			{ErrorCode: aws.String("InternalFailure"), ErrorMessage: aws.String("try again")},
		}
	}
	return output, nil
}

type mockSNS struct {
	snsiface.SNSAPI
	input *sns.PublishInput
}

func (m *mockSNS) PublishWithContext(ctx aws.Context, input *sns.PublishInput, opts ...request.Option) (*sns.PublishOutput, error) {
	m.input = input
	return &sns.PublishOutput{}, nil
}

func TestEventBridgeSink(t *testing.T) {
	client := &mockEvents{}
	sink := &EventBridgeSink{Client: client, EventBus: "ansible", Resources: []string{"arn:aws:ec2:us-east-1:123456789012:instance/i-0abc123"}}

	require.NoError(t, sink.PutEvent(context.Background(), RunnerOkay, map[string]interface{}{"host": "web1"}))
	require.Len(t, client.input.Entries, 1)
	entry := client.input.Entries[0]
	assert.EqualValues(t, "runnerOkay", aws.StringValue(entry.DetailType))
	assert.EqualValues(t, "gov.gsa.ansible", aws.StringValue(entry.Source))
	assert.EqualValues(t, "ansible", aws.StringValue(entry.EventBusName))
	assert.EqualValues(t, 1, len(entry.Resources))

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(aws.StringValue(entry.Detail)), &detail))
	assert.EqualValues(t, "web1", detail["host"])

	client.failed = 1
	assert.NotNil(t, sink.PutEvent(context.Background(), RunnerOkay, map[string]interface{}{}))
}

func TestSNSSink(t *testing.T) {
	client := &mockSNS{}
	sink := &SNSSink{Client: client, TopicArn: "arn:aws:sns:us-east-1:123456789012:ansible"}
	require.NoError(t, sink.PutEvent(context.Background(), RunnerFailed, map[string]interface{}{"host": "web1"}))
	assert.EqualValues(t, "ansible runnerFailed", aws.StringValue(client.input.Subject))
	assert.JSONEq(t, `{"host":"web1"}`, aws.StringValue(client.input.Message))
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &LogSink{Log: logger}
	require.NoError(t, sink.PutEvent(context.Background(), TaskStart, map[string]interface{}{"task": "ping"}))
	require.Len(t, hook.Entries, 1)
	assert.EqualValues(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.EqualValues(t, TaskStart, hook.LastEntry().Data["event"])
	assert.EqualValues(t, "ping", hook.LastEntry().Data["task"])
}

func TestMultiSink(t *testing.T) {
	first := &recordingSink{err: errors.New("bus down")}
	second := &recordingSink{}
	sink := MultiSink{first, second, NopSink{}}

	err := sink.PutEvent(context.Background(), NoHostsMatched, map[string]interface{}{})
	assert.NotNil(t, err)
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)

	assert.Nil(t, MultiSink{second}.PutEvent(context.Background(), NoHostsMatched, nil))
}
