package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents/cloudwatcheventsiface"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pashonic/ansible-runner/src/utils/sendsns"
)

const (
	DefaultSource = "gov.gsa.ansible"
)

// Sink receives every lifecycle event the reporter builds.
type Sink interface {
	PutEvent(ctx context.Context, eventType string, data map[string]interface{}) error
}

// NopSink drops events.
type NopSink struct{}

func (NopSink) PutEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	return nil
}

// LogSink writes events as structured log entries.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s *LogSink) PutEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithField("event", eventType).WithFields(logrus.Fields(data)).Info("Playbook event")
	return nil
}

// EventBridgeSink puts each event on a CloudWatch Events / EventBridge bus.
type EventBridgeSink struct {
	Client    cloudwatcheventsiface.CloudWatchEventsAPI
	EventBus  string
	Source    string
	Resources []string
}

func (s *EventBridgeSink) PutEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	detail, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s event", eventType)
	}
	source := s.Source
	if source == "" {
		source = DefaultSource
	}
	entry := &cloudwatchevents.PutEventsRequestEntry{
		Detail:     aws.String(string(detail)),
		DetailType: aws.String(eventType),
		Source:     aws.String(source),
	}
	if s.EventBus != "" {
		entry.EventBusName = aws.String(s.EventBus)
	}
	if len(s.Resources) > 0 {
		entry.Resources = aws.StringSlice(s.Resources)
	}

	output, err := s.Client.PutEventsWithContext(ctx, &cloudwatchevents.PutEventsInput{
		Entries: []*cloudwatchevents.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to put %s event", eventType)
	}
	if aws.Int64Value(output.FailedEntryCount) > 0 {
		message := "unknown error"
		if len(output.Entries) > 0 {
			message = fmt.Sprintf("%s: %s",
				aws.StringValue(output.Entries[0].ErrorCode),
				aws.StringValue(output.Entries[0].ErrorMessage))
		}
		return errors.Errorf("event bus rejected %s event: %s", eventType, message)
	}
	return nil
}

// SNSSink publishes each event as a JSON message to a topic.
type SNSSink struct {
	Client   snsiface.SNSAPI
	TopicArn string
}

func (s *SNSSink) PutEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s event", eventType)
	}
	return sendsns.SendSNS(ctx, s.Client, s.TopicArn, "ansible "+eventType, string(message))
}

// MultiSink fans an event out to every sink and reports all failures.
type MultiSink []Sink

func (m MultiSink) PutEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	var result *multierror.Error
	for _, sink := range m {
		if err := sink.PutEvent(ctx, eventType, data); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
