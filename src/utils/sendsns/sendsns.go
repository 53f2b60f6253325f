package sendsns

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/pkg/errors"
)

// SendSNS publishes message to topicArn. An empty topic is a no-op.
func SendSNS(ctx context.Context, client snsiface.SNSAPI, topicArn string, subject string, message string) error {
	if topicArn == "" {
		return nil
	}
	_, err := client.PublishWithContext(ctx, &sns.PublishInput{
		Message:  aws.String(message),
		TopicArn: aws.String(topicArn),
		Subject:  aws.String(subject),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to publish to %s", topicArn)
	}
	return nil
}
