// Package cleanup asks the cleanup Lambda to tear down the instance this
// process runs on.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pashonic/ansible-runner/src/metadata"
)

const (
	MethodCleanup = "cleanup"

	// CredentialsRole signs the invocation with credentials for a named
	// instance role fetched from the metadata service.
	CredentialsRole = "role"
	// CredentialsSession uses the session's default credential chain.
	CredentialsSession = "session"
)

type Payload struct {
	Method     string `json:"method"`
	InstanceID string `json:"instance_id"`
}

// StatusError is returned when the invocation status is outside [200,300].
type StatusError struct {
	FunctionName string
	StatusCode   int64
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to invoke cleanup lambda %s: status %d", e.FunctionName, e.StatusCode)
}

// Metadata is the part of the metadata client the invoker needs.
type Metadata interface {
	RoleCredentials(ctx context.Context, role string) (*metadata.Credentials, error)
	IdentityDocument(ctx context.Context) (*metadata.IdentityDocument, error)
}

// ClientFactory builds a Lambda client, optionally with explicit credentials.
type ClientFactory func(creds *metadata.Credentials) lambdaiface.LambdaAPI

type Invoker struct {
	Function    string
	Role        string
	Credentials string
	Metadata    Metadata
	NewClient   ClientFactory
	Log         logrus.FieldLogger
}

// SessionClients returns a factory that creates Lambda clients from sess.
func SessionClients(sess client.ConfigProvider) ClientFactory {
	return func(creds *metadata.Credentials) lambdaiface.LambdaAPI {
		if creds == nil {
			return lambda.New(sess)
		}
		return lambda.New(sess, aws.NewConfig().WithCredentials(creds.Provider()))
	}
}

func New(function string, role string, meta Metadata, factory ClientFactory) *Invoker {
	source := CredentialsRole
	if role == "" {
		source = CredentialsSession
	}
	return &Invoker{
		Function:    function,
		Role:        role,
		Credentials: source,
		Metadata:    meta,
		NewClient:   factory,
		Log:         logrus.StandardLogger(),
	}
}

// BuildPayload reads the instance identity document and returns the JSON
// cleanup payload for it.
func (i *Invoker) BuildPayload(ctx context.Context) ([]byte, error) {
	doc, err := i.Metadata.IdentityDocument(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get instance identity document")
	}
	b, err := json.Marshal(&Payload{
		Method:     MethodCleanup,
		InstanceID: doc.InstanceID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}
	return b, nil
}

// Invoke fires the cleanup function asynchronously.
func (i *Invoker) Invoke(ctx context.Context) error {
	if i.Function == "" {
		return errors.New("cleanup function name must be provided")
	}

	var creds *metadata.Credentials
	switch i.Credentials {
	case CredentialsRole:
		var err error
		creds, err = i.Metadata.RoleCredentials(ctx, i.Role)
		if err != nil {
			return errors.Wrapf(err, "failed to load credentials for role %s", i.Role)
		}
	case CredentialsSession, "":
	default:
		return errors.Errorf("unknown credentials source %q", i.Credentials)
	}

	payload, err := i.BuildPayload(ctx)
	if err != nil {
		return err
	}

	svc := i.NewClient(creds)
	output, err := svc.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(i.Function),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		LogType:        aws.String(lambda.LogTypeNone),
		Payload:        payload,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to invoke lambda: %s", i.Function)
	}

	status := aws.Int64Value(output.StatusCode)
	if status < 200 || status > 300 {
		return &StatusError{FunctionName: i.Function, StatusCode: status}
	}
	if output.FunctionError != nil {
		return errors.Errorf("cleanup lambda %s reported %s", i.Function, aws.StringValue(output.FunctionError))
	}

	i.Log.WithField("function", i.Function).WithField("status", status).Info("Invoked cleanup lambda")
	return nil
}
