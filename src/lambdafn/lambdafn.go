// Package lambdafn is the Lambda function that launches the runner instance
// and, when the runner calls back with the cleanup method, terminates it.
package lambdafn

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	env "github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pashonic/ansible-runner/src/cleanup"
)

const (
	LockKey = "ansible_lock"

	default_poll_interval = time.Second
)

// Config holds all variables read from the environment.
type Config struct {
	Region             string   `env:"REGION" envDefault:"us-east-1"`
	ImageID            string   `env:"IMAGE_ID"`
	Ec2Endpoint        string   `env:"EC2_ENDPOINT"`
	InstanceType       string   `env:"INSTANCE_TYPE" envDefault:"t2.micro"`
	InstanceProfileArn string   `env:"PROFILE_ARN"`
	Bucket             string   `env:"USERDATA_BUCKET"`
	Key                string   `env:"USERDATA_KEY"`
	SubnetID           string   `env:"SUBNET_ID"`
	SecurityGroupIds   []string `env:"SECURITY_GROUP_IDS" envSeparator:","`
	KeyPairName        string   `env:"KEYPAIR_NAME"`
}

// HasUserData reports whether both user data bucket and key are set.
func (c *Config) HasUserData() bool {
	return len(c.Bucket) > 0 && len(c.Key) > 0
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment variables")
	}
	return cfg, nil
}

type App struct {
	Config       *Config
	EC2          ec2iface.EC2API
	S3           s3iface.S3API
	Log          logrus.FieldLogger
	PollInterval time.Duration
}

func New(cfg *Config, ec2Client ec2iface.EC2API, s3Client s3iface.S3API) *App {
	return &App{
		Config:       cfg,
		EC2:          ec2Client,
		S3:           s3Client,
		Log:          logrus.StandardLogger(),
		PollInterval: default_poll_interval,
	}
}

// Run is the Lambda handler.
func (a *App) Run(ctx context.Context, p *cleanup.Payload) error {
	if p != nil && strings.EqualFold(p.Method, cleanup.MethodCleanup) {
		return a.Cleanup(ctx, p.InstanceID)
	}
	requestID := ""
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		requestID = lc.AwsRequestID
	}
	return a.Startup(ctx, requestID)
}

// Startup launches one runner instance unless another invocation holds the lock.
func (a *App) Startup(ctx context.Context, requestID string) error {
	locked, err := a.acquireLock(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to acquire lock")
	}
	if !locked {
		a.Log.WithField("key", LockKey).Info("Another invocation already holds the lock")
		return nil
	}

	imageID := a.Config.ImageID
	if imageID == "" {
		imageID, err = a.latestImageID(ctx)
		if err != nil {
			return err
		}
	}

	var userData []byte
	if a.Config.HasUserData() {
		userData, err = a.readObject(ctx, a.Config.Bucket, a.Config.Key)
		if err != nil {
			return errors.Wrap(err, "failed to read user data")
		}
	}

	instance, err := a.createInstance(ctx, imageID, userData)
	if err != nil {
		return err
	}
	instanceID := aws.StringValue(instance.InstanceId)
	a.Log.WithField("instance", instanceID).WithField("image", imageID).Info("Launched runner instance")

	if err := a.waitForRunning(ctx, instanceID); err != nil {
		return err
	}

	if a.Config.InstanceProfileArn != "" {
		if err := a.associateProfile(ctx, instanceID); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup terminates the runner instance and always releases the lock.
func (a *App) Cleanup(ctx context.Context, instanceID string) error {
	defer func() {
		if err := a.releaseLock(ctx); err != nil {
			a.Log.WithError(err).Error("Failed to release lock")
		}
	}()

	if instanceID == "" {
		return errors.New("cleanup requires an instance id")
	}
	_, err := a.EC2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice([]string{instanceID}),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to terminate EC2 instance %s", instanceID)
	}
	a.Log.WithField("instance", instanceID).Info("Terminated runner instance")
	return nil
}

func (a *App) createInstance(ctx context.Context, imageID string, userData []byte) (*ec2.Instance, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: aws.String(a.Config.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
	}
	if len(userData) > 0 {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString(userData))
	}
	input.SubnetId = nilIfEmpty(a.Config.SubnetID)
	input.KeyName = nilIfEmpty(a.Config.KeyPairName)
	if len(a.Config.SecurityGroupIds) > 0 {
		input.SecurityGroupIds = aws.StringSlice(a.Config.SecurityGroupIds)
	}

	output, err := a.EC2.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create EC2 instance")
	}
	if len(output.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instances")
	}
	return output.Instances[0], nil
}

// waitForRunning polls until the instance is running, fails if it is going
// away, and gives up when ctx ends.
func (a *App) waitForRunning(ctx context.Context, instanceID string) error {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "gave up waiting for EC2 instance %s", instanceID)
		case <-ticker.C:
		}

		// Without IncludeAllInstances only running instances are reported.
		output, err := a.EC2.DescribeInstanceStatusWithContext(ctx, &ec2.DescribeInstanceStatusInput{
			InstanceIds:         aws.StringSlice([]string{instanceID}),
			IncludeAllInstances: aws.Bool(true),
		})
		if err != nil {
			a.Log.WithError(err).WithField("instance", instanceID).Warn("Failed to describe instance status")
			continue
		}
		if len(output.InstanceStatuses) == 0 || output.InstanceStatuses[0].InstanceState == nil {
			continue
		}
		state := aws.StringValue(output.InstanceStatuses[0].InstanceState.Name)
		switch state {
		case ec2.InstanceStateNameRunning:
			return nil
		case ec2.InstanceStateNameTerminated, ec2.InstanceStateNameShuttingDown:
			return errors.Errorf("EC2 instance %s is %s", instanceID, state)
		}
	}
}

func (a *App) associateProfile(ctx context.Context, instanceID string) error {
	_, err := a.EC2.AssociateIamInstanceProfileWithContext(ctx, &ec2.AssociateIamInstanceProfileInput{
		IamInstanceProfile: &ec2.IamInstanceProfileSpecification{
			Arn: aws.String(a.Config.InstanceProfileArn),
		},
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		return errors.Wrap(err, "failed to associate instance profile")
	}
	return nil
}

func nilIfEmpty(value string) *string {
	if len(value) == 0 {
		return nil
	}
	return &value
}
