package lambdafn

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashonic/ansible-runner/src/cleanup"
)

type mockS3 struct {
	s3iface.S3API
	objects map[string]string
	// steal overwrites the lock after a put, as a racing invocation would.
	steal string
}

func (m *mockS3) HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	if _, ok := m.objects[aws.StringValue(input.Key)]; !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), 404, "req")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.objects[aws.StringValue(input.Key)] = string(body)
	if m.steal != "" {
		m.objects[aws.StringValue(input.Key)] = m.steal
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := m.objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func (m *mockS3) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.StringValue(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type mockEC2 struct {
	ec2iface.EC2API
	images     []*ec2.Image
	states     []string
	described  []*ec2.DescribeInstanceStatusInput
	run        *ec2.RunInstancesInput
	associated []string
	terminated []string
}

func (m *mockEC2) DescribeImagesWithContext(ctx aws.Context, input *ec2.DescribeImagesInput, opts ...request.Option) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: m.images}, nil
}

func (m *mockEC2) RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error) {
	m.run = input
	return &ec2.Reservation{Instances: []*ec2.Instance{{InstanceId: aws.String("i-0new")}}}, nil
}

// DescribeInstanceStatusWithContext mirrors EC2 in leaving out instances that
// are not running unless IncludeAllInstances is set.
func (m *mockEC2) DescribeInstanceStatusWithContext(ctx aws.Context, input *ec2.DescribeInstanceStatusInput, opts ...request.Option) (*ec2.DescribeInstanceStatusOutput, error) {
	m.described = append(m.described, input)
	if len(m.states) == 0 {
		return &ec2.DescribeInstanceStatusOutput{}, nil
	}
	state := m.states[0]
	m.states = m.states[1:]
	if state != ec2.InstanceStateNameRunning && !aws.BoolValue(input.IncludeAllInstances) {
		return &ec2.DescribeInstanceStatusOutput{}, nil
	}
	return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: []*ec2.InstanceStatus{
		{InstanceState: &ec2.InstanceState{Name: aws.String(state)}},
	}}, nil
}

func (m *mockEC2) AssociateIamInstanceProfileWithContext(ctx aws.Context, input *ec2.AssociateIamInstanceProfileInput, opts ...request.Option) (*ec2.AssociateIamInstanceProfileOutput, error) {
	m.associated = append(m.associated, aws.StringValue(input.InstanceId))
	return &ec2.AssociateIamInstanceProfileOutput{}, nil
}

func (m *mockEC2) TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	m.terminated = append(m.terminated, aws.StringValueSlice(input.InstanceIds)...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func newApp(cfg *Config) (*App, *mockEC2, *mockS3) {
	ec2Client := &mockEC2{
		images: []*ec2.Image{
			{ImageId: aws.String("ami-old"), CreationDate: aws.String("2024-01-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-new"), CreationDate: aws.String("2025-06-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-bad"), CreationDate: aws.String("yesterday")},
		},
		states: []string{ec2.InstanceStateNamePending, ec2.InstanceStateNameRunning},
	}
	s3Client := &mockS3{objects: map[string]string{}}
	logger, _ := test.NewNullLogger()
	app := New(cfg, ec2Client, s3Client)
	app.Log = logger
	app.PollInterval = time.Millisecond
	return app, ec2Client, s3Client
}

func TestStartup(t *testing.T) {
	cfg := &Config{
		InstanceType:       "t2.micro",
		Bucket:             "fleet-assets",
		Key:                "userdata.sh",
		SubnetID:           "subnet-1",
		SecurityGroupIds:   []string{"sg-1", "sg-2"},
		InstanceProfileArn: "arn:aws:iam::123456789012:instance-profile/ansible",
	}
	app, ec2Client, s3Client := newApp(cfg)
	s3Client.objects["userdata.sh"] = "#!/bin/bash\nrun"

	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "req-1"})
	require.NoError(t, app.Run(ctx, &cleanup.Payload{}))

	assert.EqualValues(t, "ami-new", aws.StringValue(ec2Client.run.ImageId))
	assert.EqualValues(t, "subnet-1", aws.StringValue(ec2Client.run.SubnetId))
	assert.Nil(t, ec2Client.run.KeyName)
	assert.EqualValues(t, []string{"sg-1", "sg-2"}, aws.StringValueSlice(ec2Client.run.SecurityGroupIds))
	userData, err := base64.StdEncoding.DecodeString(aws.StringValue(ec2Client.run.UserData))
	require.NoError(t, err)
	assert.EqualValues(t, "#!/bin/bash\nrun", string(userData))
	assert.EqualValues(t, []string{"i-0new"}, ec2Client.associated)
	assert.EqualValues(t, "req-1", s3Client.objects[LockKey])
}

func TestStartupLocked(t *testing.T) {
	app, ec2Client, s3Client := newApp(&Config{Bucket: "fleet-assets"})
	s3Client.objects[LockKey] = "req-0"

	require.NoError(t, app.Startup(context.Background(), "req-1"))
	assert.Nil(t, ec2Client.run)

	// Losing a race for the lock is not an error either.
	delete(s3Client.objects, LockKey)
	s3Client.steal = "req-2"
	require.NoError(t, app.Startup(context.Background(), "req-1"))
	assert.Nil(t, ec2Client.run)
}

func TestStartupInstanceGoesAway(t *testing.T) {
	app, ec2Client, _ := newApp(&Config{Bucket: "fleet-assets", ImageID: "ami-fixed"})
	ec2Client.states = []string{ec2.InstanceStateNamePending, ec2.InstanceStateNameShuttingDown}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := app.Startup(ctx, "req-1")
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "is shutting-down")
	assert.EqualValues(t, "ami-fixed", aws.StringValue(ec2Client.run.ImageId))

	require.Len(t, ec2Client.described, 2)
	for _, input := range ec2Client.described {
		assert.True(t, aws.BoolValue(input.IncludeAllInstances))
		assert.EqualValues(t, []string{"i-0new"}, aws.StringValueSlice(input.InstanceIds))
	}
}

func TestStartupWaitHonoursContext(t *testing.T) {
	app, ec2Client, _ := newApp(&Config{Bucket: "fleet-assets", ImageID: "ami-fixed"})
	ec2Client.states = nil

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NotNil(t, app.Startup(ctx, "req-1"))
}

func TestCleanup(t *testing.T) {
	app, ec2Client, s3Client := newApp(&Config{Bucket: "fleet-assets"})
	s3Client.objects[LockKey] = "req-1"

	require.NoError(t, app.Run(context.Background(), &cleanup.Payload{Method: "CLEANUP", InstanceID: "i-0abc123"}))
	assert.EqualValues(t, []string{"i-0abc123"}, ec2Client.terminated)
	assert.NotContains(t, s3Client.objects, LockKey)

	// Missing instance id still releases the lock.
	s3Client.objects[LockKey] = "req-2"
	assert.NotNil(t, app.Cleanup(context.Background(), ""))
	assert.NotContains(t, s3Client.objects, LockKey)
}

func TestNewestImageID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	assert.EqualValues(t, "", newestImageID(logger, nil))
	assert.EqualValues(t, "ami-b", newestImageID(logger, []*ec2.Image{
		{ImageId: aws.String("ami-a"), CreationDate: aws.String("2023-01-01T00:00:00Z")},
		{ImageId: aws.String("ami-b"), CreationDate: aws.String("2023-02-01T00:00:00Z")},
	}))
}

func TestFilters(t *testing.T) {
	result := filters(imageFilters)
	require.Len(t, result, 4)
	assert.EqualValues(t, "architecture", aws.StringValue(result[0].Name))
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SECURITY_GROUP_IDS", "sg-1,sg-2")
	t.Setenv("USERDATA_BUCKET", "fleet-assets")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.EqualValues(t, "t2.micro", cfg.InstanceType)
	assert.EqualValues(t, []string{"sg-1", "sg-2"}, cfg.SecurityGroupIds)
	assert.False(t, cfg.HasUserData())
}
