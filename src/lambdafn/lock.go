package lambdafn

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

// acquireLock writes requestID into the lock object unless one exists, then
// reads it back to confirm this invocation won.
func (a *App) acquireLock(ctx context.Context, requestID string) (bool, error) {
	exists, err := a.lockExists(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = a.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.Config.Bucket),
		Key:    aws.String(LockKey),
		Body:   bytes.NewReader([]byte(requestID)),
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to write lock")
	}

	owner, err := a.readObject(ctx, a.Config.Bucket, LockKey)
	if err != nil {
		return false, errors.Wrap(err, "failed to read lock")
	}
	return string(owner) == requestID, nil
}

// releaseLock deletes the lock regardless of which invocation wrote it; the
// cleanup call no longer knows the startup request id.
func (a *App) releaseLock(ctx context.Context) error {
	exists, err := a.lockExists(ctx)
	if err != nil || !exists {
		return err
	}
	_, err = a.S3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.Config.Bucket),
		Key:    aws.String(LockKey),
	})
	if err != nil {
		return errors.Wrap(err, "failed to remove lock")
	}
	return nil
}

func (a *App) lockExists(ctx context.Context) (bool, error) {
	_, err := a.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.Config.Bucket),
		Key:    aws.String(LockKey),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.RequestFailure); ok && aerr.StatusCode() == 404 {
		return false, nil
	}
	return false, errors.Wrap(err, "failed to check lock")
}

func (a *App) readObject(ctx context.Context, bucket string, key string) ([]byte, error) {
	output, err := a.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download s3://%s/%s", bucket, key)
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}
