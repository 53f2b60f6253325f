package playbookrunner

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// Bucket is the object storage the runner pulls assets from and pushes logs to.
type Bucket interface {
	CopyDirectory(ctx context.Context, prefix string, outDir string) ([]string, error)
	DownloadFile(ctx context.Context, key string, path string) error
	UploadFile(ctx context.Context, key string, path string) error
}

type S3Bucket struct {
	Name   string
	Client s3iface.S3API
}

func NewS3Bucket(name string, client s3iface.S3API) *S3Bucket {
	return &S3Bucket{Name: name, Client: client}
}

// ListKeys returns every object key under prefix, skipping folder markers.
func (b *S3Bucket) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.Client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Name),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, c := range page.Contents {
			key := aws.StringValue(c.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
		return !lastPage
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list s3://%s/%s", b.Name, prefix)
	}
	return keys, nil
}

// CopyDirectory downloads every object under prefix into outDir, keeping the
// key layout, and returns the local paths.
func (b *S3Bucket) CopyDirectory(ctx context.Context, prefix string, outDir string) ([]string, error) {
	keys, err := b.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		objects []s3manager.BatchDownloadObject
		paths   []string
		files   []*os.File
	)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, k := range keys {
		path, err := localPath(outDir, k)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for %s", path)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open file %s", path)
		}
		files = append(files, f)
		paths = append(paths, path)
		objects = append(objects, s3manager.BatchDownloadObject{
			Object: &s3.GetObjectInput{
				Bucket: aws.String(b.Name),
				Key:    aws.String(k),
			},
			Writer: f,
		})
	}

	iter := &s3manager.DownloadObjectsIterator{Objects: objects}
	downloader := s3manager.NewDownloaderWithClient(b.Client)
	if err := downloader.DownloadWithIterator(ctx, iter); err != nil {
		return nil, errors.Wrapf(err, "failed to download s3://%s/%s", b.Name, prefix)
	}
	return paths, nil
}

func (b *S3Bucket) DownloadFile(ctx context.Context, key string, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()

	downloader := s3manager.NewDownloaderWithClient(b.Client)
	_, err = downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to download s3://%s/%s", b.Name, key)
	}
	return nil
}

func (b *S3Bucket) UploadFile(ctx context.Context, key string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()

	uploader := s3manager.NewUploaderWithClient(b.Client)
	_, err = uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload s3://%s/%s", b.Name, key)
	}
	return nil
}

// localPath joins key onto base and refuses keys that would escape it.
func localPath(base string, key string) (string, error) {
	path := filepath.Join(base, filepath.FromSlash(key))
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("object key %s escapes %s", key, base)
	}
	return path, nil
}
