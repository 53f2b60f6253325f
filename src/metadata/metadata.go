// Package metadata reads instance identity and IAM role credentials from the
// EC2 instance metadata service.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/pkg/errors"
)

const (
	role_credentials_path = "iam/security-credentials/"
	instance_id_path      = "instance-id"
	request_timeout       = 5 * time.Second
)

// StatusError is returned when the metadata service answers outside 2xx.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("metadata request %s returned status %d", e.Path, e.StatusCode)
}

// Credentials are the short-lived keys the metadata service hands out for a role.
type Credentials struct {
	Code            string    `json:"Code"`
	Type            string    `json:"Type"`
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	Token           string    `json:"Token"`
	Expiration      time.Time `json:"Expiration"`
}

// Provider wraps the keys as static SDK credentials.
func (c *Credentials) Provider() *credentials.Credentials {
	return credentials.NewStaticCredentials(c.AccessKeyID, c.SecretAccessKey, c.Token)
}

type IdentityDocument = ec2metadata.EC2InstanceIdentityDocument

type Client struct {
	svc *ec2metadata.EC2Metadata
}

// New returns a client for the metadata service at endpoint, or the SDK's
// default endpoint when it is empty. Requests are not retried.
func New(sess client.ConfigProvider, endpoint string) *Client {
	// A non-default HTTP client keeps the SDK from forcing its own retry count.
	cfg := aws.NewConfig().
		WithHTTPClient(&http.Client{Timeout: request_timeout}).
		WithMaxRetries(0)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(strings.TrimRight(endpoint, "/"))
	}
	return &Client{svc: ec2metadata.New(sess, cfg)}
}

// RoleCredentials fetches fresh credentials for the named instance role.
func (c *Client) RoleCredentials(ctx context.Context, role string) (*Credentials, error) {
	if role == "" {
		return nil, errors.New("role name must be provided")
	}
	path := role_credentials_path + role
	body, err := c.svc.GetMetadataWithContext(ctx, path)
	if err != nil {
		return nil, requestError(path, err)
	}
	creds := &Credentials{}
	if err := json.Unmarshal([]byte(body), creds); err != nil {
		return nil, errors.Wrapf(err, "failed to decode credentials for role %s", role)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, errors.Errorf("credentials for role %s are incomplete", role)
	}
	return creds, nil
}

func (c *Client) InstanceID(ctx context.Context) (string, error) {
	id, err := c.svc.GetMetadataWithContext(ctx, instance_id_path)
	if err != nil {
		return "", requestError(instance_id_path, err)
	}
	return strings.TrimSpace(id), nil
}

func (c *Client) IdentityDocument(ctx context.Context) (*IdentityDocument, error) {
	doc, err := c.svc.GetInstanceIdentityDocumentWithContext(ctx)
	if err != nil {
		return nil, requestError("instance-identity/document", err)
	}
	return &doc, nil
}

// requestError turns the first HTTP failure in err's chain into a StatusError.
func requestError(path string, err error) error {
	for cause := err; cause != nil; {
		if failure, ok := cause.(awserr.RequestFailure); ok {
			return &StatusError{Path: path, StatusCode: failure.StatusCode()}
		}
		aerr, ok := cause.(awserr.Error)
		if !ok {
			break
		}
		cause = aerr.OrigErr()
	}
	return errors.Wrapf(err, "metadata request %s failed", path)
}
