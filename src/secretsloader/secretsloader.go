// Package secretsloader dumps prefixed Secrets Manager entries into a YAML file
// for playbooks to include.
package secretsloader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPrefix = "ansible-"
	DefaultFile   = "/tmp/ansible/secrets.yaml"
)

type Secret struct {
	ARN   string
	Name  string
	Value interface{}
}

type Loader struct {
	Client secretsmanageriface.SecretsManagerAPI
	Prefix string
	// Strict makes a value that looks like JSON but fails to parse an error
	// instead of keeping it as a literal string.
	Strict bool
	Log    logrus.FieldLogger
}

func New(client secretsmanageriface.SecretsManagerAPI, prefix string) *Loader {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Loader{
		Client: client,
		Prefix: prefix,
		Log:    logrus.StandardLogger(),
	}
}

// List pages through every secret in the store and returns the ones whose
// name carries the prefix, in store order.
func (l *Loader) List(ctx context.Context) ([]Secret, error) {
	var (
		secrets []Secret
		token   *string
	)
	for {
		input := &secretsmanager.ListSecretsInput{NextToken: token}
		output, err := l.Client.ListSecretsWithContext(ctx, input)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list secrets")
		}
		for _, entry := range output.SecretList {
			name := aws.StringValue(entry.Name)
			if !strings.HasPrefix(name, l.Prefix) {
				continue
			}
			secrets = append(secrets, Secret{
				ARN:  aws.StringValue(entry.ARN),
				Name: name,
			})
		}
		if aws.StringValue(output.NextToken) == "" {
			break
		}
		token = output.NextToken
	}
	return secrets, nil
}

// Fetch retrieves the current value of each secret.
func (l *Loader) Fetch(ctx context.Context, secrets []Secret) ([]Secret, error) {
	fetched := make([]Secret, 0, len(secrets))
	for _, secret := range secrets {
		output, err := l.Client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secret.ARN),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get secret value %s", secret.Name)
		}
		raw := aws.StringValue(output.SecretString)
		if output.SecretString == nil && output.SecretBinary != nil {
			raw = string(output.SecretBinary)
		}
		value, err := l.parse(secret.Name, raw)
		if err != nil {
			return nil, err
		}
		if output.Name != nil {
			secret.Name = aws.StringValue(output.Name)
		}
		secret.Value = value
		fetched = append(fetched, secret)
	}
	return fetched, nil
}

// Load lists, fetches and keys every matching secret by its name with the
// prefix removed. Later secrets overwrite earlier ones with the same key.
func (l *Loader) Load(ctx context.Context) (map[string]interface{}, error) {
	listed, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	l.Log.WithField("count", len(listed)).Debug("Listed matching secrets")

	secrets, err := l.Fetch(ctx, listed)
	if err != nil {
		return nil, err
	}

	mapping := make(map[string]interface{}, len(secrets))
	for _, secret := range secrets {
		key := strings.TrimPrefix(secret.Name, l.Prefix)
		if _, exists := mapping[key]; exists {
			l.Log.WithField("key", key).WithField("secret", secret.Name).Warn("Secret key collision, overwriting earlier value")
		}
		mapping[key] = secret.Value
	}
	return mapping, nil
}

// LoadFile loads the secrets and writes them to path.
func (l *Loader) LoadFile(ctx context.Context, path string) (map[string]interface{}, error) {
	mapping, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := WriteFile(path, mapping); err != nil {
		return nil, err
	}
	l.Log.WithField("path", path).WithField("count", len(mapping)).Info("Wrote secrets file")
	return mapping, nil
}

func (l *Loader) parse(name string, raw string) (interface{}, error) {
	value, err := ParseValue(raw)
	if err == nil {
		return value, nil
	}
	if l.Strict {
		return nil, errors.Wrapf(err, "failed to parse secret %s as JSON", name)
	}
	l.Log.WithField("secret", name).WithError(err).Warn("Secret looks like JSON but did not parse, keeping literal value")
	return raw, nil
}

// IsJSON reports whether raw starts with a character that opens a JSON object,
// array or string.
func IsJSON(raw string) bool {
	if raw == "" {
		return false
	}
	switch raw[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

// ParseValue decodes raw as JSON when IsJSON says so and returns it unchanged
// otherwise. The raw string is returned alongside any decode error. Integral
// numbers decode to int64 so large ids survive the YAML dump.
func ParseValue(raw string) (interface{}, error) {
	if !IsJSON(raw) {
		return raw, nil
	}
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return raw, err
	}
	if decoder.More() {
		return raw, errors.New("unexpected data after JSON value")
	}
	return convertNumbers(value), nil
}

func convertNumbers(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]interface{}:
		for k, item := range v {
			v[k] = convertNumbers(item)
		}
	case []interface{}:
		for i, item := range v {
			v[i] = convertNumbers(item)
		}
	}
	return value
}

// WriteFile serializes mapping as YAML to path, replacing any existing file.
func WriteFile(path string, mapping map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	data, err := yaml.Marshal(mapping)
	if err != nil {
		return errors.Wrap(err, "failed to marshal secrets")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
