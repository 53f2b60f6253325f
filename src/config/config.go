package config

import (
	"os"

	"github.com/BurntSushi/toml"
	env "github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
)

const (
	default_region        = "us-east-1"
	default_secret_prefix = "ansible-"
	default_secrets_file  = "/tmp/ansible/secrets.yaml"
	default_bucket_prefix = "ansible"
	default_output_dir    = "/tmp"
	default_ansible_path  = "ansible-playbook"
	default_ssh_user      = "ec2-user"
	default_key_file      = "/tmp/id_rsa"
	default_key_object    = "files/id_rsa"
	default_log_file      = "/var/log/cloud-init-output.log"
	default_metadata_url  = "http://169.254.169.254"
	default_event_source  = "gov.gsa.ansible"
)

type AWS struct {
	Region      string `toml:"region" env:"REGION"`
	MetadataURL string `toml:"metadata_url" env:"METADATA_URL"`
}

type Secrets struct {
	Prefix string `toml:"prefix" env:"SECRET_PREFIX"`
	File   string `toml:"file" env:"SECRETS_FILE"`
	Strict bool   `toml:"strict" env:"SECRETS_STRICT"`
}

type Runner struct {
	Bucket      string   `toml:"bucket" env:"BUCKET"`
	Prefix      string   `toml:"prefix" env:"BUCKET_PREFIX"`
	OutDir      string   `toml:"output_dir" env:"OUTPUT_DIR"`
	AnsiblePath string   `toml:"ansible_path" env:"ANSIBLE_PATH"`
	HostsFile   string   `toml:"hosts_file" env:"HOSTS_FILE"`
	SiteFile    string   `toml:"site_file" env:"SITE_FILE"`
	User        string   `toml:"user" env:"EC2_USER"`
	KeyObject   string   `toml:"key_object" env:"KEY_OBJECT"`
	KeyFile     string   `toml:"key_file" env:"KEY_FILE"`
	LogFile     string   `toml:"log_file" env:"LOG_FILE"`
	Packages    []string `toml:"packages" env:"PACKAGES" envSeparator:","`
	Terminate   bool     `toml:"terminate" env:"TERMINATE"`
	SNSTopicArn string   `toml:"sns_topic_arn" env:"SNS_TOPIC_ARN"`
}

type Cleanup struct {
	Function    string `toml:"function" env:"FUNC_NAME"`
	Role        string `toml:"role" env:"ROLE"`
	Credentials string `toml:"credentials" env:"CREDENTIALS_SOURCE"`
}

type Events struct {
	Sinks       []string `toml:"sinks" env:"EVENT_SINKS" envSeparator:","`
	EventBus    string   `toml:"event_bus" env:"EVENT_BUS"`
	Source      string   `toml:"source" env:"EVENT_SOURCE"`
	Resources   []string `toml:"resources" env:"EVENT_RESOURCES" envSeparator:","`
	SNSTopicArn string   `toml:"sns_topic_arn" env:"EVENT_SNS_TOPIC_ARN"`
}

type Config struct {
	AWS     AWS     `toml:"aws"`
	Secrets Secrets `toml:"secrets"`
	Runner  Runner  `toml:"runner"`
	Cleanup Cleanup `toml:"cleanup"`
	Events  Events  `toml:"events"`
}

func Default() *Config {
	return &Config{
		AWS: AWS{
			Region:      default_region,
			MetadataURL: default_metadata_url,
		},
		Secrets: Secrets{
			Prefix: default_secret_prefix,
			File:   default_secrets_file,
		},
		Runner: Runner{
			Prefix:      default_bucket_prefix,
			OutDir:      default_output_dir,
			AnsiblePath: default_ansible_path,
			User:        default_ssh_user,
			KeyObject:   default_key_object,
			KeyFile:     default_key_file,
			LogFile:     default_log_file,
			Packages:    []string{"ansible2", "awscli"},
			Terminate:   true,
		},
		Cleanup: Cleanup{
			Credentials: "role",
		},
		Events: Events{
			Sinks:  []string{"log"},
			Source: default_event_source,
		},
	}
}

// Load reads the TOML file at path on top of the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	conf := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, conf); err != nil {
				return nil, errors.Wrapf(err, "failed to decode config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to stat config file %s", path)
		}
	}
	if err := env.Parse(conf); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment variables")
	}
	return conf, nil
}
