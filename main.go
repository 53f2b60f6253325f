package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchevents"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/pashonic/ansible-runner/src/cleanup"
	"github.com/pashonic/ansible-runner/src/config"
	"github.com/pashonic/ansible-runner/src/events"
	"github.com/pashonic/ansible-runner/src/metadata"
	"github.com/pashonic/ansible-runner/src/playbookrunner"
	"github.com/pashonic/ansible-runner/src/secretsloader"
	"github.com/pashonic/ansible-runner/src/utils/logsplit"
)

const (
	default_config_file = "config.toml"
)

func init() {
	logsplit.Install(logrus.StandardLogger())
}

func main() {
	os.Exit(_main(os.Args))
}

func _main(args []string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		for sig := range c {
			logrus.WithField("signal", sig).Info("Received signal")
			cancel()
		}
	}()

	if err := newApp().RunContext(ctx, args); err != nil {
		logrus.WithError(err).Error("ansible-runner failed")
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ansible-runner",
		Usage: "bootstrap a worker instance, run a playbook against the fleet and clean up",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: default_config_file, Usage: "path to the TOML config file"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "logrus level"},
			&cli.StringFlag{Name: "region", Usage: "AWS region, overrides the config file"},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			secretsCommand(),
			runCommand(),
			cleanupCommand(),
			eventCommand(),
		},
	}
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if region := c.String("region"); region != "" {
		conf.AWS.Region = region
	}
	return conf, nil
}

func newSession(conf *config.Config) (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(conf.AWS.Region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get AWS session")
	}
	return sess, nil
}

func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "write prefixed Secrets Manager entries to a YAML file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prefix", Usage: "secret name prefix"},
			&cli.StringFlag{Name: "out", Usage: "output file"},
			&cli.BoolFlag{Name: "strict", Usage: "fail on values that look like JSON but do not parse"},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("prefix") {
				conf.Secrets.Prefix = c.String("prefix")
			}
			if c.IsSet("out") {
				conf.Secrets.File = c.String("out")
			}
			sess, err := newSession(conf)
			if err != nil {
				return err
			}

			loader := secretsloader.New(secretsmanager.New(sess), conf.Secrets.Prefix)
			loader.Strict = conf.Secrets.Strict || c.Bool("strict")
			logrus.WithField("path", conf.Secrets.File).Info("Creating secrets file")
			_, err = loader.LoadFile(c.Context, conf.Secrets.File)
			return err
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "install tooling, run the playbook, upload the log and terminate this instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bucket", Usage: "bucket holding playbook assets"},
			&cli.StringFlag{Name: "hosts", Usage: "inventory file"},
			&cli.StringFlag{Name: "site", Usage: "playbook entry point"},
			&cli.BoolFlag{Name: "no-terminate", Usage: "leave the instance running"},
			&cli.BoolFlag{Name: "secrets", Usage: "write the secrets file before running"},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("bucket") {
				conf.Runner.Bucket = c.String("bucket")
			}
			if c.IsSet("hosts") {
				conf.Runner.HostsFile = c.String("hosts")
			}
			if c.IsSet("site") {
				conf.Runner.SiteFile = c.String("site")
			}
			if c.Bool("no-terminate") {
				conf.Runner.Terminate = false
			}
			if conf.Runner.Bucket == "" {
				return errors.New("bucket must be provided")
			}
			sess, err := newSession(conf)
			if err != nil {
				return err
			}

			if c.Bool("secrets") {
				loader := secretsloader.New(secretsmanager.New(sess), conf.Secrets.Prefix)
				loader.Strict = conf.Secrets.Strict
				if _, err := loader.LoadFile(c.Context, conf.Secrets.File); err != nil {
					return err
				}
			}

			meta := metadata.New(sess, conf.AWS.MetadataURL)
			runner := playbookrunner.New(playbookrunner.NewS3Bucket(conf.Runner.Bucket, s3.New(sess)))
			runner.BucketName = conf.Runner.Bucket
			runner.Prefix = conf.Runner.Prefix
			runner.OutDir = conf.Runner.OutDir
			runner.AnsiblePath = conf.Runner.AnsiblePath
			runner.HostsFile = conf.Runner.HostsFile
			runner.SiteFile = conf.Runner.SiteFile
			runner.User = conf.Runner.User
			runner.KeyObject = conf.Runner.KeyObject
			runner.KeyFile = conf.Runner.KeyFile
			runner.LogFile = conf.Runner.LogFile
			runner.Packages = conf.Runner.Packages
			runner.Terminate = conf.Runner.Terminate
			runner.SNSTopicArn = conf.Runner.SNSTopicArn
			runner.Metadata = meta
			runner.EC2 = ec2.New(sess)
			runner.SNS = sns.New(sess)
			if conf.Cleanup.Function != "" {
				runner.Cleanup = newInvoker(conf, sess, meta)
			}

			report, err := runner.Run(c.Context)
			report.Log(logrus.StandardLogger())
			return err
		},
	}
}

func newInvoker(conf *config.Config, sess *session.Session, meta *metadata.Client) *cleanup.Invoker {
	invoker := cleanup.New(conf.Cleanup.Function, conf.Cleanup.Role, meta, cleanup.SessionClients(sess))
	if conf.Cleanup.Credentials != "" && conf.Cleanup.Role != "" {
		invoker.Credentials = conf.Cleanup.Credentials
	}
	return invoker
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:      "cleanup",
		Usage:     "invoke the cleanup function for this instance",
		ArgsUsage: "<bucket> <role> <function>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "credentials", Usage: "credential source: role or session"},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.NArg() > 0 && c.NArg() != 3 {
				return errors.New("usage: ansible-runner cleanup <bucket> <role> <function>")
			}
			if c.NArg() == 3 {
				conf.Runner.Bucket = c.Args().Get(0)
				conf.Cleanup.Role = c.Args().Get(1)
				conf.Cleanup.Function = c.Args().Get(2)
			}
			sess, err := newSession(conf)
			if err != nil {
				return err
			}

			invoker := newInvoker(conf, sess, metadata.New(sess, conf.AWS.MetadataURL))
			if c.IsSet("credentials") {
				invoker.Credentials = c.String("credentials")
			}
			return invoker.Invoke(c.Context)
		},
	}
}

func eventCommand() *cli.Command {
	return &cli.Command{
		Name:  "event",
		Usage: "forward one playbook event read as JSON from stdin",
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			sink, err := newSink(conf)
			if err != nil {
				return err
			}
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return errors.Wrap(err, "failed to read event")
			}
			return events.NewReporter(sink).Dispatch(c.Context, raw)
		},
	}
}

// newSink builds the configured event sinks; AWS clients are only created
// when a sink needs them.
func newSink(conf *config.Config) (events.Sink, error) {
	var (
		sinks events.MultiSink
		sess  *session.Session
	)
	awsSession := func() (*session.Session, error) {
		if sess != nil {
			return sess, nil
		}
		var err error
		sess, err = newSession(conf)
		return sess, err
	}

	for _, name := range conf.Events.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, &events.LogSink{Log: logrus.StandardLogger()})
		case "none":
			sinks = append(sinks, events.NopSink{})
		case "eventbridge":
			s, err := awsSession()
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, &events.EventBridgeSink{
				Client:    cloudwatchevents.New(s),
				EventBus:  conf.Events.EventBus,
				Source:    conf.Events.Source,
				Resources: conf.Events.Resources,
			})
		case "sns":
			s, err := awsSession()
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, &events.SNSSink{Client: sns.New(s), TopicArn: conf.Events.SNSTopicArn})
		default:
			return nil, errors.Errorf("unknown event sink %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}
