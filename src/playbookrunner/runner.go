// Package playbookrunner bootstraps a worker instance: it installs tooling,
// pulls playbook assets from S3, runs ansible-playbook and then tears the
// instance down.
//
// Each stage is an explicit Step with a Policy. Teardown steps (log upload,
// notification, cleanup, termination) run even when an earlier stage aborted,
// so a failed playbook is still visible in the uploaded log.
package playbookrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pashonic/ansible-runner/src/utils/sendsns"
)

const (
	StepInstall     = "install"
	StepWorkdir     = "workdir"
	StepCopyAssets  = "copy-assets"
	StepDownloadKey = "download-key"
	StepKeyMode     = "key-mode"
	StepPlaybook    = "playbook"
	StepInstanceID  = "instance-id"
	StepUploadLog   = "upload-log"
	StepNotify      = "notify"
	StepCleanup     = "cleanup"
	StepTerminate   = "terminate"

	DefaultInstallCommand = "sudo amazon-linux-extras install %s -y"

	log_file_mode = 0644
	key_file_mode = 0400
)

// Commander runs an external command.
type Commander interface {
	Run(ctx context.Context, dir string, stdout io.Writer, stderr io.Writer, name string, args ...string) error
}

type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, dir string, stdout io.Writer, stderr io.Writer, name string, args ...string) error {
	/* #nosec */
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s failed", name)
	}
	return nil
}

type Metadata interface {
	InstanceID(ctx context.Context) (string, error)
}

type Cleaner interface {
	Invoke(ctx context.Context) error
}

type Runner struct {
	Bucket         Bucket
	BucketName     string
	Prefix         string
	OutDir         string
	AnsiblePath    string
	HostsFile      string
	SiteFile       string
	User           string
	KeyObject      string
	KeyFile        string
	LogFile        string
	Packages       []string
	InstallCommand string
	Terminate      bool
	SNSTopicArn    string

	Commander Commander
	Metadata  Metadata
	EC2       ec2iface.EC2API
	SNS       snsiface.SNSAPI
	Cleanup   Cleaner
	Stdout    io.Writer
	Stderr    io.Writer
	Log       logrus.FieldLogger

	instanceID string
}

func New(bucket Bucket) *Runner {
	return &Runner{
		Bucket:         bucket,
		InstallCommand: DefaultInstallCommand,
		Commander:      ExecCommander{},
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		Log:            logrus.StandardLogger(),
	}
}

// Steps returns the main phase followed by the teardown phase.
func (r *Runner) Steps() ([]Step, []Step) {
	main := []Step{
		{Name: StepInstall, Policy: Abort, Run: r.install},
		{Name: StepWorkdir, Policy: Abort, Run: r.workdir},
		{Name: StepCopyAssets, Policy: Abort, Run: r.copyAssets},
		{Name: StepDownloadKey, Policy: Abort, Run: r.downloadKey},
		{Name: StepKeyMode, Policy: Abort, Run: r.keyMode},
		{Name: StepPlaybook, Policy: Continue, Run: r.playbook},
	}

	teardown := []Step{
		{Name: StepInstanceID, Policy: Abort, Run: r.fetchInstanceID},
		{Name: StepUploadLog, Policy: Continue, Run: r.uploadLog},
	}
	if r.SNSTopicArn != "" && r.SNS != nil {
		teardown = append(teardown, Step{Name: StepNotify, Policy: Continue, Run: r.notify})
	}
	if r.Cleanup != nil {
		teardown = append(teardown, Step{Name: StepCleanup, Policy: Continue, Run: r.Cleanup.Invoke})
	}
	if r.Terminate {
		teardown = append(teardown, Step{Name: StepTerminate, Policy: Continue, Run: r.terminate})
	}
	return main, teardown
}

// Run executes every step and returns the report together with all step
// failures.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	main, teardown := r.Steps()

	var result *multierror.Error
	if err := runSteps(ctx, r.Log, main, report); err != nil {
		result = multierror.Append(result, err)
	}

	// Teardown proceeds even after the caller cancelled the run.
	if err := runSteps(context.WithoutCancel(ctx), r.Log, teardown, report); err != nil {
		result = multierror.Append(result, err)
	}
	report.InstanceID = r.instanceID
	return report, result.ErrorOrNil()
}

func (r *Runner) install(ctx context.Context) error {
	for _, pkg := range r.Packages {
		fields := strings.Fields(fmt.Sprintf(r.InstallCommand, pkg))
		if len(fields) == 0 {
			return errors.New("install command is empty")
		}
		if err := r.Commander.Run(ctx, "", r.Stdout, r.Stderr, fields[0], fields[1:]...); err != nil {
			return errors.Wrapf(err, "failed to install %s", pkg)
		}
	}
	return nil
}

func (r *Runner) workdir(ctx context.Context) error {
	if r.OutDir == "" {
		return errors.New("output directory must be provided")
	}
	return os.MkdirAll(r.OutDir, 0755)
}

func (r *Runner) copyAssets(ctx context.Context) error {
	if r.Bucket == nil {
		return errors.New("bucket must be provided")
	}
	paths, err := r.Bucket.CopyDirectory(ctx, r.Prefix, r.OutDir)
	if err != nil {
		return err
	}
	r.Log.WithField("count", len(paths)).WithField("dir", r.OutDir).Info("Copied playbook assets")
	return nil
}

func (r *Runner) downloadKey(ctx context.Context) error {
	return r.Bucket.DownloadFile(ctx, r.KeyObject, r.KeyFile)
}

func (r *Runner) keyMode(ctx context.Context) error {
	return errors.Wrapf(os.Chmod(r.KeyFile, key_file_mode), "failed to set mode on %s", r.KeyFile)
}

func (r *Runner) playbook(ctx context.Context) error {
	hosts := r.resolve(r.HostsFile)
	site := r.resolve(r.SiteFile)
	for _, path := range []string{hosts, site} {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "playbook file %s is missing", path)
		}
	}

	args := []string{"--private-key", r.KeyFile}
	if r.User != "" {
		args = append(args, "-u", r.User)
	}
	args = append(args, "-i", hosts, site)

	stdout, stderr := r.Stdout, r.Stderr
	if r.LogFile != "" {
		logFile, err := openLog(r.LogFile)
		if err != nil {
			return err
		}
		defer logFile.Close()
		stdout = io.MultiWriter(stdout, logFile)
		stderr = io.MultiWriter(stderr, logFile)
	}
	return r.Commander.Run(ctx, r.OutDir, stdout, stderr, r.AnsiblePath, args...)
}

// openLog opens path for appending, creating it and its directory if needed.
func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, log_file_mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open run log %s", path)
	}
	return f, nil
}

func (r *Runner) fetchInstanceID(ctx context.Context) error {
	id, err := r.Metadata.InstanceID(ctx)
	if err != nil {
		return err
	}
	r.instanceID = id
	r.Log.WithField("instance", id).Debug("Resolved instance id")
	return nil
}

// LogKey is the object key a run's log is uploaded to.
func LogKey(instanceID string) string {
	return fmt.Sprintf("logs/run-%s.log", instanceID)
}

func (r *Runner) uploadLog(ctx context.Context) error {
	if r.LogFile == "" {
		return nil
	}
	return r.Bucket.UploadFile(ctx, LogKey(r.instanceID), r.LogFile)
}

func (r *Runner) notify(ctx context.Context) error {
	message := fmt.Sprintf("playbook run on %s finished, log at s3://%s/%s", r.instanceID, r.BucketName, LogKey(r.instanceID))
	return sendsns.SendSNS(ctx, r.SNS, r.SNSTopicArn, "Ansible run finished", message)
}

func (r *Runner) terminate(ctx context.Context) error {
	_, err := r.EC2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice([]string{r.instanceID}),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to terminate EC2 instance %s", r.instanceID)
	}
	return nil
}

func (r *Runner) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.OutDir, path)
}
