package playbookrunner

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Policy decides what happens to the remaining steps when a step fails.
type Policy int

const (
	// Abort skips every later step in the same phase.
	Abort Policy = iota
	// Continue records the failure and moves on.
	Continue
)

func (p Policy) String() string {
	if p == Continue {
		return "continue"
	}
	return "abort"
}

type Step struct {
	Name   string
	Policy Policy
	Run    func(ctx context.Context) error
}

type StepResult struct {
	Name     string
	Err      error
	Skipped  bool
	Duration time.Duration
}

type Report struct {
	InstanceID string
	Steps      []StepResult
}

func (r *Report) Failed() bool {
	for _, step := range r.Steps {
		if step.Err != nil {
			return true
		}
	}
	return false
}

// Result returns the outcome of the named step.
func (r *Report) Result(name string) (StepResult, bool) {
	for _, step := range r.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepResult{}, false
}

func (s StepResult) Status() string {
	switch {
	case s.Skipped:
		return "skipped"
	case s.Err != nil:
		return "failed"
	}
	return "ok"
}

// Log writes one entry per step followed by an entry for the whole run.
func (r *Report) Log(log logrus.FieldLogger) {
	log = log.WithField("instance", r.InstanceID)
	for _, step := range r.Steps {
		entry := log.WithFields(logrus.Fields{
			"step":     step.Name,
			"status":   step.Status(),
			"duration": step.Duration.Round(time.Millisecond).String(),
		})
		switch {
		case step.Err != nil:
			entry.WithError(step.Err).Error("Step result")
		case step.Skipped:
			entry.Warn("Step result")
		default:
			entry.Info("Step result")
		}
	}
	log.WithField("failed", r.Failed()).Info("Run finished")
}

// runSteps executes steps in order and appends their results to report.
func runSteps(ctx context.Context, log logrus.FieldLogger, steps []Step, report *Report) error {
	var (
		result  *multierror.Error
		aborted bool
	)
	for _, step := range steps {
		if aborted {
			report.Steps = append(report.Steps, StepResult{Name: step.Name, Skipped: true})
			log.WithField("step", step.Name).Warn("Skipping step")
			continue
		}

		log.WithField("step", step.Name).Info("Running step")
		start := time.Now()
		err := step.Run(ctx)
		report.Steps = append(report.Steps, StepResult{Name: step.Name, Err: err, Duration: time.Since(start)})
		if err == nil {
			continue
		}

		log.WithField("step", step.Name).WithField("policy", step.Policy).WithError(err).Error("Step failed")
		result = multierror.Append(result, errors.Wrap(err, step.Name))
		if step.Policy == Abort {
			aborted = true
		}
	}
	return result.ErrorOrNil()
}
