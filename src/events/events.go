// Package events forwards Ansible playbook lifecycle events to a Sink.
//
// The Ansible callback plugin serializes each callback into an Envelope and
// hands it to Reporter.Dispatch; the reporter keeps no state between events.
package events

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	RunnerFailed      = "runnerFailed"
	RunnerOkay        = "runnerOkay"
	RunnerSkipped     = "runnerSkipped"
	RunnerUnreachable = "runnerUnreachable"
	PlaybookNotify    = "playbookNotify"
	NoHostsMatched    = "noHostsMatched"
	NoHostsRemaining  = "noHostsRemaining"
	TaskStart         = "taskStart"
	PlaybookStart     = "playbookStart"
	PlaybookStats     = "playbookStats"
)

// Envelope is the JSON document the callback plugin emits per callback.
type Envelope struct {
	Event    string          `json:"event"`
	Host     string          `json:"host,omitempty"`
	Task     string          `json:"task,omitempty"`
	Playbook string          `json:"playbook,omitempty"`
	Dump     json.RawMessage `json:"dump,omitempty"`
}

type Reporter struct {
	Sink Sink
}

func NewReporter(sink Sink) *Reporter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Reporter{Sink: sink}
}

func (r *Reporter) OnRunnerFailed(ctx context.Context, host string, result interface{}) error {
	return r.put(ctx, RunnerFailed, hostData(host, result))
}

func (r *Reporter) OnRunnerOkay(ctx context.Context, host string, result interface{}) error {
	return r.put(ctx, RunnerOkay, hostData(host, result))
}

func (r *Reporter) OnRunnerSkipped(ctx context.Context, host string, result interface{}) error {
	return r.put(ctx, RunnerSkipped, hostData(host, result))
}

func (r *Reporter) OnRunnerUnreachable(ctx context.Context, host string, result interface{}) error {
	return r.put(ctx, RunnerUnreachable, hostData(host, result))
}

func (r *Reporter) OnPlaybookNotify(ctx context.Context, host string, handler interface{}) error {
	return r.put(ctx, PlaybookNotify, hostData(host, handler))
}

func (r *Reporter) OnNoHostsMatched(ctx context.Context) error {
	return r.put(ctx, NoHostsMatched, map[string]interface{}{})
}

func (r *Reporter) OnNoHostsRemaining(ctx context.Context) error {
	return r.put(ctx, NoHostsRemaining, map[string]interface{}{})
}

func (r *Reporter) OnTaskStart(ctx context.Context, task string, dump interface{}) error {
	return r.put(ctx, TaskStart, map[string]interface{}{"task": task, "dump": dump})
}

func (r *Reporter) OnPlaybookStart(ctx context.Context, playbook string, dump interface{}) error {
	return r.put(ctx, PlaybookStart, map[string]interface{}{"playbook": playbook, "dump": dump})
}

func (r *Reporter) OnPlaybookStats(ctx context.Context, stats interface{}) error {
	return r.put(ctx, PlaybookStats, map[string]interface{}{"dump": stats})
}

// Dispatch decodes an Envelope and routes it to the matching handler.
func (r *Reporter) Dispatch(ctx context.Context, raw []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "failed to decode event")
	}
	return r.DispatchEnvelope(ctx, &envelope)
}

func (r *Reporter) DispatchEnvelope(ctx context.Context, envelope *Envelope) error {
	var dump interface{}
	if len(envelope.Dump) > 0 {
		if err := json.Unmarshal(envelope.Dump, &dump); err != nil {
			return errors.Wrapf(err, "failed to decode %s dump", envelope.Event)
		}
	}

	switch envelope.Event {
	case RunnerFailed:
		return r.OnRunnerFailed(ctx, envelope.Host, dump)
	case RunnerOkay:
		return r.OnRunnerOkay(ctx, envelope.Host, dump)
	case RunnerSkipped:
		return r.OnRunnerSkipped(ctx, envelope.Host, dump)
	case RunnerUnreachable:
		return r.OnRunnerUnreachable(ctx, envelope.Host, dump)
	case PlaybookNotify:
		return r.OnPlaybookNotify(ctx, envelope.Host, dump)
	case NoHostsMatched:
		return r.OnNoHostsMatched(ctx)
	case NoHostsRemaining:
		return r.OnNoHostsRemaining(ctx)
	case TaskStart:
		return r.OnTaskStart(ctx, envelope.Task, dump)
	case PlaybookStart:
		return r.OnPlaybookStart(ctx, envelope.Playbook, dump)
	case PlaybookStats:
		return r.OnPlaybookStats(ctx, dump)
	}
	return errors.Errorf("unknown event type %q", envelope.Event)
}

func (r *Reporter) put(ctx context.Context, eventType string, data map[string]interface{}) error {
	if err := r.Sink.PutEvent(ctx, eventType, data); err != nil {
		return errors.Wrapf(err, "failed to report %s", eventType)
	}
	return nil
}

func hostData(host string, dump interface{}) map[string]interface{} {
	return map[string]interface{}{"host": host, "dump": dump}
}
