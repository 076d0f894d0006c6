// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"errors"
	"log/slog"
)

// ErrDone signals that the executor has no more steps. It is the
// normal termination sentinel of [*Executor.Next], not a failure.
var ErrDone = errors.New("execution done")

// StepOutputs is an insertion-ordered mapping from step name to that
// step's output. Only named steps are recorded; anonymous steps
// execute but are not addressable.
type StepOutputs struct {
	byName map[string]*StepOutput
	names  []string
}

// newStepOutputs returns an empty [*StepOutputs].
func newStepOutputs() *StepOutputs {
	return &StepOutputs{byName: make(map[string]*StepOutput)}
}

// put stores the output under its name. The executor validates name
// uniqueness up front, so overwrites cannot happen here.
func (o *StepOutputs) put(name string, out *StepOutput) {
	if _, dup := o.byName[name]; !dup {
		o.names = append(o.names, name)
	}
	o.byName[name] = out
}

// Get returns the output of the named step, or nil.
func (o *StepOutputs) Get(name string) *StepOutput {
	return o.byName[name]
}

// Names returns the step names in insertion order.
func (o *StepOutputs) Names() []string {
	out := make([]string, len(o.names))
	copy(out, o.names)
	return out
}

// Len returns the number of recorded outputs.
func (o *StepOutputs) Len() int {
	return len(o.names)
}

// NewExecutor returns a new [*Executor] for the given plan.
//
// The plan is validated up front: each step must carry exactly one
// protocol body, step names must be unique, and HTTP URLs must be
// well formed. The executor never mutates the plan.
func NewExecutor(cfg *Config, logger SLogger, plan *Plan) (*Executor, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &Executor{
		cfg:     cfg,
		current: 0,
		logger:  logger,
		outputs: newStepOutputs(),
		plan:    plan,
	}, nil
}

// Executor iterates a plan, feeding each step's output into a map
// addressable by step name for reference by later steps.
//
// Steps run strictly sequentially: step i+1 does not start until step
// i's stack has been finished. Steps share no state other than the
// named-outputs map; every step builds a fresh transport stack.
type Executor struct {
	cfg     *Config
	current int
	logger  SLogger
	outputs *StepOutputs
	plan    *Plan
}

// Outputs exposes the named outputs recorded so far. The view is
// read-only by contract: callers interpolating prior outputs into
// later steps must not mutate them.
func (x *Executor) Outputs() *StepOutputs {
	return x.outputs
}

// Next executes the next step of the plan and returns its output.
//
// When no step remains, Next fails with [ErrDone]. A step whose
// execution fails still yields its output, populated with the error;
// the executor stores it if the step is named and advances normally.
// The plan as a whole never aborts: the caller decides when to stop
// pulling.
func (x *Executor) Next(ctx context.Context) (*StepOutput, error) {
	if x.current >= len(x.plan.Steps) {
		return nil, ErrDone
	}
	step := &x.plan.Steps[x.current]
	x.current++

	spanID := NewSpanID()
	t0 := x.cfg.TimeNow()
	x.logger.Info(
		"stepStart",
		slog.String("spanID", spanID),
		slog.String("stepName", step.Name),
		slog.String("stepKind", string(step.kind())),
		slog.Time("t", t0),
	)

	out := x.executeStep(ctx, step)
	out.Name = step.Name
	if step.Name != "" {
		x.outputs.put(step.Name, out)
	}

	var firstErr string
	if errs := out.topErrors(); len(errs) > 0 {
		firstErr = errs[0].Kind + ": " + errs[0].Message
	}
	x.logger.Info(
		"stepDone",
		slog.String("spanID", spanID),
		slog.String("stepName", step.Name),
		slog.String("stepKind", string(step.kind())),
		slog.String("stepError", firstErr),
		slog.Time("t0", t0),
		slog.Time("t", x.cfg.TimeNow()),
	)
	return out, nil
}

// executeStep builds the stack for the step body, drives it, and peels
// the finished runners into a single output.
func (x *Executor) executeStep(ctx context.Context, step *Step) *StepOutput {
	out := &StepOutput{Kind: step.kind()}
	var top Runner
	switch {
	case step.HTTP != nil:
		runner, err := NewHTTPRunner(x.cfg, x.logger, step.HTTP)
		if err != nil {
			out.HTTP = &HTTPOutput{Plan: step.HTTP, Errors: []Error{errorOutput(err)}}
			return out
		}
		runner.Execute(ctx)
		top = runner
	case step.TLS != nil:
		raw := NewRawTCPRunner(x.cfg, x.logger, &RawTCPPlan{
			DestHost: step.TLS.Host,
			DestPort: step.TLS.Port,
		})
		tcp := NewTCPRunner(x.cfg, x.logger, &TCPPlan{
			Host: step.TLS.Host,
			Port: step.TLS.Port,
		}, raw)
		runner := NewTLSRunner(x.cfg, x.logger, step.TLS, tcp)
		runner.Execute(ctx)
		top = runner
	case step.TCP != nil:
		raw := NewRawTCPRunner(x.cfg, x.logger, &RawTCPPlan{
			DestHost: step.TCP.Host,
			DestPort: step.TCP.Port,
		})
		runner := NewTCPRunner(x.cfg, x.logger, step.TCP, raw)
		runner.Execute(ctx)
		top = runner
	default:
		runner := NewRawTCPRunner(x.cfg, x.logger, step.RawTCP)
		runner.Execute(ctx)
		top = runner
	}
	for r := top; r != nil; r = r.Finish(out) {
	}
	return out
}
