package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"appctl/pkg/metrics"
)

const tracerName = "appctl/services/fleet"

// SequencerConfig wires a Sequencer. Events and Metrics are optional.
type SequencerConfig struct {
	Locator        *Locator
	Controller     *Controller
	Dispatcher     *Dispatcher
	Events         EventPublisher
	EventPrefix    string
	Metrics        *metrics.Metrics
	Stdout         io.Writer
	Logger         *log.Logger
	Now            func() time.Time
	NewRunID       func() uuid.UUID
	TracerProvider trace.TracerProvider
}

// Sequencer walks a workflow's roles in order, one role group at a time.
type Sequencer struct {
	locator     *Locator
	controller  *Controller
	dispatcher  *Dispatcher
	events      EventPublisher
	eventPrefix string
	metrics     *metrics.Metrics
	out         io.Writer
	logger      *log.Logger
	now         func() time.Time
	newRunID    func() uuid.UUID
	tracer      trace.Tracer
}

func NewSequencer(cfg SequencerConfig) (*Sequencer, error) {
	if cfg.Locator == nil {
		return nil, errors.New("locator is required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.New
	}
	if cfg.EventPrefix == "" {
		cfg.EventPrefix = "appctl"
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	return &Sequencer{
		locator:     cfg.Locator,
		controller:  cfg.Controller,
		dispatcher:  cfg.Dispatcher,
		events:      cfg.Events,
		eventPrefix: cfg.EventPrefix,
		metrics:     cfg.Metrics,
		out:         cfg.Stdout,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newRunID:    cfg.NewRunID,
		tracer:      cfg.TracerProvider.Tracer(tracerName),
	}, nil
}

// ErrNoInstances is returned by Plan when discovery found nothing, either
// because the fleet is empty in the target state or because the lookup failed.
var ErrNoInstances = errors.New("no instances found")

// Plan discovers the fleet for wf without changing anything. When nothing is
// found it prints the same notice as Run and returns ErrNoInstances.
func (s *Sequencer) Plan(ctx context.Context, wf Workflow, app string) (Plan, error) {
	state, err := targetState(wf.Name)
	if err != nil {
		return Plan{}, err
	}
	instances := s.locator.Locate(ctx, app, state)
	if len(instances) == 0 {
		fmt.Fprintln(s.out, "No instances found.")
		return Plan{}, ErrNoInstances
	}
	plan := BuildPlan(instances, wf.RoleOrder)
	plan.Application = app
	plan.Workflow = wf.Name
	return plan, nil
}

// Run executes wf for app. Provider failures never abort the run; the only
// error returned is for an unknown workflow or a cancelled context, in which
// case the partial report is still returned.
func (s *Sequencer) Run(ctx context.Context, wf Workflow, app string) (*Report, error) {
	state, err := targetState(wf.Name)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:       s.newRunID(),
		Application: app,
		Workflow:    wf.Name,
		StartedAt:   s.now().UTC(),
	}

	ctx, span := s.tracer.Start(ctx, "appctl."+wf.Name, trace.WithAttributes(
		attribute.String("appctl.application", app),
		attribute.String("appctl.run_id", report.RunID.String()),
	))
	defer span.End()

	if wf.Name == WorkflowStart {
		fmt.Fprintf(s.out, "Starting application: %s\n", app)
	} else {
		fmt.Fprintf(s.out, "Stopping application: %s\n", app)
	}
	s.publish(ctx, report, Event{Type: eventRunStarted})

	instances := s.locator.Locate(ctx, app, state)
	report.Discovered = len(instances)
	s.metrics.ObserveDiscovered(wf.Name, len(instances))
	span.SetAttributes(attribute.Int("appctl.instances", len(instances)))

	if len(instances) == 0 {
		fmt.Fprintln(s.out, "No instances found. Exiting.")
		return s.finish(ctx, report, nil), nil
	}

	plan := BuildPlan(instances, wf.RoleOrder)
	report.Unassigned = plan.Unassigned
	if len(plan.Unassigned) > 0 {
		s.logger.Printf("WARN skipping %d instance(s) whose %s tag is missing or not in %v: %v",
			len(plan.Unassigned), s.locator.tags.Role, wf.RoleOrder, plan.Unassigned)
	}

	for _, group := range plan.Groups {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return s.finish(ctx, report, err), err
		}
		rr := s.runRole(ctx, wf, group)
		report.Roles = append(report.Roles, rr)
		s.publish(ctx, report, Event{
			Type:        eventRoleCompleted,
			Role:        rr.Role,
			InstanceIDs: rr.InstanceIDs,
			Outcomes:    rr.Outcomes(),
			Error:       rr.LifecycleError,
		})
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return s.finish(ctx, report, err), err
	}
	return s.finish(ctx, report, nil), nil
}

func (s *Sequencer) runRole(ctx context.Context, wf Workflow, group RoleGroup) RoleReport {
	ctx, span := s.tracer.Start(ctx, "appctl.role", trace.WithAttributes(
		attribute.String("appctl.role", group.Role),
		attribute.StringSlice("appctl.instance_ids", group.InstanceIDs),
	))
	defer span.End()

	started := s.now()
	rr := RoleReport{Role: group.Role, InstanceIDs: group.InstanceIDs}
	commands := wf.commandsFor(group.Role)

	fmt.Fprintf(s.out, "\nProcessing Role: %s, Instances: %v\n", group.Role, group.InstanceIDs)

	var lifecycleErr error
	if wf.Name == WorkflowStart {
		lifecycleErr = s.controller.Start(ctx, group.InstanceIDs)
		s.metrics.ObserveLifecycle(wf.Name, group.Role, "start", lifecycleErr)
		rr.Results = s.dispatcher.Run(ctx, group.InstanceIDs, commands, wf.CommandWait)
	} else {
		rr.Results = s.dispatcher.Run(ctx, group.InstanceIDs, commands, wf.CommandWait)
		lifecycleErr = s.controller.Stop(ctx, group.InstanceIDs)
		s.metrics.ObserveLifecycle(wf.Name, group.Role, "stop", lifecycleErr)
	}
	if lifecycleErr != nil {
		rr.LifecycleError = lifecycleErr.Error()
		span.RecordError(lifecycleErr)
	}

	for _, res := range rr.Results {
		s.metrics.ObserveInvocation(wf.Name, group.Role, res.Outcome())
		fmt.Fprintf(s.out, "%s - Status: %s\n", res.InstanceID, res.Status)
		if res.StdOut != "" {
			fmt.Fprintf(s.out, "StdOut: %s\n", res.StdOut)
		}
		if res.StdErr != "" {
			fmt.Fprintf(s.out, "StdErr: %s\n", res.StdErr)
		}
	}

	if wf.Name == WorkflowStart {
		fmt.Fprintf(s.out, "Instances %v started and applications launched.\n\n", group.InstanceIDs)
	} else {
		fmt.Fprintf(s.out, "Instances %v are shutting down.\n\n", group.InstanceIDs)
	}

	rr.Duration = s.now().Sub(started)
	s.metrics.ObserveRoleDuration(wf.Name, group.Role, rr.Duration)
	return rr
}

func (s *Sequencer) finish(ctx context.Context, report *Report, cause error) *Report {
	report.FinishedAt = s.now().UTC()
	evt := Event{Type: eventRunFinished, Outcomes: report.Outcomes()}
	if cause != nil {
		report.Cancelled = true
		evt.Error = cause.Error()
		// ctx is already done; give the final event its own budget.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	} else {
		s.metrics.MarkCompleted(report.Workflow, report.FinishedAt)
	}
	s.publish(ctx, report, evt)
	return report
}

func (s *Sequencer) publish(ctx context.Context, report *Report, evt Event) {
	if s.events == nil {
		return
	}
	evt.RunID = report.RunID
	evt.Application = report.Application
	evt.Workflow = report.Workflow
	evt.At = s.now().UTC()

	subject := EventSubject(s.eventPrefix, evt.Type)
	if err := s.events.Publish(ctx, subject, evt); err != nil {
		s.logger.Printf("WARN publishing %s event: %v", subject, err)
	}
}

func targetState(workflow string) (ec2types.InstanceStateName, error) {
	switch workflow {
	case WorkflowStart:
		return ec2types.InstanceStateNameStopped, nil
	case WorkflowStop:
		return ec2types.InstanceStateNameRunning, nil
	default:
		return "", fmt.Errorf("unknown workflow %q", workflow)
	}
}
