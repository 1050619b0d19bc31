package fleet

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"appctl/pkg/metrics"
)

var testRunID = uuid.MustParse("6f1c2d3e-4b5a-4c6d-8e7f-9a0b1c2d3e4f")

type sequencerHarness struct {
	j       *journal
	ec2     *fakeEC2
	waiter  *fakeWaiter
	ssm     *fakeSSM
	events  *fakePublisher
	metrics *metrics.Metrics
	out     bytes.Buffer
	logs    bytes.Buffer
	seq     *Sequencer
}

func newSequencerHarness(t *testing.T, instances ...ec2types.Instance) *sequencerHarness {
	t.Helper()
	h := &sequencerHarness{j: &journal{}, events: &fakePublisher{}, metrics: metrics.New()}
	h.ec2 = &fakeEC2{j: h.j, describe: describeReturning(instances...)}
	h.ssm = newFakeSSM(h.j)
	logger := newTestLogger(&h.logs)

	loc, err := NewLocator(h.ec2, TagKeys{}, logger)
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	ctrl, err := NewController(h.ec2, logger, ControllerOptions{GracePeriod: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.waiter = &fakeWaiter{j: h.j}
	ctrl.waiter = h.waiter
	ctrl.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	disp, err := NewDispatcher(h.ssm, logger, DispatcherOptions{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	disp.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seq, err := NewSequencer(SequencerConfig{
		Locator:    loc,
		Controller: ctrl,
		Dispatcher: disp,
		Events:     h.events,
		Metrics:    h.metrics,
		Stdout:     &h.out,
		Logger:     logger,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewRunID: func() uuid.UUID { return testRunID },
	})
	if err != nil {
		t.Fatalf("NewSequencer: %v", err)
	}
	h.seq = seq
	return h
}

func startWorkflow() Workflow {
	return Workflow{
		Name:      WorkflowStart,
		RoleOrder: []string{"database", "middleware", "frontend"},
		Commands: map[string][]string{
			"database":   {"systemctl start httpd"},
			"middleware": {"systemctl start httpd"},
			"frontend":   {"systemctl start httpd"},
		},
		CommandWait: 5 * time.Second,
	}
}

func stopWorkflow() Workflow {
	return Workflow{
		Name:      WorkflowStop,
		RoleOrder: []string{"frontend", "middleware", "database"},
		Commands: map[string][]string{
			"database":   {"systemctl stop httpd"},
			"middleware": {"systemctl stop httpd"},
			"frontend":   {"systemctl stop httpd"},
		},
		CommandWait: 30 * time.Second,
	}
}

func TestSequencerStartOrdersRoles(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-2", "frontend"), ec2Instance("i-1", "database"))

	report, err := h.seq.Run(context.Background(), startWorkflow(), "shop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"ec2.start [i-1]",
		"ec2.wait [i-1]",
		"ssm.send [i-1] [systemctl start httpd]",
		"ssm.get i-1",
		"ec2.start [i-2]",
		"ec2.wait [i-2]",
		"ssm.send [i-2] [systemctl start httpd]",
		"ssm.get i-2",
	}
	if got := h.j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v\nwant %v", got, want)
	}

	state := h.ec2.describeInputs[0].Filters[1]
	if aws.ToString(state.Name) != "instance-state-name" || !reflect.DeepEqual(state.Values, []string{"stopped"}) {
		t.Fatalf("state filter = %s=%v, want stopped", aws.ToString(state.Name), state.Values)
	}

	out := h.out.String()
	for _, line := range []string{
		"Starting application: shop\n",
		"\nProcessing Role: database, Instances: [i-1]\n",
		"i-1 - Status: Success\n",
		"Instances [i-1] started and applications launched.\n\n",
		"\nProcessing Role: frontend, Instances: [i-2]\n",
		"Instances [i-2] started and applications launched.\n\n",
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("stdout missing %q:\n%s", line, out)
		}
	}
	if strings.Contains(out, "middleware") {
		t.Fatalf("absent role was printed:\n%s", out)
	}
	if strings.Index(out, "database") > strings.Index(out, "frontend") {
		t.Fatalf("roles printed out of order:\n%s", out)
	}

	if report.RunID != testRunID || report.Discovered != 2 || len(report.Roles) != 2 || report.Cancelled {
		t.Fatalf("report = %+v", report)
	}
	if got := report.Outcomes()[OutcomeSucceeded]; got != 2 {
		t.Fatalf("succeeded = %d, want 2", got)
	}
}

func TestSequencerStopDispatchesBeforeStopping(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"), ec2Instance("i-2", "frontend"))

	if _, err := h.seq.Run(context.Background(), stopWorkflow(), "shop"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"ssm.send [i-2] [systemctl stop httpd]",
		"ssm.get i-2",
		"ec2.stop [i-2]",
		"ssm.send [i-1] [systemctl stop httpd]",
		"ssm.get i-1",
		"ec2.stop [i-1]",
	}
	if got := h.j.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v\nwant %v", got, want)
	}
	if vals := h.ec2.describeInputs[0].Filters[1].Values; !reflect.DeepEqual(vals, []string{"running"}) {
		t.Fatalf("state filter = %v, want running", vals)
	}
	out := h.out.String()
	if !strings.HasPrefix(out, "Stopping application: shop\n") {
		t.Fatalf("stdout = %q", out)
	}
	if !strings.Contains(out, "Instances [i-2] are shutting down.\n\n") {
		t.Fatalf("stdout missing stop trailer:\n%s", out)
	}
}

func TestSequencerNoInstances(t *testing.T) {
	h := newSequencerHarness(t)
	h.ec2.describe = func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return nil, errors.New("RequestExpired")
	}

	report, err := h.seq.Run(context.Background(), startWorkflow(), "shop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.out.String(); got != "Starting application: shop\nNo instances found. Exiting.\n" {
		t.Fatalf("stdout = %q", got)
	}
	if calls := h.j.list(); len(calls) != 0 {
		t.Fatalf("calls = %v, want none", calls)
	}
	if report.Discovered != 0 || len(report.Roles) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if !strings.Contains(h.logs.String(), "ERROR fetching instances") {
		t.Fatalf("log = %q", h.logs.String())
	}
}

func TestSequencerSkipsUnassignedInstances(t *testing.T) {
	h := newSequencerHarness(t,
		ec2Instance("i-1", "database"),
		ec2Instance("i-3", "cache"),
		ec2Instance("i-4", ""),
	)

	report, err := h.seq.Run(context.Background(), startWorkflow(), "shop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, call := range h.j.list() {
		if strings.Contains(call, "i-3") || strings.Contains(call, "i-4") {
			t.Fatalf("unassigned instance touched: %s", call)
		}
	}
	want := []Instance{{ID: "i-3", Role: "cache"}, {ID: "i-4"}}
	if !reflect.DeepEqual(report.Unassigned, want) {
		t.Fatalf("unassigned = %+v, want %+v", report.Unassigned, want)
	}
	if !strings.Contains(h.logs.String(), "WARN skipping 2 instance(s)") {
		t.Fatalf("log = %q", h.logs.String())
	}
}

func TestSequencerContinuesAfterLifecycleError(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"), ec2Instance("i-2", "frontend"))
	h.ec2.startErr = errors.New("IncorrectInstanceState")

	report, err := h.seq.Run(context.Background(), startWorkflow(), "shop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Roles) != 2 {
		t.Fatalf("roles = %d, want both processed", len(report.Roles))
	}
	for _, rr := range report.Roles {
		if !strings.Contains(rr.LifecycleError, "IncorrectInstanceState") {
			t.Fatalf("role %s lifecycle error = %q", rr.Role, rr.LifecycleError)
		}
	}
	if got := h.ssm.polls["i-2"]; got != 1 {
		t.Fatalf("frontend polls = %d, want commands still dispatched", got)
	}
	if got, err := testutil.GatherAndCount(h.metrics.Registry(), "appctl_lifecycle_requests_total"); err != nil || got != 2 {
		t.Fatalf("lifecycle series = %d (%v), want 2", got, err)
	}
}

func TestSequencerPrintsCommandOutput(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"))
	h.ssm.replies["i-1"] = []invocationReply{statusReply(ssmtypes.CommandInvocationStatusFailed, "partial", "unit httpd not found")}

	if _, err := h.seq.Run(context.Background(), startWorkflow(), "shop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "i-1 - Status: Failed\nStdOut: partial\nStdErr: unit httpd not found\n"
	if !strings.Contains(h.out.String(), want) {
		t.Fatalf("stdout = %q, want %q", h.out.String(), want)
	}
}

func TestSequencerPendingPrintsUnknown(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"))
	h.ssm.replies["i-1"] = []invocationReply{{err: &ssmtypes.InvocationDoesNotExist{Message: aws.String("pending")}}}

	report, err := h.seq.Run(context.Background(), startWorkflow(), "shop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := h.out.String()
	if !strings.Contains(out, "i-1 - Status: Unknown\n") || strings.Contains(out, "StdOut:") || strings.Contains(out, "StdErr:") {
		t.Fatalf("stdout = %q", out)
	}
	if got := report.Outcomes()[OutcomePending]; got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestSequencerPublishesEvents(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"), ec2Instance("i-2", "frontend"))

	if _, err := h.seq.Run(context.Background(), startWorkflow(), "shop"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"appctl.runs.started",
		"appctl.roles.completed",
		"appctl.roles.completed",
		"appctl.runs.finished",
	}
	if got := h.events.subjects(); !reflect.DeepEqual(got, want) {
		t.Fatalf("subjects = %v, want %v", got, want)
	}
	role := h.events.events[1].event
	if role.Role != "database" || role.RunID != testRunID || role.Application != "shop" || role.Workflow != WorkflowStart {
		t.Fatalf("role event = %+v", role)
	}
	if done := h.events.events[3].event; done.Outcomes[OutcomeSucceeded] != 2 {
		t.Fatalf("finished event outcomes = %v", done.Outcomes)
	}
}

func TestSequencerPublishErrorIsLogged(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"))
	h.events.err = errors.New("nats: no responders available for request")

	if _, err := h.seq.Run(context.Background(), startWorkflow(), "shop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.logs.String(), "WARN publishing appctl.runs.started event") {
		t.Fatalf("log = %q", h.logs.String())
	}
	if len(h.j.list()) == 0 {
		t.Fatal("run stopped after publish error")
	}
}

func TestSequencerRecordsMetrics(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"), ec2Instance("i-2", "frontend"))

	if _, err := h.seq.Run(context.Background(), startWorkflow(), "shop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reg := h.metrics.Registry()
	for name, want := range map[string]int{
		"appctl_instances_discovered":                  1,
		"appctl_lifecycle_requests_total":              2,
		"appctl_command_invocations_total":             2,
		"appctl_role_duration_seconds":                 2,
		"appctl_run_last_completion_timestamp_seconds": 1,
	} {
		got, err := testutil.GatherAndCount(reg, name)
		if err != nil {
			t.Fatalf("GatherAndCount(%s): %v", name, err)
		}
		if got != want {
			t.Fatalf("%s series = %d, want %d", name, got, want)
		}
	}
}

func TestSequencerCancelled(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-1", "database"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.seq.Run(ctx, startWorkflow(), "shop")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report == nil || !report.Cancelled || len(report.Roles) != 0 {
		t.Fatalf("report = %+v, want cancelled with no roles", report)
	}
	if calls := h.j.list(); len(calls) != 0 {
		t.Fatalf("calls = %v, want none", calls)
	}
	subjects := h.events.subjects()
	if subjects[len(subjects)-1] != "appctl.runs.finished" {
		t.Fatalf("subjects = %v, want finished event after cancel", subjects)
	}
}

func TestSequencerPlan(t *testing.T) {
	h := newSequencerHarness(t, ec2Instance("i-2", "frontend"), ec2Instance("i-1", "database"), ec2Instance("i-9", "batch"))

	plan, err := h.seq.Plan(context.Background(), stopWorkflow(), "shop")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := Plan{
		Application: "shop",
		Workflow:    WorkflowStop,
		Groups: []RoleGroup{
			{Role: "frontend", InstanceIDs: []string{"i-2"}},
			{Role: "database", InstanceIDs: []string{"i-1"}},
		},
		Unassigned: []Instance{{ID: "i-9", Role: "batch"}},
	}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %+v, want %+v", plan, want)
	}
	if calls := h.j.list(); len(calls) != 0 {
		t.Fatalf("plan had side effects: %v", calls)
	}
	if h.out.Len() != 0 {
		t.Fatalf("plan wrote to stdout: %q", h.out.String())
	}
}

func TestSequencerPlanNoInstances(t *testing.T) {
	h := newSequencerHarness(t)
	h.ec2.describe = func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return nil, errors.New("UnauthorizedOperation")
	}

	plan, err := h.seq.Plan(context.Background(), startWorkflow(), "shop")
	if !errors.Is(err, ErrNoInstances) {
		t.Fatalf("err = %v, want ErrNoInstances", err)
	}
	if len(plan.Groups) != 0 {
		t.Fatalf("plan = %+v, want empty", plan)
	}
	if got := h.out.String(); got != "No instances found.\n" {
		t.Fatalf("stdout = %q", got)
	}
	if calls := h.j.list(); len(calls) != 0 {
		t.Fatalf("plan had side effects: %v", calls)
	}
}

func TestSequencerUnknownWorkflow(t *testing.T) {
	h := newSequencerHarness(t)
	if _, err := h.seq.Run(context.Background(), Workflow{Name: "restart"}, "shop"); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}
