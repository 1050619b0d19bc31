package fleet

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

const (
	WaitModeFixed = "fixed"
	WaitModePoll  = "poll"
)

// DispatcherOptions configures how command batches are sent and collected.
type DispatcherOptions struct {
	// Document is the SSM document, AWS-RunShellScript by default.
	Document string
	// DeliveryTimeout is sent as TimeoutSeconds on the command.
	DeliveryTimeout time.Duration
	// WaitMode "fixed" polls each instance exactly once after the wait;
	// "poll" keeps polling until a terminal status or PollTimeout.
	WaitMode     string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Dispatcher runs shell command batches through SSM Run Command.
type Dispatcher struct {
	ssm    SSMAPI
	logger *log.Logger
	opts   DispatcherOptions
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

func NewDispatcher(client SSMAPI, logger *log.Logger, opts DispatcherOptions) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("ssm client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(opts.Document) == "" {
		opts.Document = "AWS-RunShellScript"
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 600 * time.Second
	}
	switch opts.WaitMode {
	case "":
		opts.WaitMode = WaitModeFixed
	case WaitModeFixed, WaitModePoll:
	default:
		return nil, errors.New("unknown wait mode " + opts.WaitMode)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		ssm:    client,
		logger: logger,
		opts:   opts,
		sleep:  sleepContext,
		now:    time.Now,
	}, nil
}

// Run sends commands to ids as one SSM command, waits, and collects one
// result per instance in ids order. Submission failures are logged and yield
// no results; per-instance failures come back as Failed results.
func (d *Dispatcher) Run(ctx context.Context, ids, commands []string, wait time.Duration) []InvocationResult {
	if len(ids) == 0 {
		return nil
	}
	if len(commands) == 0 {
		d.logger.Printf("WARN no commands configured for instances %v, nothing dispatched", ids)
		return nil
	}

	out, err := d.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName:   aws.String(d.opts.Document),
		InstanceIds:    ids,
		Parameters:     map[string][]string{"commands": commands},
		TimeoutSeconds: aws.Int32(int32(d.opts.DeliveryTimeout / time.Second)),
	})
	if err != nil {
		d.logger.Printf("ERROR sending SSM command: %v", err)
		return nil
	}

	var commandID string
	if out != nil && out.Command != nil {
		commandID = aws.ToString(out.Command.CommandId)
	}
	d.logger.Printf("INFO SSM command sent, command ID: %s", commandID)

	if err := d.sleep(ctx, wait); err != nil {
		return failedResults(ids, err)
	}

	results := make([]InvocationResult, 0, len(ids))
	deadline := d.now().Add(d.opts.PollTimeout)
	for _, id := range ids {
		if d.opts.WaitMode == WaitModePoll {
			results = append(results, d.pollUntilDone(ctx, commandID, id, deadline))
			continue
		}
		results = append(results, d.poll(ctx, commandID, id))
	}
	return results
}

func (d *Dispatcher) poll(ctx context.Context, commandID, instanceID string) InvocationResult {
	out, err := d.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		// SSM answers InvocationDoesNotExist until the command reaches the instance.
		var notYet *ssmtypes.InvocationDoesNotExist
		if errors.As(err, &notYet) {
			return InvocationResult{InstanceID: instanceID, Status: StatusUnknown}
		}
		return InvocationResult{InstanceID: instanceID, Status: StatusFailed, StdErr: pollErrorText(err)}
	}

	status := string(out.Status)
	if status == "" {
		status = StatusUnknown
	}
	return InvocationResult{
		InstanceID: instanceID,
		Status:     status,
		StdOut:     aws.ToString(out.StandardOutputContent),
		StdErr:     aws.ToString(out.StandardErrorContent),
	}
}

func (d *Dispatcher) pollUntilDone(ctx context.Context, commandID, instanceID string, deadline time.Time) InvocationResult {
	for {
		res := d.poll(ctx, commandID, instanceID)
		if res.Outcome() != OutcomePending || !d.now().Before(deadline) {
			return res
		}
		if err := d.sleep(ctx, d.opts.PollInterval); err != nil {
			return res
		}
	}
}

// pollErrorText prefers the provider's error code over the wrapped SDK chain.
func pollErrorText(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return err.Error()
}

func failedResults(ids []string, err error) []InvocationResult {
	results := make([]InvocationResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, InvocationResult{InstanceID: id, Status: StatusFailed, StdErr: err.Error()})
	}
	return results
}
