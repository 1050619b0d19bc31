package fleet

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// journal records provider calls across fakes so tests can assert ordering.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type fakeEC2 struct {
	j        *journal
	describe func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	startErr error
	stopErr  error

	describeInputs []*ec2.DescribeInstancesInput
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeInputs = append(f.describeInputs, in)
	if f.describe == nil {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return f.describe(in)
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.j.add("ec2.start %v", in.InstanceIds)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.j.add("ec2.stop %v", in.InstanceIds)
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &ec2.StopInstancesOutput{}, nil
}

type fakeWaiter struct {
	j        *journal
	err      error
	timeouts []time.Duration
}

func (w *fakeWaiter) Wait(_ context.Context, in *ec2.DescribeInstancesInput, maxWait time.Duration, _ ...func(*ec2.InstanceRunningWaiterOptions)) error {
	w.j.add("ec2.wait %v", in.InstanceIds)
	w.timeouts = append(w.timeouts, maxWait)
	return w.err
}

type invocationReply struct {
	out *ssm.GetCommandInvocationOutput
	err error
}

type fakeSSM struct {
	j         *journal
	sendErr   error
	commandID string
	// replies are consumed per instance; the last one repeats.
	replies map[string][]invocationReply

	sent  []*ssm.SendCommandInput
	polls map[string]int
}

func newFakeSSM(j *journal) *fakeSSM {
	return &fakeSSM{
		j:         j,
		commandID: "cmd-1",
		replies:   make(map[string][]invocationReply),
		polls:     make(map[string]int),
	}
}

func (f *fakeSSM) SendCommand(_ context.Context, in *ssm.SendCommandInput, _ ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	f.j.add("ssm.send %v %v", in.InstanceIds, in.Parameters["commands"])
	f.sent = append(f.sent, in)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{CommandId: aws.String(f.commandID)}}, nil
}

func (f *fakeSSM) GetCommandInvocation(_ context.Context, in *ssm.GetCommandInvocationInput, _ ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	id := aws.ToString(in.InstanceId)
	f.j.add("ssm.get %s", id)
	n := f.polls[id]
	f.polls[id]++

	replies := f.replies[id]
	if len(replies) == 0 {
		return &ssm.GetCommandInvocationOutput{
			CommandId:             in.CommandId,
			InstanceId:            in.InstanceId,
			Status:                ssmtypes.CommandInvocationStatusSuccess,
			StandardOutputContent: aws.String(""),
		}, nil
	}
	if n >= len(replies) {
		n = len(replies) - 1
	}
	return replies[n].out, replies[n].err
}

func statusReply(status ssmtypes.CommandInvocationStatus, stdout, stderr string) invocationReply {
	return invocationReply{out: &ssm.GetCommandInvocationOutput{
		Status:                status,
		StandardOutputContent: aws.String(stdout),
		StandardErrorContent:  aws.String(stderr),
	}}
}

type publishedEvent struct {
	subject string
	event   Event
}

type fakePublisher struct {
	err    error
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, subj string, v any) error {
	evt, _ := v.(Event)
	p.events = append(p.events, publishedEvent{subject: subj, event: evt})
	return p.err
}

func (p *fakePublisher) subjects() []string {
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

func ec2Instance(id, role string) ec2types.Instance {
	tags := []ec2types.Tag{{Key: aws.String("applicationname"), Value: aws.String("shop")}}
	if role != "" {
		tags = append(tags, ec2types.Tag{Key: aws.String("Role"), Value: aws.String(role)})
	}
	return ec2types.Instance{InstanceId: aws.String(id), Tags: tags}
}

func describeReturning(instances ...ec2types.Instance) func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	return func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: instances}},
		}, nil
	}
}

func newTestLogger(buf *bytes.Buffer) *log.Logger {
	return log.New(buf, "", 0)
}

// recordSleeps returns a sleep func that records durations and never blocks.
func recordSleeps(into *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*into = append(*into, d)
		return ctx.Err()
	}
}
