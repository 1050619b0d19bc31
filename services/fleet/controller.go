package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// ControllerOptions tunes the start path; stop never waits.
type ControllerOptions struct {
	// RunningTimeout bounds the instance-running waiter.
	RunningTimeout time.Duration
	// GracePeriod is slept once instances are running so the SSM agent can register.
	GracePeriod time.Duration
}

// Controller changes instance power state.
type Controller struct {
	ec2    EC2API
	waiter runningWaiter
	logger *log.Logger
	opts   ControllerOptions
	sleep  func(context.Context, time.Duration) error
}

func NewController(client EC2API, logger *log.Logger, opts ControllerOptions) (*Controller, error) {
	if client == nil {
		return nil, errors.New("ec2 client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.RunningTimeout <= 0 {
		opts.RunningTimeout = 10 * time.Minute
	}
	return &Controller{
		ec2:    client,
		waiter: ec2.NewInstanceRunningWaiter(client),
		logger: logger,
		opts:   opts,
		sleep:  sleepContext,
	}, nil
}

// Start powers on ids, blocks until EC2 reports them running, then sleeps the
// grace period. Failures are logged and returned; callers carry on regardless.
func (c *Controller) Start(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids}); err != nil {
		c.logger.Printf("ERROR starting instances %v: %v", ids, err)
		return fmt.Errorf("start instances: %w", err)
	}
	c.logger.Printf("INFO start command sent for instances: %v", ids)

	c.logger.Printf("INFO waiting for instances to reach running state (timeout %s)", c.opts.RunningTimeout)
	if err := c.waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, c.opts.RunningTimeout); err != nil {
		c.logger.Printf("ERROR waiting for instances %v: %v", ids, err)
		return fmt.Errorf("wait for running: %w", err)
	}
	c.logger.Printf("INFO instances %v are now running", ids)

	if c.opts.GracePeriod > 0 {
		c.logger.Printf("INFO waiting %s for SSM agent to be ready", c.opts.GracePeriod)
		if err := c.sleep(ctx, c.opts.GracePeriod); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests a stop and returns without waiting for the stopped state.
func (c *Controller) Stop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids}); err != nil {
		c.logger.Printf("ERROR stopping instances %v: %v", ids, err)
		return fmt.Errorf("stop instances: %w", err)
	}
	c.logger.Printf("INFO stop command sent for instances: %v", ids)
	return nil
}
