package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"

	"appctl/pkg/awsconf"
	"appctl/pkg/bus"
	"appctl/pkg/metrics"
	gos3 "appctl/pkg/s3"
	"appctl/pkg/telemetry"
	"appctl/services/fleet"
	"appctl/services/fleet/internal/config"
)

const serviceName = "appctl"

// postRunTimeout bounds archiving and metrics push, which may run after the
// command context was cancelled.
const postRunTimeout = 30 * time.Second

type app struct {
	cfg      *config.Config
	logger   *log.Logger
	stdout   io.Writer
	awsCfg   aws.Config
	seq      *fleet.Sequencer
	metrics  *metrics.Metrics
	bus      *bus.Bus
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, v *viper.Viper, configFile string, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}

	shutdown, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{LogFormat: cfg.Log.Format, Out: stderr})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, stdout: stdout, shutdown: shutdown, metrics: metrics.New()}

	a.awsCfg, err = awsconf.Load(ctx, awsconf.Options{
		Region:        cfg.AWS.Region,
		Endpoint:      cfg.AWS.Endpoint,
		AccessKey:     cfg.AWS.AccessKey,
		SecretKey:     cfg.AWS.SecretKey,
		AssumeRoleARN: cfg.AWS.AssumeRoleARN,
		SessionName:   cfg.AWS.SessionName,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("aws config: %w", err)
	}
	ec2Client := ec2.NewFromConfig(a.awsCfg)
	ssmClient := ssm.NewFromConfig(a.awsCfg)

	locator, err := fleet.NewLocator(ec2Client, fleet.TagKeys{Application: cfg.Tags.Application, Role: cfg.Tags.Role}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	controller, err := fleet.NewController(ec2Client, logger, fleet.ControllerOptions{
		RunningTimeout: cfg.EC2.RunningTimeout,
		GracePeriod:    cfg.Start.GracePeriod,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	dispatcher, err := fleet.NewDispatcher(ssmClient, logger, fleet.DispatcherOptions{
		Document:        cfg.SSM.Document,
		DeliveryTimeout: cfg.SSM.DeliveryTimeout,
		WaitMode:        cfg.SSM.WaitMode,
		PollInterval:    cfg.SSM.PollInterval,
		PollTimeout:     cfg.SSM.PollTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	seqCfg := fleet.SequencerConfig{
		Locator:     locator,
		Controller:  controller,
		Dispatcher:  dispatcher,
		EventPrefix: cfg.Events.SubjectPrefix,
		Metrics:     a.metrics,
		Stdout:      stdout,
		Logger:      logger,
	}
	if cfg.Events.NATSURL != "" {
		b, err := bus.New(cfg.Events.NATSURL, nats.Name(serviceName))
		if err != nil {
			logger.Printf("WARN connecting to NATS at %s, run events disabled: %v", cfg.Events.NATSURL, err)
		} else {
			a.bus = b
			seqCfg.Events = b
		}
	}

	a.seq, err = fleet.NewSequencer(seqCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Printf("WARN flushing traces: %v", err)
		}
	}
}

func (a *app) workflow(name string) (fleet.Workflow, error) {
	var wc config.WorkflowConfig
	switch name {
	case fleet.WorkflowStart:
		wc = a.cfg.Start
	case fleet.WorkflowStop:
		wc = a.cfg.Stop
	default:
		return fleet.Workflow{}, fmt.Errorf("unknown workflow %q", name)
	}
	return fleet.Workflow{
		Name:        name,
		RoleOrder:   wc.RoleOrder,
		Commands:    wc.Commands,
		CommandWait: wc.CommandWait,
	}, nil
}

func (a *app) plan(ctx context.Context, workflow, application string) error {
	wf, err := a.workflow(workflow)
	if err != nil {
		return err
	}
	plan, err := a.seq.Plan(ctx, wf, application)
	if errors.Is(err, fleet.ErrNoInstances) {
		// the notice is already on stdout; an empty fleet is not a failure, as with run
		return nil
	}
	if err != nil {
		return err
	}
	return plan.WriteYAML(a.stdout)
}

// run executes the workflow, then archives the report and pushes metrics.
// Only cancellation makes it fail; everything else is logged.
func (a *app) run(ctx context.Context, workflow, application string) error {
	wf, err := a.workflow(workflow)
	if err != nil {
		return err
	}

	report, runErr := a.seq.Run(ctx, wf, application)
	if report == nil {
		return runErr
	}
	report.WriteSummary(a.stdout)

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postRunTimeout)
	defer cancel()

	if a.cfg.Report.Bucket != "" {
		_ = fleet.ArchiveReport(postCtx, fleet.ArchiveConfig{
			Archiver:   gos3.NewClient(a.awsCfg),
			Bucket:     a.cfg.Report.Bucket,
			Prefix:     a.cfg.Report.Prefix,
			PresignTTL: a.cfg.Report.PresignTTL,
			Stdout:     a.stdout,
			Logger:     a.logger,
		}, report)
	}

	if a.cfg.Metrics.PushgatewayURL != "" {
		grouping := map[string]string{"application": application}
		if err := a.metrics.Push(postCtx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, grouping); err != nil {
			a.logger.Printf("WARN pushing metrics to %s: %v", a.cfg.Metrics.PushgatewayURL, err)
		} else {
			a.logger.Printf("INFO metrics pushed to %s", a.cfg.Metrics.PushgatewayURL)
		}
	}
	return runErr
}

// followEvents prints every run event until ctx is cancelled.
func followEvents(ctx context.Context, v *viper.Viper, configFile, durable string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if cfg.Events.NATSURL == "" {
		return errors.New("events.nats_url is not configured")
	}
	logger, err := telemetry.NewLogger(serviceName, telemetry.Options{LogFormat: cfg.Log.Format, Out: stderr})
	if err != nil {
		return err
	}

	b, err := bus.New(cfg.Events.NATSURL, nats.Name(serviceName+"-events"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer b.Close()

	subject := fleet.EventWildcard(cfg.Events.SubjectPrefix)
	sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, _ string, data []byte) error {
		var evt fleet.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.Printf("WARN skipping malformed event: %v", err)
			return nil
		}
		fmt.Fprintln(stdout, formatEvent(evt))
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Close()
	logger.Printf("INFO following %s as %s", subject, durable)

	<-ctx.Done()
	return nil
}

func formatEvent(evt fleet.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-14s %s %s run=%s",
		evt.At.UTC().Format(time.RFC3339), evt.Type, evt.Workflow, evt.Application, evt.RunID)
	if evt.Role != "" {
		fmt.Fprintf(&b, " role=%s instances=%v", evt.Role, evt.InstanceIDs)
	}
	if len(evt.Outcomes) > 0 {
		fmt.Fprintf(&b, " succeeded=%d failed=%d pending=%d",
			evt.Outcomes[fleet.OutcomeSucceeded], evt.Outcomes[fleet.OutcomeFailed], evt.Outcomes[fleet.OutcomePending])
	}
	if evt.Error != "" {
		fmt.Fprintf(&b, " error=%q", evt.Error)
	}
	return b.String()
}
