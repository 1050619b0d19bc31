package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"appctl/services/fleet"
	"appctl/services/fleet/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// APPCTL_* settings may live in a .env file next to the invocation.
	_ = godotenv.Load()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "appctl",
		Short:         "Start and stop tagged EC2 application tiers in dependency order",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML config file (default ./appctl.yaml or "+config.ConfigDir()+"/appctl.yaml)")
	flags.String("region", "", "AWS region (overrides aws.region)")
	flags.String("log-format", "", "Log format: text or json (overrides log.format)")
	_ = v.BindPFlag("aws.region", flags.Lookup("region"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	cmd.AddCommand(newWorkflowCommand(v, &configFile, fleet.WorkflowStart,
		"Start an application's instances role by role and launch its services"))
	cmd.AddCommand(newWorkflowCommand(v, &configFile, fleet.WorkflowStop,
		"Stop an application's services role by role and shut its instances down"))
	cmd.AddCommand(newPlanCommand(v, &configFile))
	cmd.AddCommand(newEventsCommand(v, &configFile))
	return cmd
}

func newWorkflowCommand(v *viper.Viper, configFile *string, workflow, short string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   workflow + " <application-name>",
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, v, *configFile, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if dryRun {
				return a.plan(ctx, workflow, args[0])
			}
			return a.run(ctx, workflow, args[0])
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the role plan without starting, stopping or dispatching anything")
	return cmd
}

func newPlanCommand(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <start|stop> <application-name>",
		Short: "Discover an application's instances and print the role plan as YAML",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			workflow := strings.ToLower(args[0])
			if workflow != fleet.WorkflowStart && workflow != fleet.WorkflowStop {
				fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
				return fmt.Errorf("unknown workflow %q, want start or stop", args[0])
			}
			a, err := newApp(ctx, v, *configFile, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.plan(ctx, workflow, args[1])
		},
	}
}

func newEventsCommand(v *viper.Viper, configFile *string) *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow run events published to NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return followEvents(ctx, v, *configFile, durable, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "appctl-events", "JetStream durable consumer name")
	return cmd
}

// exactArgs is cobra.ExactArgs that also rejects blank arguments and prints
// usage to stderr, which SilenceUsage would otherwise suppress.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == n {
			blank := false
			for _, a := range args {
				if strings.TrimSpace(a) == "" {
					blank = true
				}
			}
			if !blank {
				return nil
			}
		}
		fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
		return errors.New("usage: appctl " + cmd.Use)
	}
}
