package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"appctl/services/fleet"
)

const (
	// EnvPrefix scopes environment overrides, e.g. APPCTL_AWS_REGION.
	EnvPrefix = "APPCTL"

	WaitModeFixed = fleet.WaitModeFixed
	WaitModePoll  = fleet.WaitModePoll
)

// Default returns the built-in configuration: a database, middleware, frontend
// tier order with httpd as the managed service.
func Default() *Config {
	httpd := func(verb string) map[string][]string {
		return map[string][]string{
			"database":   {"systemctl " + verb + " httpd"},
			"middleware": {"systemctl " + verb + " httpd"},
			"frontend":   {"systemctl " + verb + " httpd"},
		}
	}

	return &Config{
		AWS: AWSConfig{
			Region:      "us-east-1",
			SessionName: "appctl",
		},
		Tags: TagConfig{
			Application: "applicationname",
			Role:        "Role",
		},
		Start: WorkflowConfig{
			RoleOrder:   []string{"database", "middleware", "frontend"},
			Commands:    httpd("start"),
			CommandWait: 5 * time.Second,
			GracePeriod: 30 * time.Second,
		},
		Stop: WorkflowConfig{
			RoleOrder:   []string{"frontend", "middleware", "database"},
			Commands:    httpd("stop"),
			CommandWait: 30 * time.Second,
		},
		EC2: EC2Config{
			RunningTimeout: 10 * time.Minute,
		},
		SSM: SSMConfig{
			Document:        "AWS-RunShellScript",
			DeliveryTimeout: 600 * time.Second,
			WaitMode:        WaitModeFixed,
			PollInterval:    2 * time.Second,
			PollTimeout:     5 * time.Minute,
		},
		Report: ReportConfig{
			Prefix:     "reports",
			PresignTTL: 15 * time.Minute,
		},
		Events: EventsConfig{
			SubjectPrefix: "appctl",
		},
		Metrics: MetricsConfig{
			Job: "appctl",
		},
		Log: LogConfig{
			Format: "text",
		},
	}
}

// New returns a viper instance with defaults and APPCTL_* environment
// overrides wired up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// APPCTL_SSM_WAIT_MODE maps to ssm.wait_mode
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key so that env overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.endpoint", d.AWS.Endpoint)
	v.SetDefault("aws.access_key", d.AWS.AccessKey)
	v.SetDefault("aws.secret_key", d.AWS.SecretKey)
	v.SetDefault("aws.assume_role_arn", d.AWS.AssumeRoleARN)
	v.SetDefault("aws.session_name", d.AWS.SessionName)

	v.SetDefault("tags.application", d.Tags.Application)
	v.SetDefault("tags.role", d.Tags.Role)

	v.SetDefault("start.role_order", d.Start.RoleOrder)
	v.SetDefault("start.commands", d.Start.Commands)
	v.SetDefault("start.command_wait", d.Start.CommandWait)
	v.SetDefault("start.grace_period", d.Start.GracePeriod)

	v.SetDefault("stop.role_order", d.Stop.RoleOrder)
	v.SetDefault("stop.commands", d.Stop.Commands)
	v.SetDefault("stop.command_wait", d.Stop.CommandWait)

	v.SetDefault("ec2.running_timeout", d.EC2.RunningTimeout)

	v.SetDefault("ssm.document", d.SSM.Document)
	v.SetDefault("ssm.delivery_timeout", d.SSM.DeliveryTimeout)
	v.SetDefault("ssm.wait_mode", d.SSM.WaitMode)
	v.SetDefault("ssm.poll_interval", d.SSM.PollInterval)
	v.SetDefault("ssm.poll_timeout", d.SSM.PollTimeout)

	v.SetDefault("report.bucket", d.Report.Bucket)
	v.SetDefault("report.prefix", d.Report.Prefix)
	v.SetDefault("report.presign_ttl", d.Report.PresignTTL)

	v.SetDefault("events.nats_url", d.Events.NATSURL)
	v.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)

	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("metrics.job", d.Metrics.Job)

	v.SetDefault("log.format", d.Log.Format)
}

// Load reads an optional config file into v, unmarshals and validates it.
// An explicit configFile must exist; otherwise appctl.yaml is looked up in the
// working directory and then in ConfigDir, and its absence is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = New()
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("appctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ConfigDir returns $XDG_CONFIG_HOME/appctl, falling back to ~/.config/appctl.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "appctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".appctl"
	}
	return filepath.Join(home, ".config", "appctl")
}

func (c *Config) normalize() {
	c.Start.RoleOrder = trimList(c.Start.RoleOrder)
	c.Stop.RoleOrder = trimList(c.Stop.RoleOrder)
	c.SSM.WaitMode = strings.ToLower(strings.TrimSpace(c.SSM.WaitMode))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Report.Prefix = strings.Trim(strings.TrimSpace(c.Report.Prefix), "/")
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
