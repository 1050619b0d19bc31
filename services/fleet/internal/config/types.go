package config

import "time"

// Config is the complete appctl configuration.
type Config struct {
	AWS     AWSConfig      `mapstructure:"aws" yaml:"aws"`
	Tags    TagConfig      `mapstructure:"tags" yaml:"tags"`
	Start   WorkflowConfig `mapstructure:"start" yaml:"start"`
	Stop    WorkflowConfig `mapstructure:"stop" yaml:"stop"`
	EC2     EC2Config      `mapstructure:"ec2" yaml:"ec2"`
	SSM     SSMConfig      `mapstructure:"ssm" yaml:"ssm"`
	Report  ReportConfig   `mapstructure:"report" yaml:"report"`
	Events  EventsConfig   `mapstructure:"events" yaml:"events"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
}

type AWSConfig struct {
	Region string `mapstructure:"region" yaml:"region"`
	// Endpoint overrides every service endpoint, e.g. http://localhost:4566.
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey     string `mapstructure:"access_key" yaml:"-"`
	SecretKey     string `mapstructure:"secret_key" yaml:"-"`
	AssumeRoleARN string `mapstructure:"assume_role_arn" yaml:"assume_role_arn,omitempty"`
	SessionName   string `mapstructure:"session_name" yaml:"session_name,omitempty"`
}

// TagConfig names the EC2 tags used for discovery.
type TagConfig struct {
	Application string `mapstructure:"application" yaml:"application"`
	Role        string `mapstructure:"role" yaml:"role"`
}

// WorkflowConfig describes one direction (start or stop).
type WorkflowConfig struct {
	RoleOrder []string            `mapstructure:"role_order" yaml:"role_order"`
	Commands  map[string][]string `mapstructure:"commands" yaml:"commands"`
	// CommandWait is the pause between sending a command batch and polling results.
	CommandWait time.Duration `mapstructure:"command_wait" yaml:"command_wait"`
	// GracePeriod is slept after instances report running. Start only; stop rejects it.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

type EC2Config struct {
	RunningTimeout time.Duration `mapstructure:"running_timeout" yaml:"running_timeout"`
}

type SSMConfig struct {
	Document        string        `mapstructure:"document" yaml:"document"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	// WaitMode is "fixed" (sleep once, poll once) or "poll".
	WaitMode     string        `mapstructure:"wait_mode" yaml:"wait_mode"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}

type ReportConfig struct {
	Bucket     string        `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix     string        `mapstructure:"prefix" yaml:"prefix"`
	PresignTTL time.Duration `mapstructure:"presign_ttl" yaml:"presign_ttl"`
}

type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" yaml:"pushgateway_url,omitempty"`
	Job            string `mapstructure:"job" yaml:"job"`
}

type LogConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
}
