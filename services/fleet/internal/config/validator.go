package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidWaitModes lists accepted ssm.wait_mode values.
func ValidWaitModes() []string {
	return []string{WaitModeFixed, WaitModePoll}
}

// ValidLogFormats lists accepted log.format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config and returns all validation errors found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(c.AWS.Region) == "" {
		errs = append(errs, ValidationError{Field: "aws.region", Value: c.AWS.Region, Message: "must not be empty"})
	}
	if (c.AWS.AccessKey == "") != (c.AWS.SecretKey == "") {
		errs = append(errs, ValidationError{Field: "aws.access_key", Value: "<redacted>", Message: "access_key and secret_key must be set together"})
	}
	if strings.TrimSpace(c.Tags.Application) == "" {
		errs = append(errs, ValidationError{Field: "tags.application", Value: c.Tags.Application, Message: "must not be empty"})
	}
	if strings.TrimSpace(c.Tags.Role) == "" {
		errs = append(errs, ValidationError{Field: "tags.role", Value: c.Tags.Role, Message: "must not be empty"})
	}

	errs = append(errs, validateWorkflow("start", c.Start)...)
	errs = append(errs, validateWorkflow("stop", c.Stop)...)

	errs = append(errs, positive("ec2.running_timeout", c.EC2.RunningTimeout)...)

	if strings.TrimSpace(c.SSM.Document) == "" {
		errs = append(errs, ValidationError{Field: "ssm.document", Value: c.SSM.Document, Message: "must not be empty"})
	}
	if c.SSM.DeliveryTimeout < 30*time.Second || c.SSM.DeliveryTimeout > 48*time.Hour {
		errs = append(errs, ValidationError{Field: "ssm.delivery_timeout", Value: c.SSM.DeliveryTimeout, Message: "must be between 30s and 48h"})
	}
	if !slices.Contains(ValidWaitModes(), c.SSM.WaitMode) {
		errs = append(errs, ValidationError{Field: "ssm.wait_mode", Value: c.SSM.WaitMode, Message: fmt.Sprintf("must be one of %v", ValidWaitModes())})
	}
	if c.SSM.WaitMode == WaitModePoll {
		errs = append(errs, positive("ssm.poll_interval", c.SSM.PollInterval)...)
		errs = append(errs, positive("ssm.poll_timeout", c.SSM.PollTimeout)...)
	}

	if c.Report.Bucket != "" {
		errs = append(errs, positive("report.presign_ttl", c.Report.PresignTTL)...)
		if c.Report.PresignTTL > 7*24*time.Hour {
			errs = append(errs, ValidationError{Field: "report.presign_ttl", Value: c.Report.PresignTTL, Message: "must not exceed 7 days"})
		}
	}
	if c.Events.NATSURL != "" && strings.TrimSpace(c.Events.SubjectPrefix) == "" {
		errs = append(errs, ValidationError{Field: "events.subject_prefix", Value: c.Events.SubjectPrefix, Message: "must not be empty when events.nats_url is set"})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errs = append(errs, ValidationError{Field: "log.format", Value: c.Log.Format, Message: fmt.Sprintf("must be one of %v", ValidLogFormats())})
	}

	return errs
}

func validateWorkflow(name string, wf WorkflowConfig) ValidationErrors {
	var errs ValidationErrors

	if len(wf.RoleOrder) == 0 {
		errs = append(errs, ValidationError{Field: name + ".role_order", Value: wf.RoleOrder, Message: "must list at least one role"})
	}
	seen := make(map[string]struct{}, len(wf.RoleOrder))
	for _, role := range wf.RoleOrder {
		key := strings.ToLower(role)
		if _, dup := seen[key]; dup {
			errs = append(errs, ValidationError{Field: name + ".role_order", Value: role, Message: "role listed more than once"})
		}
		seen[key] = struct{}{}
	}
	if wf.CommandWait < 0 {
		errs = append(errs, ValidationError{Field: name + ".command_wait", Value: wf.CommandWait, Message: "must not be negative"})
	}
	switch {
	case wf.GracePeriod < 0:
		errs = append(errs, ValidationError{Field: name + ".grace_period", Value: wf.GracePeriod, Message: "must not be negative"})
	case name == "stop" && wf.GracePeriod != 0:
		errs = append(errs, ValidationError{Field: name + ".grace_period", Value: wf.GracePeriod, Message: "is not supported, stop does not wait for instances"})
	}
	return errs
}

func positive(field string, d time.Duration) ValidationErrors {
	if d > 0 {
		return nil
	}
	return ValidationErrors{{Field: field, Value: d, Message: "must be greater than zero"}}
}
