package fleet

import (
	"strings"
	"time"

	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

const (
	WorkflowStart = "start"
	WorkflowStop  = "stop"
)

// Invocation status values set by appctl itself; everything else is the SSM
// CommandInvocationStatus verbatim.
const (
	StatusUnknown = "Unknown"
	StatusFailed  = "Failed"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// Instance is one discovered EC2 instance. Role is empty when the role tag is absent.
type Instance struct {
	ID   string `json:"instance_id" yaml:"instance_id"`
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// InvocationResult is the outcome of one command batch on one instance.
type InvocationResult struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	StdOut     string `json:"stdout,omitempty"`
	StdErr     string `json:"stderr,omitempty"`
}

// Outcome folds the provider status into succeeded, failed or pending.
func (r InvocationResult) Outcome() string {
	switch ssmtypes.CommandInvocationStatus(r.Status) {
	case ssmtypes.CommandInvocationStatusSuccess:
		return OutcomeSucceeded
	case ssmtypes.CommandInvocationStatusPending,
		ssmtypes.CommandInvocationStatusInProgress,
		ssmtypes.CommandInvocationStatusDelayed,
		ssmtypes.CommandInvocationStatusCancelling:
		return OutcomePending
	}
	if r.Status == "" || r.Status == StatusUnknown {
		return OutcomePending
	}
	return OutcomeFailed
}

// Workflow is one ordered pass over the fleet.
type Workflow struct {
	// Name is WorkflowStart or WorkflowStop.
	Name string
	// RoleOrder is processed front to back.
	RoleOrder []string
	// Commands holds the shell batch per role.
	Commands map[string][]string
	// CommandWait is slept between sending a batch and polling its results.
	CommandWait time.Duration
}

// commandsFor looks a role up exactly, then case-insensitively, since config
// keys may have been lowercased on load.
func (w Workflow) commandsFor(role string) []string {
	if cmds, ok := w.Commands[role]; ok {
		return cmds
	}
	for k, cmds := range w.Commands {
		if strings.EqualFold(k, role) {
			return cmds
		}
	}
	return nil
}
