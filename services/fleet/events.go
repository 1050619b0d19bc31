package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"

	"appctl/pkg/bus"
)

// EventPublisher is satisfied by *bus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

const (
	eventRunStarted    = "run.started"
	eventRoleCompleted = "role.completed"
	eventRunFinished   = "run.finished"
)

// Event is the JSON payload published for run progress.
type Event struct {
	Type        string         `json:"type"`
	RunID       uuid.UUID      `json:"run_id"`
	Application string         `json:"application"`
	Workflow    string         `json:"workflow"`
	Role        string         `json:"role,omitempty"`
	InstanceIDs []string       `json:"instance_ids,omitempty"`
	Outcomes    map[string]int `json:"outcomes,omitempty"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
}

// EventSubject maps an event type onto the configured subject prefix.
func EventSubject(prefix, eventType string) string {
	switch eventType {
	case eventRunStarted:
		return bus.Subject(prefix, "runs", "started")
	case eventRoleCompleted:
		return bus.Subject(prefix, "roles", "completed")
	case eventRunFinished:
		return bus.Subject(prefix, "runs", "finished")
	default:
		return bus.Subject(prefix, eventType)
	}
}

// EventWildcard is the subject matching every event under prefix.
func EventWildcard(prefix string) string {
	return bus.Subject(prefix, ">")
}
