package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report records what a run did. It is printed and optionally archived to S3.
type Report struct {
	RunID       uuid.UUID    `json:"run_id"`
	Application string       `json:"application"`
	Workflow    string       `json:"workflow"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Discovered  int          `json:"discovered"`
	Roles       []RoleReport `json:"roles"`
	Unassigned  []Instance   `json:"unassigned,omitempty"`
	Cancelled   bool         `json:"cancelled,omitempty"`
}

// RoleReport is the record for one processed role group.
type RoleReport struct {
	Role           string             `json:"role"`
	InstanceIDs    []string           `json:"instance_ids"`
	LifecycleError string             `json:"lifecycle_error,omitempty"`
	Results        []InvocationResult `json:"results"`
	Duration       time.Duration      `json:"duration_ns"`
}

// Outcomes counts results per outcome across every role.
func (r *Report) Outcomes() map[string]int {
	counts := make(map[string]int)
	for _, role := range r.Roles {
		for k, v := range role.Outcomes() {
			counts[k] += v
		}
	}
	return counts
}

// Outcomes counts this role's results per outcome.
func (rr RoleReport) Outcomes() map[string]int {
	counts := make(map[string]int)
	for _, res := range rr.Results {
		counts[res.Outcome()]++
	}
	return counts
}

// Key is the object key the report is archived under.
func (r *Report) Key(prefix string) string {
	return path.Join(strings.Trim(prefix, "/"), r.Application, r.Workflow, r.RunID.String()+".json")
}

// WriteSummary prints a one-line tally of the run.
func (r *Report) WriteSummary(w io.Writer) {
	counts := r.Outcomes()
	fmt.Fprintf(w, "Run %s (%s %s): %d role(s), %d succeeded, %d failed, %d pending, %d unassigned, took %s\n",
		r.RunID, r.Workflow, r.Application, len(r.Roles),
		counts[OutcomeSucceeded], counts[OutcomeFailed], counts[OutcomePending],
		len(r.Unassigned), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

// ReportArchiver is satisfied by *s3.Client from pkg/s3.
type ReportArchiver interface {
	PutJSON(ctx context.Context, bucket, key string, v any) (string, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// ArchiveConfig configures report archiving.
type ArchiveConfig struct {
	Archiver   ReportArchiver
	Bucket     string
	Prefix     string
	PresignTTL time.Duration
	Stdout     io.Writer
	Logger     *log.Logger
}

// ArchiveReport uploads the report and prints a presigned link to it. Failures
// are logged and returned but never affect the run itself.
func ArchiveReport(ctx context.Context, cfg ArchiveConfig, report *Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	if cfg.Archiver == nil {
		return errors.New("archiver is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}

	key := report.Key(cfg.Prefix)
	digest, err := cfg.Archiver.PutJSON(ctx, cfg.Bucket, key, report)
	if err != nil {
		cfg.Logger.Printf("ERROR uploading report to s3://%s/%s: %v", cfg.Bucket, key, err)
		return fmt.Errorf("upload report: %w", err)
	}
	cfg.Logger.Printf("INFO report uploaded to s3://%s/%s (sha256 %s)", cfg.Bucket, key, digest)

	if cfg.Stdout == nil || cfg.PresignTTL <= 0 {
		return nil
	}
	url, err := cfg.Archiver.PresignGet(ctx, cfg.Bucket, key, cfg.PresignTTL)
	if err != nil {
		cfg.Logger.Printf("WARN presigning report link: %v", err)
		return nil
	}
	fmt.Fprintf(cfg.Stdout, "Report: %s\n", url)
	return nil
}
