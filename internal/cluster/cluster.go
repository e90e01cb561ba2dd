// Package cluster abstracts the batch scheduler that runs work units as
// isolated external processes.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/dammer/pkg/model"
)

// Kind names a scheduler backend.
type Kind string

const (
	KindSlurm Kind = "slurm"
	KindLocal Kind = "local"
)

// Job is the command descriptor handed to a scheduler.
type Job struct {
	// Name identifies the job in scheduler listings and logs.
	Name    string
	Command string
	WorkDir string
	// Script is the file name of the generated batch script, if the
	// backend writes one.
	Script string
	// Dependency is an afterok expression, or empty.
	Dependency string
}

// Scheduler submits jobs and lists what is still queued. Submit returns as
// soon as the scheduler has accepted the job; it never waits for execution.
type Scheduler interface {
	Kind() Kind
	Submit(ctx context.Context, job Job) (model.JobHandle, error)
	// ListQueued returns every handle the scheduler currently holds,
	// pending or running.
	ListQueued(ctx context.Context) (map[model.JobHandle]bool, error)
}

// JobState is a scheduler's view of one job.
type JobState string

const (
	JobUnknown   JobState = "UNKNOWN"
	JobActive    JobState = "ACTIVE"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// IsTerminal reports whether the job has finished.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StateReporter is implemented by schedulers that can report how a finished
// job ended. Without it, a job that left the queue is taken as successful.
type StateReporter interface {
	JobState(ctx context.Context, h model.JobHandle) (JobState, error)
}

const afterOKPrefix = "afterok:"

// AfterOK builds the dependency expression under which a job starts only
// after every listed handle succeeded. No handles yields "".
func AfterOK(handles ...model.JobHandle) string {
	if len(handles) == 0 {
		return ""
	}
	parts := make([]string, len(handles))
	for i, h := range handles {
		parts[i] = string(h)
	}
	return afterOKPrefix + strings.Join(parts, ":")
}

// ParseAfterOK returns the handles of an afterok expression. The empty
// expression has no handles.
func ParseAfterOK(expr string) ([]model.JobHandle, error) {
	if expr == "" {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(expr, afterOKPrefix)
	if !ok || rest == "" {
		return nil, fmt.Errorf("unsupported dependency expression %q", expr)
	}
	var out []model.JobHandle
	for _, p := range strings.Split(rest, ":") {
		if p == "" {
			return nil, fmt.Errorf("empty handle in dependency expression %q", expr)
		}
		out = append(out, model.JobHandle(p))
	}
	return out, nil
}
