package cluster

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/me/dammer/pkg/model"
)

// Runner runs an external program and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs programs with os/exec, folding stderr into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// SlurmConfig configures the Slurm backend.
type SlurmConfig struct {
	// ScriptDir receives generated batch scripts. Empty means the job's
	// working directory.
	ScriptDir string
	Script    ScriptOptions
	// SubmitArgs are extra sbatch flags.
	SubmitArgs []string
}

// Slurm submits jobs with sbatch and observes them with squeue and sacct.
type Slurm struct {
	cfg    SlurmConfig
	run    Runner
	logger *slog.Logger
}

// NewSlurm creates a Slurm backend. A nil runner means ExecRunner.
func NewSlurm(cfg SlurmConfig, run Runner, logger *slog.Logger) *Slurm {
	if run == nil {
		run = ExecRunner
	}
	return &Slurm{
		cfg:    cfg,
		run:    run,
		logger: logger.With("component", "slurm"),
	}
}

// Kind returns KindSlurm.
func (s *Slurm) Kind() Kind { return KindSlurm }

// Submit writes the batch script for job and hands it to sbatch.
func (s *Slurm) Submit(ctx context.Context, job Job) (model.JobHandle, error) {
	body, err := RenderScript(job, s.cfg.Script)
	if err != nil {
		return "", err
	}
	dir := s.cfg.ScriptDir
	if dir == "" {
		dir = job.WorkDir
	}
	name := job.Script
	if name == "" {
		name = ScriptName(0, job.Command)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("script dir: %w", err)
		}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}

	args := []string{"--parsable"}
	if job.Dependency != "" {
		args = append(args, "--dependency="+job.Dependency)
	}
	if job.WorkDir != "" {
		args = append(args, "--chdir="+job.WorkDir)
	}
	args = append(args, s.cfg.SubmitArgs...)
	args = append(args, path)

	out, err := s.run(ctx, "sbatch", args...)
	if err != nil {
		return "", err
	}
	h, err := parseSubmitted(out)
	if err != nil {
		return "", err
	}
	s.logger.Debug("job submitted", "handle", h, "script", path, "dependency", job.Dependency)
	return h, nil
}

// parseSubmitted extracts the job ID from sbatch output, accepting both
// "--parsable" output ("123" or "123;cluster") and the default
// "Submitted batch job 123".
func parseSubmitted(out []byte) (model.JobHandle, error) {
	text := strings.TrimSpace(string(out))
	if rest, ok := strings.CutPrefix(text, "Submitted batch job "); ok {
		text = rest
	}
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	if len(fields) != 1 {
		return "", fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(string(out)))
	}
	for _, r := range fields[0] {
		if (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("unexpected sbatch job id %q", fields[0])
		}
	}
	return model.JobHandle(fields[0]), nil
}

// ListQueued lists every job ID squeue reports.
func (s *Slurm) ListQueued(ctx context.Context) (map[model.JobHandle]bool, error) {
	out, err := s.run(ctx, "squeue", "-h", "-o", "%i")
	if err != nil {
		return nil, err
	}
	queued := make(map[model.JobHandle]bool)
	for _, f := range strings.Fields(string(out)) {
		queued[model.JobHandle(f)] = true
	}
	return queued, nil
}

// JobState asks sacct how the job ended.
func (s *Slurm) JobState(ctx context.Context, h model.JobHandle) (JobState, error) {
	out, err := s.run(ctx, "sacct", "-n", "-X", "-P", "-j", string(h), "-o", "State")
	if err != nil {
		return JobUnknown, err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return parseSacctState(line), nil
}

func parseSacctState(s string) JobState {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return JobUnknown
	}
	switch strings.TrimSuffix(fields[0], "+") {
	case "COMPLETED":
		return JobCompleted
	case "PENDING", "RUNNING", "CONFIGURING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED", "STAGE_OUT":
		return JobActive
	case "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "REVOKED":
		return JobFailed
	default:
		return JobUnknown
	}
}
