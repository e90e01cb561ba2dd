package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/me/dammer/pkg/model"
)

// Local runs jobs as processes on this machine. Each job's output goes to
// "local-<handle>.out" in its working directory, the way Slurm writes
// "slurm-<id>.out". Dependencies are honoured: a job starts only after all
// of its afterok predecessors completed, and fails without running if any
// of them failed.
type Local struct {
	// Direct executes the command's argv without a shell.
	Direct bool

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[model.JobHandle]*localJob
}

type localJob struct {
	done  chan struct{}
	state JobState
}

// NewLocal creates a Local backend. Close stops running jobs.
func NewLocal(logger *slog.Logger) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		logger: logger.With("component", "local-scheduler"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[model.JobHandle]*localJob),
	}
}

// Kind returns KindLocal.
func (l *Local) Kind() Kind { return KindLocal }

// Submit starts job in the background and returns its handle.
func (l *Local) Submit(ctx context.Context, job Job) (model.JobHandle, error) {
	deps, err := ParseAfterOK(job.Dependency)
	if err != nil {
		return "", err
	}
	argv, err := l.argv(job.Command)
	if err != nil {
		return "", err
	}
	if job.WorkDir != "" {
		if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
			return "", fmt.Errorf("work dir: %w", err)
		}
	}
	if err := l.ctx.Err(); err != nil {
		return "", fmt.Errorf("local scheduler closed")
	}

	l.mu.Lock()
	waitFor := make([]*localJob, 0, len(deps))
	for _, d := range deps {
		j, ok := l.jobs[d]
		if !ok {
			l.mu.Unlock()
			return "", fmt.Errorf("dependency on unknown job %s", d)
		}
		waitFor = append(waitFor, j)
	}
	h := model.JobHandle(uuid.NewString())
	j := &localJob{done: make(chan struct{}), state: JobActive}
	l.jobs[h] = j
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.finish(j, l.execute(h, job, argv, waitFor))
	}()
	l.logger.Debug("job submitted", "handle", h, "name", job.Name, "dependency", job.Dependency)
	return h, nil
}

func (l *Local) argv(command string) ([]string, error) {
	if !l.Direct {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

func (l *Local) execute(h model.JobHandle, job Job, argv []string, deps []*localJob) JobState {
	for _, d := range deps {
		select {
		case <-d.done:
		case <-l.ctx.Done():
			return JobFailed
		}
		if l.stateOf(d) != JobCompleted {
			l.logger.Info("job dependency never satisfied", "handle", h, "name", job.Name)
			return JobFailed
		}
	}

	cmd := exec.CommandContext(l.ctx, argv[0], argv[1:]...)
	cmd.Dir = job.WorkDir
	logPath := filepath.Join(job.WorkDir, "local-"+string(h)+".out")
	out, err := os.Create(logPath)
	if err != nil {
		l.logger.Error("create job log", "handle", h, "error", err)
		return JobFailed
	}
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		l.logger.Info("job failed", "handle", h, "name", job.Name, "error", err)
		return JobFailed
	}
	l.logger.Debug("job completed", "handle", h, "name", job.Name)
	return JobCompleted
}

func (l *Local) finish(j *localJob, state JobState) {
	l.mu.Lock()
	j.state = state
	l.mu.Unlock()
	close(j.done)
}

func (l *Local) stateOf(j *localJob) JobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return j.state
}

// ListQueued returns the handles of jobs that have not finished.
func (l *Local) ListQueued(ctx context.Context) (map[model.JobHandle]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[model.JobHandle]bool)
	for h, j := range l.jobs {
		if !j.state.IsTerminal() {
			out[h] = true
		}
	}
	return out, nil
}

// JobState reports a job's state; unknown handles report JobUnknown.
func (l *Local) JobState(ctx context.Context, h model.JobHandle) (JobState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[h]
	if !ok {
		return JobUnknown, nil
	}
	return j.state, nil
}

// Wait blocks until every submitted job has finished.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Close kills running jobs and waits for their goroutines to exit.
func (l *Local) Close() error {
	l.cancel()
	l.wg.Wait()
	return nil
}
