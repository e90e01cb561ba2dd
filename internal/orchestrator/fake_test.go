package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/me/dammer/internal/cluster"
	"github.com/me/dammer/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeScheduler is an in-memory cluster. Submitted jobs stay queued until the
// test finishes them, unless autoComplete is set.
type fakeScheduler struct {
	mu        sync.Mutex
	next      int
	jobs      []cluster.Job
	handles   map[string]model.JobHandle
	queued    map[model.JobHandle]bool
	states    map[model.JobHandle]cluster.JobState
	submitErr map[string]error
	listErr   error
	listCalls int
	// stateFailures makes the next JobState calls fail.
	stateFailures int
	stateCalls    int

	// hideNew keeps new jobs out of the queue listing, as a lagging
	// scheduler would.
	hideNew bool
	// autoComplete finishes every job successfully as soon as it is listed.
	autoComplete bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		handles:   make(map[string]model.JobHandle),
		queued:    make(map[model.JobHandle]bool),
		states:    make(map[model.JobHandle]cluster.JobState),
		submitErr: make(map[string]error),
	}
}

func (f *fakeScheduler) Kind() cluster.Kind { return "fake" }

func (f *fakeScheduler) Submit(ctx context.Context, job cluster.Job) (model.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[job.Name]; err != nil {
		return "", err
	}
	f.next++
	h := model.JobHandle(fmt.Sprint(100 + f.next))
	f.jobs = append(f.jobs, job)
	f.handles[job.Name] = h
	f.states[h] = cluster.JobActive
	if !f.hideNew {
		f.queued[h] = true
	}
	return h, nil
}

func (f *fakeScheduler) ListQueued(ctx context.Context) (map[model.JobHandle]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[model.JobHandle]bool, len(f.queued))
	for h := range f.queued {
		out[h] = true
	}
	if f.autoComplete {
		for h := range f.queued {
			delete(f.queued, h)
			f.states[h] = cluster.JobCompleted
		}
	}
	return out, nil
}

func (f *fakeScheduler) JobState(ctx context.Context, h model.JobHandle) (cluster.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateFailures > 0 {
		f.stateFailures--
		return cluster.JobUnknown, errors.New("sacct: error: Problem talking to the database")
	}
	st, ok := f.states[h]
	if !ok {
		return cluster.JobUnknown, nil
	}
	return st, nil
}

// finish removes the named unit's job from the queue with the given end state.
func (f *fakeScheduler) finish(name string, st cluster.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[name]
	delete(f.queued, h)
	f.states[h] = st
}

func (f *fakeScheduler) handle(name string) model.JobHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[name]
}

func (f *fakeScheduler) submittedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.Name
	}
	return out
}

func (f *fakeScheduler) job(name string) cluster.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Name == name {
			return j
		}
	}
	return cluster.Job{}
}

func (f *fakeScheduler) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeScheduler) failStates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateFailures = n
}

func (f *fakeScheduler) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// queueOnly hides the StateReporter side of a scheduler.
type queueOnly struct {
	cluster.Scheduler
}

// memRecorder keeps every recorder call.
type memRecorder struct {
	mu       sync.Mutex
	started  []model.Run
	finished []model.Run
	updates  []model.Outcome
}

func (r *memRecorder) StartRun(ctx context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, *run)
	return nil
}

func (r *memRecorder) UpdateUnit(ctx context.Context, runID string, o model.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, o)
	return nil
}

func (r *memRecorder) FinishRun(ctx context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, *run)
	return nil
}
