// Package orchestrator runs a plan of work units on a cluster scheduler,
// releasing each unit once its predecessors have succeeded and detecting
// completion by polling the scheduler queue and filesystem barriers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/me/dammer/internal/barrier"
	"github.com/me/dammer/internal/cluster"
	"github.com/me/dammer/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Config holds orchestrator configuration.
type Config struct {
	PollInterval time.Duration
	// QueueGrace is how long a freshly submitted job may be missing from the
	// queue listing before its absence is read as "finished".
	QueueGrace time.Duration
	// MaxWait bounds submission-to-completion for units that set no MaxWait
	// of their own. Zero means no bound.
	MaxWait time.Duration
	// MaxQueryFailures consecutive failed queue listings fail the run.
	MaxQueryFailures int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	// ChainDependencies passes predecessor handles to the scheduler as an
	// afterok dependency, so a unit released by a barrier still waits for
	// its predecessors' jobs to exit cleanly. Only predecessors still in
	// the last queue listing are chained; the scheduler may have purged
	// the ids of jobs that already left.
	ChainDependencies bool
	// VerifyQueued checks the queue right after each submission batch and
	// logs jobs that are not listed yet.
	VerifyQueued bool
	// BarrierParallelism caps concurrent barrier checks per tick.
	BarrierParallelism int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		QueueGrace:         30 * time.Second,
		MaxQueryFailures:   5,
		BackoffInitial:     time.Second,
		BackoffMax:         30 * time.Second,
		ChainDependencies:  true,
		BarrierParallelism: 8,
	}
}

// Recorder persists run progress. Every unit transition is reported.
type Recorder interface {
	StartRun(ctx context.Context, run *model.Run) error
	UpdateUnit(ctx context.Context, runID string, o model.Outcome) error
	FinishRun(ctx context.Context, run *model.Run) error
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock, e.g. with clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRunName labels runs started by this orchestrator.
func WithRunName(name string) Option {
	return func(o *Orchestrator) { o.runName = name }
}

// unit is the orchestrator's mutable view of one WorkUnit.
type unit struct {
	model.WorkUnit
	state       model.UnitState
	handle      model.JobHandle
	submittedAt time.Time
	completedAt time.Time
	seenQueued  bool
	goneAt      time.Time
	errKind     model.ErrorKind
	errMsg      string
	barrier     barrier.Barrier
}

func (u *unit) outcome() model.Outcome {
	o := model.Outcome{
		UnitID:    u.ID,
		State:     u.state,
		Handle:    u.handle,
		ErrorKind: u.errKind,
		Error:     u.errMsg,
	}
	if !u.submittedAt.IsZero() {
		t := u.submittedAt
		o.SubmittedAt = &t
	}
	if !u.completedAt.IsZero() {
		t := u.completedAt
		o.CompletedAt = &t
	}
	return o
}

// Orchestrator executes one Plan at a time. All unit state lives in a single
// table guarded by mu; scheduler and filesystem I/O happen outside the lock
// and their results are applied by the one goroutine running Tick.
type Orchestrator struct {
	sched    cluster.Scheduler
	reporter cluster.StateReporter
	clk      clock.Clock
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	runName  string

	tickMu sync.Mutex

	mu            sync.Mutex
	plan          *Plan
	units         map[string]*unit
	run           *model.Run
	scripts       int
	queryFailures int
	nextQueryAt   time.Time
	bo            *backoff.ExponentialBackOff
	dirty         []model.Outcome
}

// New creates an Orchestrator submitting to sched. If sched also implements
// cluster.StateReporter, it decides whether a finished job failed.
func New(sched cluster.Scheduler, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sched:  sched,
		clk:    clock.New(),
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if r, ok := sched.(cluster.StateReporter); ok {
		o.reporter = r
	}
	if o.cfg.PollInterval <= 0 {
		o.cfg.PollInterval = DefaultConfig().PollInterval
	}
	if o.cfg.MaxQueryFailures <= 0 {
		o.cfg.MaxQueryFailures = 1
	}
	if o.cfg.BarrierParallelism <= 0 {
		o.cfg.BarrierParallelism = 1
	}

	o.bo = backoff.NewExponentialBackOff()
	if cfg.BackoffInitial > 0 {
		o.bo.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		o.bo.MaxInterval = cfg.BackoffMax
	}
	// Giving up is decided by MaxQueryFailures, not elapsed time.
	o.bo.MaxElapsedTime = 0
	o.bo.Clock = o.clk
	o.bo.Reset()
	return o
}

// Load resets the state table to plan with every unit Pending and opens a
// new run. The script counter is kept, so scripts of successive runs never
// collide.
func (o *Orchestrator) Load(plan *Plan) error {
	if plan == nil {
		return model.NewError(model.KindInvalidPlan, "", "nil plan")
	}
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()

	o.plan = plan
	o.units = make(map[string]*unit, plan.Len())
	for _, wu := range plan.units {
		u := &unit{WorkUnit: wu, state: model.UnitStatePending}
		if wu.CompletionKindOrDefault() == model.CompletionBarrier {
			u.barrier = barrier.FromSpec(*wu.Barrier)
		}
		o.units[wu.ID] = u
	}
	o.run = &model.Run{
		ID:        uuid.NewString(),
		Name:      o.runName,
		State:     model.RunStateRunning,
		CreatedAt: o.clk.Now().UTC(),
	}
	o.queryFailures = 0
	o.nextQueryAt = time.Time{}
	o.bo.Reset()
	o.dirty = nil
	return nil
}

// RunID returns the ID of the loaded run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return ""
	}
	return o.run.ID
}

// Run executes plan until every unit is terminal, the scheduler becomes
// unavailable, or ctx is cancelled. Cancellation stops submissions and
// polling but leaves already submitted jobs alone. Unit failures are
// reported in the outcomes, not as an error.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (map[string]model.Outcome, error) {
	if err := o.Load(plan); err != nil {
		return nil, err
	}
	o.start(ctx)
	o.logger.Info("run started", "run_id", o.RunID(), "units", plan.Len(), "scheduler", o.sched.Kind())

	ticker := o.clk.Ticker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil {
			o.finish(ctx, err)
			return o.Outcomes(), err
		}
		if o.Done() {
			o.finish(ctx, nil)
			return o.Outcomes(), nil
		}
		select {
		case <-ctx.Done():
			o.finish(ctx, ctx.Err())
			return o.Outcomes(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs a single orchestration iteration.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	defer o.flush(ctx)

	o.mu.Lock()
	loaded := o.plan != nil
	o.mu.Unlock()
	if !loaded {
		return errors.New("orchestrator: no plan loaded")
	}

	// Phase 1: release or skip PENDING units.
	o.advancePending()

	// Phase 2: submit READY units in plan order.
	if err := o.submitReady(ctx); err != nil {
		return err
	}

	// Phase 3: observe the queue and barriers for SUBMITTED units.
	if err := o.poll(ctx); err != nil {
		return err
	}

	// Phase 4: fail units that waited too long.
	o.applyTimeouts()
	return nil
}

// transition moves u to state to. Callers hold o.mu.
func (o *Orchestrator) transition(u *unit, to model.UnitState, kind model.ErrorKind, msg string) {
	if !u.state.CanTransitionTo(to) {
		err := &model.InvalidTransitionError{Entity: "unit", ID: u.ID, From: u.state.String(), To: to.String()}
		o.logger.Error("unit transition rejected", "error", err)
		return
	}
	now := o.clk.Now().UTC()
	u.state = to
	u.errKind = kind
	u.errMsg = msg
	switch {
	case to == model.UnitStateSubmitted:
		u.submittedAt = now
	case to.IsTerminal():
		u.completedAt = now
	}

	attrs := []any{"unit_id", u.ID, "state", to}
	if u.handle != "" {
		attrs = append(attrs, "handle", u.handle)
	}
	switch to {
	case model.UnitStateFailed:
		o.logger.Warn("unit failed", append(attrs, "kind", kind, "error", msg)...)
	case model.UnitStateSkipped:
		o.logger.Info("unit skipped", append(attrs, "reason", msg)...)
	case model.UnitStateReady:
		o.logger.Debug("unit ready", attrs...)
	default:
		o.logger.Info("unit "+string(to), attrs...)
	}
	o.dirty = append(o.dirty, u.outcome())
}

// advancePending walks units in plan order, so a skip cascades through the
// whole dependent subtree in one pass.
func (o *Orchestrator) advancePending() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, wu := range o.plan.units {
		u := o.units[wu.ID]
		if u.state != model.UnitStatePending {
			continue
		}
		ready := true
		var blocker *unit
		for _, d := range u.DependsOn {
			p := o.units[d]
			switch p.state {
			case model.UnitStateSucceeded:
			case model.UnitStateFailed, model.UnitStateSkipped:
				blocker = p
			default:
				ready = false
			}
			if blocker != nil {
				break
			}
		}
		switch {
		case blocker != nil:
			o.transition(u, model.UnitStateSkipped, blocker.errKind,
				fmt.Sprintf("predecessor %s %s", blocker.ID, blocker.state))
		case ready:
			o.transition(u, model.UnitStateReady, "", "")
		}
	}
}

// nextScript returns the next batch script number.
func (o *Orchestrator) nextScript() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts++
	return o.scripts
}

func (o *Orchestrator) submitReady(ctx context.Context) error {
	type submission struct {
		u   *unit
		job cluster.Job
	}

	o.mu.Lock()
	var batch []submission
	for _, wu := range o.plan.units {
		u := o.units[wu.ID]
		if u.state != model.UnitStateReady {
			continue
		}
		var preds []model.JobHandle
		if o.cfg.ChainDependencies {
			for _, d := range u.DependsOn {
				if p := o.units[d]; p.handle != "" && p.seenQueued && p.goneAt.IsZero() {
					preds = append(preds, p.handle)
				}
			}
		}
		batch = append(batch, submission{u: u, job: cluster.Job{
			Name:       u.ID,
			Command:    u.Command,
			WorkDir:    u.WorkDir,
			Dependency: cluster.AfterOK(preds...),
		}})
	}
	o.mu.Unlock()

	var submitted []model.JobHandle
	for _, s := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.job.Script = cluster.ScriptName(o.nextScript(), s.job.Command)
		h, err := o.sched.Submit(ctx, s.job)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		o.mu.Lock()
		if err != nil {
			o.transition(s.u, model.UnitStateFailed, model.KindSubmissionError, err.Error())
		} else {
			s.u.handle = h
			o.transition(s.u, model.UnitStateSubmitted, "", "")
			submitted = append(submitted, h)
		}
		o.mu.Unlock()
	}

	if o.cfg.VerifyQueued && len(submitted) > 0 {
		if err := o.AwaitQueued(ctx, submitted); err != nil {
			o.logger.Warn("submitted jobs not listed yet", "error", err)
		}
	}
	return nil
}

type pollCheck struct {
	id      string
	handle  model.JobHandle
	barrier barrier.Barrier

	gone      bool
	satisfied bool
	jobState  cluster.JobState
	// stateErr means the job's end state could not be queried this tick.
	stateErr bool
}

func (o *Orchestrator) poll(ctx context.Context) error {
	o.mu.Lock()
	var checks []*pollCheck
	for _, wu := range o.plan.units {
		u := o.units[wu.ID]
		if u.state == model.UnitStateSubmitted {
			checks = append(checks, &pollCheck{id: u.ID, handle: u.handle, barrier: u.barrier})
		}
	}
	queryDue := !o.clk.Now().Before(o.nextQueryAt)
	o.mu.Unlock()
	if len(checks) == 0 {
		return nil
	}

	var queued map[model.JobHandle]bool
	if queryDue {
		q, err := o.sched.ListQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := o.queryFailed(err); err != nil {
				return err
			}
		} else {
			queued = q
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BarrierParallelism)
	for _, c := range checks {
		if c.barrier == nil {
			continue
		}
		g.Go(func() error {
			ok, err := c.barrier.Satisfied(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn("barrier check failed", "unit_id", c.id, "barrier", c.barrier.String(), "error", err)
				return nil
			}
			c.satisfied = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if queued != nil {
		o.markGone(checks, queued)
	}

	var stateErr error
	for _, c := range checks {
		if !c.gone || c.satisfied {
			continue
		}
		c.jobState = cluster.JobUnknown
		if o.reporter == nil {
			continue
		}
		// After one failed query the remaining end states are unknown too;
		// those units wait for the next successful query.
		if stateErr != nil {
			c.stateErr = true
			continue
		}
		st, err := o.reporter.JobState(ctx, c.handle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("job state query failed", "unit_id", c.id, "handle", c.handle, "error", err)
			c.stateErr = true
			stateErr = err
			continue
		}
		c.jobState = st
	}

	if stateErr != nil {
		if err := o.queryFailed(stateErr); err != nil {
			return err
		}
	} else if queued != nil {
		o.querySucceeded()
	}

	o.applyChecks(checks)
	return nil
}

// markGone records which jobs have left the queue. A job never seen queued
// only counts as gone once QueueGrace has passed since submission.
func (o *Orchestrator) markGone(checks []*pollCheck, queued map[model.JobHandle]bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clk.Now()
	for _, c := range checks {
		u := o.units[c.id]
		if queued[u.handle] {
			u.seenQueued = true
			continue
		}
		if u.seenQueued || now.Sub(u.submittedAt) >= o.cfg.QueueGrace {
			c.gone = true
			if u.goneAt.IsZero() {
				u.goneAt = now
			}
		}
	}
}

func (o *Orchestrator) applyChecks(checks []*pollCheck) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clk.Now()
	for _, c := range checks {
		u := o.units[c.id]
		if u.state != model.UnitStateSubmitted {
			continue
		}
		if c.stateErr && !c.satisfied {
			continue
		}
		if u.barrier != nil {
			switch {
			case c.satisfied:
				o.transition(u, model.UnitStateSucceeded, "", "")
			case c.gone && c.jobState == cluster.JobFailed:
				o.transition(u, model.UnitStateFailed, model.KindJobFailed,
					fmt.Sprintf("job %s failed before barrier %s held", u.handle, u.barrier))
			case c.gone && c.jobState != cluster.JobActive && now.Sub(u.goneAt) >= o.cfg.QueueGrace:
				o.transition(u, model.UnitStateFailed, model.KindJobFailed,
					fmt.Sprintf("job %s left the queue but barrier %s does not hold", u.handle, u.barrier))
			}
			continue
		}
		if !c.gone {
			continue
		}
		switch c.jobState {
		case cluster.JobFailed:
			o.transition(u, model.UnitStateFailed, model.KindJobFailed, fmt.Sprintf("job %s ended in failure", u.handle))
		case cluster.JobActive:
		default:
			o.transition(u, model.UnitStateSucceeded, "", "")
		}
	}
}

func (o *Orchestrator) queryFailed(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queryFailures++
	if o.queryFailures >= o.cfg.MaxQueryFailures {
		return model.WrapError(model.KindSchedulerUnavailable, string(o.sched.Kind()),
			fmt.Errorf("%d consecutive scheduler queries failed: %w", o.queryFailures, err))
	}
	wait := o.bo.NextBackOff()
	o.nextQueryAt = o.clk.Now().Add(wait)
	o.logger.Warn("scheduler query failed", "attempt", o.queryFailures, "retry_in", wait, "error", err)
	return nil
}

func (o *Orchestrator) querySucceeded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queryFailures > 0 {
		o.logger.Info("queue query recovered", "after_failures", o.queryFailures)
	}
	o.queryFailures = 0
	o.nextQueryAt = time.Time{}
	o.bo.Reset()
}

func (o *Orchestrator) applyTimeouts() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clk.Now()
	for _, wu := range o.plan.units {
		u := o.units[wu.ID]
		if u.state != model.UnitStateSubmitted {
			continue
		}
		limit := u.MaxWait
		if limit == 0 {
			limit = o.cfg.MaxWait
		}
		if limit > 0 && now.Sub(u.submittedAt) >= limit {
			o.transition(u, model.UnitStateFailed, model.KindTimeout, fmt.Sprintf("not complete after %s", limit))
		}
	}
}

// Done reports whether every unit of the loaded plan is terminal.
func (o *Orchestrator) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.plan == nil {
		return false
	}
	for _, u := range o.units {
		if !u.state.IsTerminal() {
			return false
		}
	}
	return true
}

// Snapshot returns every unit's current outcome in plan order. It is safe
// to call while Run is in progress.
func (o *Orchestrator) Snapshot() []model.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() []model.Outcome {
	if o.plan == nil {
		return nil
	}
	out := make([]model.Outcome, 0, len(o.plan.units))
	for _, wu := range o.plan.units {
		out = append(out, o.units[wu.ID].outcome())
	}
	return out
}

// Outcomes returns every unit's current outcome keyed by unit ID.
func (o *Orchestrator) Outcomes() map[string]model.Outcome {
	snap := o.Snapshot()
	out := make(map[string]model.Outcome, len(snap))
	for _, oc := range snap {
		out[oc.UnitID] = oc
	}
	return out
}

// Report returns the run record, including a snapshot of its units.
func (o *Orchestrator) Report() model.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return model.Run{}
	}
	r := *o.run
	r.Units = o.snapshotLocked()
	return r
}

func (o *Orchestrator) start(ctx context.Context) {
	if o.recorder == nil {
		return
	}
	r := o.Report()
	if err := o.recorder.StartRun(ctx, &r); err != nil {
		o.logger.Error("record run start", "run_id", r.ID, "error", err)
	}
}

// finish closes the run record. err is the reason Run stopped early, if any.
func (o *Orchestrator) finish(ctx context.Context, err error) {
	o.mu.Lock()
	now := o.clk.Now().UTC()
	o.run.CompletedAt = &now
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.run.State = model.RunStateCancelled
		o.run.Error = err.Error()
	case err != nil:
		o.run.State = model.RunStateFailed
		o.run.Error = err.Error()
	default:
		o.run.State = model.RunStateCompleted
		for _, u := range o.units {
			if u.state == model.UnitStateFailed || u.state == model.UnitStateSkipped {
				o.run.State = model.RunStateFailed
				break
			}
		}
	}
	r := *o.run
	r.Units = o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Info("run finished", "run_id", r.ID, "state", r.State)
	if o.recorder == nil {
		return
	}
	if err := o.recorder.FinishRun(context.WithoutCancel(ctx), &r); err != nil {
		o.logger.Error("record run finish", "run_id", r.ID, "error", err)
	}
}

// flush hands buffered unit transitions to the recorder.
func (o *Orchestrator) flush(ctx context.Context) {
	o.mu.Lock()
	dirty := o.dirty
	o.dirty = nil
	runID := ""
	if o.run != nil {
		runID = o.run.ID
	}
	o.mu.Unlock()

	if o.recorder == nil || len(dirty) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, oc := range dirty {
		if err := o.recorder.UpdateUnit(ctx, runID, oc); err != nil {
			o.logger.Error("record unit", "run_id", runID, "unit_id", oc.UnitID, "error", err)
		}
	}
}
