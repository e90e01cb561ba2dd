package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/dammer/internal/cluster"
	"github.com/me/dammer/internal/config"
	"github.com/me/dammer/internal/orchestrator"
	"github.com/me/dammer/internal/store"
	"github.com/me/dammer/internal/sweep"
	"github.com/me/dammer/internal/toolpath"
)

// newScheduler returns the configured cluster backend and a function that
// releases it.
func newScheduler(c config.Config) (cluster.Scheduler, func(), error) {
	local := cluster.NewLocal(logger)
	reg := cluster.NewRegistry(logger)
	reg.Register(cluster.NewSlurm(slurmConfig(c), cluster.ExecRunner, logger))
	reg.Register(local)

	sched, err := reg.Get(cluster.Kind(c.Scheduler))
	if err != nil {
		local.Close()
		return nil, nil, err
	}
	// Local jobs are children of this process; wait for them so their
	// output is complete when the command returns.
	release := func() {
		local.Wait()
		local.Close()
	}
	return sched, release, nil
}

func slurmConfig(c config.Config) cluster.SlurmConfig {
	return cluster.SlurmConfig{
		ScriptDir:  c.Slurm.ScriptDir,
		SubmitArgs: c.Slurm.SubmitArgs,
		Script: cluster.ScriptOptions{
			Template:   c.Slurm.Template,
			Tasks:      c.Slurm.Tasks,
			Partition:  c.Slurm.Partition,
			MailUser:   c.Slurm.MailUser,
			Directives: c.Slurm.Directives,
		},
	}
}

func orchestratorConfig(c config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	o := c.Orchestrator
	oc.PollInterval = o.PollInterval
	oc.QueueGrace = o.QueueGrace
	oc.MaxWait = o.MaxWait
	oc.MaxQueryFailures = o.MaxQueryFailures
	if o.BackoffInitial > 0 {
		oc.BackoffInitial = o.BackoffInitial
	}
	if o.BackoffMax > 0 {
		oc.BackoffMax = o.BackoffMax
	}
	oc.ChainDependencies = o.ChainDependencies
	oc.VerifyQueued = o.VerifyQueued
	return oc
}

func sweepConfig(c config.Config) sweep.Config {
	return sweep.Config{
		Parallelism:  c.Sweep.Parallelism,
		RemoveRegion: c.Sweep.RemoveRegion,
	}
}

func toolPrefer(c config.Config) toolpath.Prefer {
	return toolpath.Prefer(c.Tools.Prefer)
}

// openStore opens and migrates the run history database.
func openStore(ctx context.Context, c config.Config) (*store.SQLiteStore, error) {
	path := c.Store.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Debug("store ready", "path", path)
	return st, nil
}
