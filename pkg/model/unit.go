package model

import "time"

// JobHandle is the opaque identifier a cluster scheduler returns on submission.
type JobHandle string

// WorkUnit is one externally executed task plus its dependency declarations.
// It is owned by the orchestrator until submission and never mutated after.
type WorkUnit struct {
	ID        string   `json:"id" yaml:"id"`
	Command   string   `json:"command" yaml:"command"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	WorkDir   string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// Completion selects how the orchestrator decides the unit is done.
	// Empty means CompletionScheduler.
	Completion CompletionKind `json:"completion,omitempty" yaml:"completion,omitempty"`
	Barrier    *BarrierSpec   `json:"barrier,omitempty" yaml:"barrier,omitempty"`

	// MaxWait bounds the time between submission and completion. Zero means
	// the orchestrator default applies.
	MaxWait time.Duration `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`

	// Outputs lists the files this unit is declared to produce, relative to
	// WorkDir unless absolute.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// CompletionKindOrDefault returns the unit's completion predicate kind.
func (u *WorkUnit) CompletionKindOrDefault() CompletionKind {
	if u.Completion == "" {
		return CompletionScheduler
	}
	return u.Completion
}

// BarrierSpec declares a filesystem barrier: Dir must contain exactly Count
// entries matching the glob Pattern. When Marker is set, every matching file
// must also end with a line containing Marker.
type BarrierSpec struct {
	Dir     string `json:"dir" yaml:"dir"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Count   int    `json:"count" yaml:"count"`
	Marker  string `json:"marker,omitempty" yaml:"marker,omitempty"`
}

// Outcome is the observed state of one WorkUnit in a run.
type Outcome struct {
	UnitID      string     `json:"unit_id" yaml:"unit_id"`
	State       UnitState  `json:"state" yaml:"state"`
	Handle      JobHandle  `json:"handle,omitempty" yaml:"handle,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty" yaml:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Run is one execution of an orchestration plan.
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	State       RunState   `json:"state"`
	Error       string     `json:"error,omitempty"`
	Units       []Outcome  `json:"units,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
