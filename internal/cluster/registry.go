package cluster

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps backend kinds to Scheduler implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	schedulers map[Kind]Scheduler
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		schedulers: make(map[Kind]Scheduler),
		logger:     logger.With("component", "cluster-registry"),
	}
}

// Register adds s to the registry, keyed by its Kind().
func (r *Registry) Register(s Scheduler) {
	k := s.Kind()
	r.schedulers[k] = s
	r.logger.Debug("scheduler registered", "kind", k)
}

// Get returns the Scheduler for k or an error if none is registered.
func (r *Registry) Get(k Kind) (Scheduler, error) {
	s, ok := r.schedulers[k]
	if !ok {
		return nil, fmt.Errorf("no scheduler registered for kind %q (have %v)", k, r.Kinds())
	}
	return s, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.schedulers))
	for k := range r.schedulers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
