package orchestrator

import (
	"path/filepath"
	"strings"

	"github.com/me/dammer/pkg/model"
)

// Plan is a validated, topologically ordered set of work units.
type Plan struct {
	units      []model.WorkUnit
	index      map[string]int
	dependents map[string][]string
}

// NewPlan validates units and orders them so that every unit comes after
// all of its predecessors. Among units whose predecessors are all placed,
// declaration order wins. A cycle, including a unit depending on itself,
// fails with CyclicDependency; duplicate or empty IDs, unknown predecessors
// and incomplete barrier declarations fail with InvalidPlan. No partial plan
// is ever returned.
func NewPlan(units []model.WorkUnit) (*Plan, error) {
	decl := make(map[string]int, len(units))
	for i, u := range units {
		if u.ID == "" {
			return nil, model.NewError(model.KindInvalidPlan, "", "unit %d has no id", i)
		}
		if _, dup := decl[u.ID]; dup {
			return nil, model.NewError(model.KindInvalidPlan, u.ID, "duplicate unit id")
		}
		decl[u.ID] = i
	}

	// Deduplicated predecessor lists, in declaration order of the unit.
	deps := make([][]int, len(units))
	dependents := make(map[string][]string, len(units))
	indegree := make([]int, len(units))
	for i, u := range units {
		if err := validateUnit(u); err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(u.DependsOn))
		for _, d := range u.DependsOn {
			if d == u.ID {
				return nil, model.NewError(model.KindCyclicDependency, u.ID, "unit depends on itself")
			}
			j, ok := decl[d]
			if !ok {
				return nil, model.NewError(model.KindInvalidPlan, u.ID, "unknown predecessor %q", d)
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			deps[i] = append(deps[i], j)
			dependents[d] = append(dependents[d], u.ID)
			indegree[i]++
		}
	}

	placed := make([]bool, len(units))
	order := make([]model.WorkUnit, 0, len(units))
	for len(order) < len(units) {
		next := -1
		for i := range units {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyc []string
			for i, u := range units {
				if !placed[i] {
					cyc = append(cyc, u.ID)
				}
			}
			return nil, model.NewError(model.KindCyclicDependency, strings.Join(cyc, ","), "dependency cycle among %d units", len(cyc))
		}
		placed[next] = true
		order = append(order, normalize(units[next]))
		for _, d := range dependents[units[next].ID] {
			indegree[decl[d]]--
		}
	}

	p := &Plan{
		units:      order,
		index:      make(map[string]int, len(order)),
		dependents: dependents,
	}
	for i, u := range order {
		p.index[u.ID] = i
	}
	return p, nil
}

func validateUnit(u model.WorkUnit) error {
	if strings.TrimSpace(u.Command) == "" {
		return model.NewError(model.KindInvalidPlan, u.ID, "empty command")
	}
	switch u.CompletionKindOrDefault() {
	case model.CompletionScheduler:
	case model.CompletionBarrier:
		b := u.Barrier
		if b == nil {
			return model.NewError(model.KindInvalidPlan, u.ID, "barrier completion without a barrier")
		}
		if b.Dir == "" || b.Pattern == "" || b.Count < 0 {
			return model.NewError(model.KindInvalidPlan, u.ID, "barrier needs dir, pattern and a non-negative count")
		}
		if _, err := filepath.Match(b.Pattern, ""); err != nil {
			return model.WrapError(model.KindInvalidPlan, u.ID, err)
		}
	default:
		return model.NewError(model.KindInvalidPlan, u.ID, "unknown completion kind %q", u.Completion)
	}
	if u.MaxWait < 0 {
		return model.NewError(model.KindInvalidPlan, u.ID, "negative max wait")
	}
	return nil
}

// normalize copies u so the plan never shares slices with the caller, and
// drops repeated predecessors.
func normalize(u model.WorkUnit) model.WorkUnit {
	var deps []string
	seen := make(map[string]bool, len(u.DependsOn))
	for _, d := range u.DependsOn {
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	u.DependsOn = deps
	u.Outputs = append([]string(nil), u.Outputs...)
	if u.Barrier != nil {
		b := *u.Barrier
		u.Barrier = &b
	}
	return u
}

// Units returns the units in plan order.
func (p *Plan) Units() []model.WorkUnit {
	out := make([]model.WorkUnit, len(p.units))
	copy(out, p.units)
	return out
}

// Order returns the unit IDs in plan order.
func (p *Plan) Order() []string {
	out := make([]string, len(p.units))
	for i, u := range p.units {
		out[i] = u.ID
	}
	return out
}

// Len returns the number of units.
func (p *Plan) Len() int { return len(p.units) }

// Unit returns the unit with the given ID.
func (p *Plan) Unit(id string) (model.WorkUnit, bool) {
	i, ok := p.index[id]
	if !ok {
		return model.WorkUnit{}, false
	}
	return p.units[i], true
}

// Dependents returns the IDs of the units that directly depend on id.
func (p *Plan) Dependents(id string) []string {
	return append([]string(nil), p.dependents[id]...)
}
