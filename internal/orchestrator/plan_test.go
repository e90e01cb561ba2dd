package orchestrator

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/me/dammer/pkg/model"
)

func wu(id string, deps ...string) model.WorkUnit {
	return model.WorkUnit{ID: id, Command: "run_" + id, DependsOn: deps}
}

func TestNewPlan_Order(t *testing.T) {
	tests := []struct {
		name  string
		units []model.WorkUnit
		want  []string
	}{
		{"independent keep declaration order", []model.WorkUnit{wu("x"), wu("y"), wu("z")}, []string{"x", "y", "z"}},
		{"diamond declared backwards", []model.WorkUnit{wu("d", "b", "c"), wu("b", "a"), wu("c", "a"), wu("a")}, []string{"a", "b", "c", "d"}},
		{"ties broken by declaration", []model.WorkUnit{wu("late", "root"), wu("free"), wu("root")}, []string{"free", "root", "late"}},
		{"duplicate dependency", []model.WorkUnit{wu("a"), wu("b", "a", "a")}, []string{"a", "b"}},
		{"empty", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPlan(tt.units)
			if err != nil {
				t.Fatalf("NewPlan: %v", err)
			}
			if diff := cmp.Diff(tt.want, p.Order()); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewPlan_RandomDAGsRespectDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(25)
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("u%d", i)
		}
		// Edges only point from lower to higher rank, so the graph is acyclic.
		units := make([]model.WorkUnit, n)
		for i := range units {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, ids[j])
				}
			}
			units[i] = wu(ids[i], deps...)
		}
		rng.Shuffle(n, func(i, j int) { units[i], units[j] = units[j], units[i] })

		p, err := NewPlan(units)
		if err != nil {
			t.Fatalf("trial %d: NewPlan: %v", trial, err)
		}
		pos := make(map[string]int, n)
		for i, id := range p.Order() {
			pos[id] = i
		}
		if len(pos) != n {
			t.Fatalf("trial %d: plan has %d units, want %d", trial, len(pos), n)
		}
		for _, u := range units {
			for _, d := range u.DependsOn {
				if pos[d] >= pos[u.ID] {
					t.Fatalf("trial %d: %s placed before its predecessor %s", trial, u.ID, d)
				}
			}
		}
	}
}

func TestNewPlan_Errors(t *testing.T) {
	barrierNoSpec := wu("b")
	barrierNoSpec.Completion = model.CompletionBarrier
	badPattern := wu("p")
	badPattern.Completion = model.CompletionBarrier
	badPattern.Barrier = &model.BarrierSpec{Dir: "/x", Pattern: "[", Count: 1}
	badKind := wu("k")
	badKind.Completion = "telepathy"
	noCommand := model.WorkUnit{ID: "c"}

	tests := []struct {
		name  string
		units []model.WorkUnit
		want  error
	}{
		{"two-cycle", []model.WorkUnit{wu("a", "b"), wu("b", "a")}, model.ErrCyclicDependency},
		{"three-cycle behind a root", []model.WorkUnit{wu("r"), wu("a", "r", "c"), wu("b", "a"), wu("c", "b")}, model.ErrCyclicDependency},
		{"self", []model.WorkUnit{wu("a", "a")}, model.ErrCyclicDependency},
		{"duplicate id", []model.WorkUnit{wu("a"), wu("a")}, model.ErrInvalidPlan},
		{"empty id", []model.WorkUnit{wu("")}, model.ErrInvalidPlan},
		{"unknown predecessor", []model.WorkUnit{wu("a", "ghost")}, model.ErrInvalidPlan},
		{"barrier without spec", []model.WorkUnit{barrierNoSpec}, model.ErrInvalidPlan},
		{"bad barrier pattern", []model.WorkUnit{badPattern}, model.ErrInvalidPlan},
		{"unknown completion", []model.WorkUnit{badKind}, model.ErrInvalidPlan},
		{"empty command", []model.WorkUnit{noCommand}, model.ErrInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPlan(tt.units)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if p != nil {
				t.Error("a failed plan must not be returned")
			}
		})
	}
}

func TestPlan_Accessors(t *testing.T) {
	units := []model.WorkUnit{wu("a"), wu("b", "a"), wu("c", "a")}
	p, err := NewPlan(units)
	if err != nil {
		t.Fatal(err)
	}
	units[1].DependsOn[0] = "mutated"

	b, ok := p.Unit("b")
	if !ok || b.DependsOn[0] != "a" {
		t.Errorf("Unit(b) = %+v, %v; plan must not alias caller slices", b, ok)
	}
	if _, ok := p.Unit("zz"); ok {
		t.Error("Unit(zz) should not exist")
	}
	if diff := cmp.Diff([]string{"b", "c"}, p.Dependents("a")); diff != "" {
		t.Errorf("Dependents mismatch:\n%s", diff)
	}
	if p.Len() != 3 || len(p.Units()) != 3 {
		t.Errorf("Len = %d", p.Len())
	}
}
