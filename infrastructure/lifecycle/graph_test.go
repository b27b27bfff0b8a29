package lifecycle

import (
	"testing"

	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/infrastructure/loader"
	"github.com/shellhost/shellhost/sdk/module"
)

func recordFor(t *testing.T, name, version string, deps ...module.Dependency) *Record {
	t.Helper()
	manifest := &loader.Manifest{
		Identity:     module.Identity{Name: name, Version: version},
		Dependencies: deps,
	}
	return &Record{manifest: manifest, state: StateValidated}
}

func TestBuildGraphLevels(t *testing.T) {
	a := recordFor(t, "a", "1.0.0")
	b := recordFor(t, "b", "1.0.0", module.Dependency{Name: "a"})
	c := recordFor(t, "c", "1.0.0", module.Dependency{Name: "b"})
	d := recordFor(t, "d", "1.0.0")

	g, failed := buildGraph([]*Record{a, b, c, d})
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}

	levels, cycle, err := g.levels()
	if err != nil || cycle != nil {
		t.Fatalf("levels: %v %v", cycle, err)
	}
	want := [][]string{{"a", "d"}, {"b"}, {"c"}}
	if len(levels) != len(want) {
		t.Fatalf("levels = %v", levels)
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("level %d = %v, want %v", i, levels[i], want[i])
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Fatalf("level %d = %v, want %v", i, levels[i], want[i])
			}
		}
	}
}

func TestBuildGraphVersionConstraints(t *testing.T) {
	a := recordFor(t, "a", "0.9.0")
	b := recordFor(t, "b", "1.0.0", module.Dependency{Name: "a", MinVersion: "1.0.0"})

	_, failed := buildGraph([]*Record{a, b})
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want b only", failed)
	}
	if !hosterrors.Is(failed["b"], hosterrors.ErrVersionMismatch) {
		t.Fatalf("error = %v", failed["b"])
	}
}

func TestGraphCycleDiagnostic(t *testing.T) {
	a := recordFor(t, "a", "1.0.0", module.Dependency{Name: "b"})
	b := recordFor(t, "b", "1.0.0", module.Dependency{Name: "a"})

	g, failed := buildGraph([]*Record{a, b})
	if len(failed) != 0 {
		t.Fatalf("failures before ordering: %v", failed)
	}

	levels, cycle, err := g.levels()
	if len(levels) != 0 {
		t.Fatalf("levels = %v, want none", levels)
	}
	if len(cycle) != 2 {
		t.Fatalf("cycle = %v", cycle)
	}
	if !hosterrors.Is(err, hosterrors.ErrDependencyCycle) {
		t.Fatalf("error = %v", err)
	}
}

func TestTransitiveDependents(t *testing.T) {
	a := recordFor(t, "a", "1.0.0")
	b := recordFor(t, "b", "1.0.0", module.Dependency{Name: "a"})
	c := recordFor(t, "c", "1.0.0", module.Dependency{Name: "b"})

	g, _ := buildGraph([]*Record{a, b, c})
	dependents := g.transitiveDependents("a")
	if len(dependents) != 2 {
		t.Fatalf("dependents = %v", dependents)
	}
}

func TestRecordStateTransitions(t *testing.T) {
	r := recordFor(t, "x", "1.0.0")
	r.state = StateDiscovered

	if !r.transition(StateValidated, nil) {
		t.Fatal("Discovered -> Validated refused")
	}
	if r.transition(StateStarted, nil) {
		t.Fatal("Validated -> Started accepted")
	}
	if !r.transition(StateFailed, hosterrors.ErrTimeout) {
		t.Fatal("Validated -> Failed refused")
	}
	if !r.transition(StateUnloaded, nil) {
		t.Fatal("Failed -> Unloaded refused")
	}
	if r.transition(StateValidated, nil) {
		t.Fatal("Unloaded -> Validated accepted")
	}
}
