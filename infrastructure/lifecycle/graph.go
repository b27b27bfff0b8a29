package lifecycle

import (
	"fmt"
	"sort"
	"strings"

	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
	"github.com/shellhost/shellhost/pkg/semver"
	"github.com/shellhost/shellhost/sdk/module"
)

// graph answers dependency queries over the current record set. Optional
// dependencies participate in ordering when the target is present but never
// block loading.
type graph struct {
	records map[string]*Record
	// edges[name] lists the names name depends on (present modules only).
	edges map[string][]string
	// dependents is the reverse adjacency.
	dependents map[string][]string
}

// buildGraph checks dependency satisfaction and constructs the adjacency.
// Modules with missing required dependencies or version mismatches are
// returned in failed with their DependencyError; they are excluded from
// the graph.
func buildGraph(records []*Record) (*graph, map[string]error) {
	byName := make(map[string]*Record, len(records))
	for _, r := range records {
		byName[r.Name()] = r
	}

	failed := make(map[string]error)
	for _, r := range records {
		for _, dep := range r.manifest.Dependencies {
			err := checkDependency(byName, dep)
			if err == nil {
				continue
			}
			if dep.Optional && hosterrors.Is(err, hosterrors.ErrMissingDependency) {
				// Absence of an optional dependency is recorded, not fatal.
				continue
			}
			failed[r.Name()] = hosterrors.NewDependencyError(r.Name(), err, r.Name(), dep.Name)
			break
		}
	}

	g := &graph{
		records:    make(map[string]*Record),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, r := range records {
		if _, bad := failed[r.Name()]; bad {
			continue
		}
		g.records[r.Name()] = r
	}
	for name, r := range g.records {
		for _, dep := range r.manifest.Dependencies {
			if _, present := g.records[dep.Name]; present {
				g.edges[name] = append(g.edges[name], dep.Name)
				g.dependents[dep.Name] = append(g.dependents[dep.Name], name)
			}
		}
	}
	return g, failed
}

func checkDependency(byName map[string]*Record, dep module.Dependency) error {
	target, ok := byName[dep.Name]
	if !ok {
		return hosterrors.Join(hosterrors.ErrMissingDependency,
			fmt.Errorf("module %s is not loaded", dep.Name))
	}
	version, err := semver.Parse(target.manifest.Version)
	if err != nil {
		return hosterrors.Join(hosterrors.ErrVersionMismatch,
			fmt.Errorf("%s has unparseable version %q", dep.Name, target.manifest.Version))
	}
	ok, err = semver.InRange(version, dep.MinVersion, dep.MaxVersion)
	if err != nil {
		return hosterrors.Join(hosterrors.ErrVersionMismatch, err)
	}
	if !ok {
		return hosterrors.Join(hosterrors.ErrVersionMismatch,
			fmt.Errorf("%s@%s outside [%s, %s]", dep.Name, target.manifest.Version,
				orAny(dep.MinVersion), orAny(dep.MaxVersion)))
	}
	return nil
}

func orAny(bound string) string {
	if bound == "" {
		return "any"
	}
	return bound
}

// levels performs a Kahn layering: level N modules depend only on modules
// in levels < N. Modules within one level are independent and may run
// concurrently. Cycle members are returned separately with a shared
// diagnostic naming the cycle.
func (g *graph) levels() (ordered [][]string, cycle []string, cycleErr error) {
	indegree := make(map[string]int, len(g.records))
	for name := range g.records {
		indegree[name] = len(g.edges[name])
	}

	remaining := len(indegree)
	resolved := make(map[string]struct{})
	for remaining > 0 {
		var level []string
		for name, degree := range indegree {
			if degree != 0 {
				continue
			}
			if _, done := resolved[name]; done {
				continue
			}
			level = append(level, name)
		}
		if len(level) == 0 {
			// Everything left participates in (or depends on) a cycle.
			var members []string
			for name := range indegree {
				if _, done := resolved[name]; !done {
					members = append(members, name)
				}
			}
			sort.Strings(members)
			return ordered, members, cycleDiagnostic(g, members)
		}

		sort.Strings(level) // deterministic order inside a level
		for _, name := range level {
			resolved[name] = struct{}{}
			delete(indegree, name)
			remaining--
			for _, dependent := range g.dependents[name] {
				if _, done := resolved[dependent]; !done {
					indegree[dependent]--
				}
			}
		}
		ordered = append(ordered, level)
	}
	return ordered, nil, nil
}

// cycleDiagnostic walks the cycle members to render one representative
// cycle path, e.g. "A -> B -> A".
func cycleDiagnostic(g *graph, members []string) error {
	inCycle := make(map[string]bool, len(members))
	for _, m := range members {
		inCycle[m] = true
	}

	start := members[0]
	path := []string{start}
	seen := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, dep := range g.edges[current] {
			if inCycle[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if seen[next] {
			break
		}
		seen[next] = true
		current = next
	}

	return hosterrors.NewDependencyError(start,
		hosterrors.Join(hosterrors.ErrDependencyCycle,
			fmt.Errorf("cycle: %s", strings.Join(path, " -> "))),
		path...)
}

// transitiveDependents returns every module that directly or transitively
// depends on name, in no particular order.
func (g *graph) transitiveDependents(name string) []string {
	var result []string
	seen := map[string]bool{name: true}
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)
		queue = append(queue, g.dependents[current]...)
	}
	return result
}
