package security

import (
	"fmt"
	"sort"

	"github.com/stackbound/modhub/pkg/manifest"
)

// ValidateDependencies confirms that every required module or service
// dependency is present in the caller-supplied list of available names.
// Unmet required dependencies are returned as errors; python_package and
// system dependencies are resolved at load time, not here.
func ValidateDependencies(m *manifest.ModuleManifest, available []string) []string {
	availableSet := make(map[string]bool, len(available))
	for _, name := range available {
		availableSet[name] = true
	}

	var errors []string
	for _, dep := range m.Dependencies {
		if dep.Optional {
			continue
		}
		if dep.Type != manifest.DependencyTypeModule && dep.Type != manifest.DependencyTypeService {
			continue
		}
		if !availableSet[dep.Name] {
			errors = append(errors, fmt.Sprintf("required %s dependency %q is not available", dep.Type, dep.Name))
		}
	}

	return errors
}

// DetectCircularDependencies runs DFS with a recursion stack over the
// adjacency map (module name -> dependency names). Any back-edge to a node
// still on the stack is a cycle; each offending module is reported once.
func DetectCircularDependencies(graph map[string][]string) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	inCycle := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		visited[name] = true
		onStack[name] = true

		for _, dep := range graph[name] {
			if !visited[dep] {
				visit(dep)
			} else if onStack[dep] {
				inCycle[dep] = true
				inCycle[name] = true
			}
		}

		onStack[name] = false
	}

	// Deterministic traversal order keeps reports stable across calls.
	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !visited[name] {
			visit(name)
		}
	}

	var errors []string
	cycleNames := make([]string, 0, len(inCycle))
	for name := range inCycle {
		cycleNames = append(cycleNames, name)
	}
	sort.Strings(cycleNames)
	for _, name := range cycleNames {
		errors = append(errors, fmt.Sprintf("circular dependency detected involving module %q", name))
	}

	return errors
}
