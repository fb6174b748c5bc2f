package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/manifest"
	"github.com/stackbound/modhub/pkg/storage"
)

// ConflictType classifies a detected dependency incompatibility.
type ConflictType string

const (
	ConflictMissingDependency  ConflictType = "missing_dependency"
	ConflictVersionMismatch    ConflictType = "version_mismatch"
	ConflictCircularDependency ConflictType = "circular_dependency"
)

// ConflictSeverity grades a conflict.
type ConflictSeverity string

const (
	SeverityMinor    ConflictSeverity = "minor"
	SeverityMajor    ConflictSeverity = "major"
	SeverityCritical ConflictSeverity = "critical"
)

// Conflict is a structured incompatibility report, rendered by calling
// UIs as remediation guidance.
type Conflict struct {
	Type        ConflictType     `json:"type"`
	Severity    ConflictSeverity `json:"severity"`
	Description string           `json:"description"`
	Modules     []string         `json:"modules"`
	Suggestion  string           `json:"suggestion,omitempty"`
}

// Node is a module in the dependency graph, built fresh per resolution
// request from Module and Installation rows. Never cached across
// requests: stale graphs after install/uninstall are a correctness risk.
type Node struct {
	Name     string
	Version  string
	ModuleID string
	Required []storage.ModuleDependency
	Optional []storage.ModuleDependency
}

// Plan is the outcome of a dependency analysis.
type Plan struct {
	InstallOrder []string   `json:"install_order"`
	Conflicts    []Conflict `json:"conflicts"`
	Warnings     []string   `json:"warnings"`
	IsResolvable bool       `json:"is_resolvable"`
}

// Service analyzes module dependency graphs for a tenant.
type Service struct {
	store storage.Store
	log   *logrus.Logger
}

// New creates a dependency resolution service.
func New(store storage.Store, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{store: store, log: log}
}

// buildGraph assembles nodes for the target modules plus every module
// already installed for the company.
func (s *Service) buildGraph(ctx context.Context, companyID string, targetIDs []string) (map[string]*Node, error) {
	graph := make(map[string]*Node)

	add := func(moduleID string) error {
		mod, err := s.store.GetModule(ctx, moduleID)
		if err != nil {
			return fmt.Errorf("failed to load module %s: %w", moduleID, err)
		}
		if _, exists := graph[mod.Name]; exists {
			return nil
		}
		deps, err := s.store.ListModuleDependencies(ctx, mod.ID)
		if err != nil {
			return err
		}
		node := &Node{Name: mod.Name, Version: mod.Version, ModuleID: mod.ID}
		for _, d := range deps {
			if d.DependencyType != manifest.DependencyTypeModule {
				continue
			}
			if d.IsOptional {
				node.Optional = append(node.Optional, d)
			} else {
				node.Required = append(node.Required, d)
			}
		}
		graph[mod.Name] = node
		return nil
	}

	for _, id := range targetIDs {
		if err := add(id); err != nil {
			return nil, err
		}
	}

	if companyID != "" {
		installations, err := s.store.ListInstallationsByCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		for _, inst := range installations {
			if inst.Status != storage.InstallationStatusInstalled {
				continue
			}
			if err := add(inst.ModuleID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, err
			}
		}
	}

	return graph, nil
}

// detectConflicts scans the graph for missing and version-mismatched
// dependencies. Missing optional dependencies surface as warnings.
func detectConflicts(graph map[string]*Node) ([]Conflict, []string) {
	var conflicts []Conflict
	var warnings []string

	names := sortedNames(graph)
	for _, name := range names {
		node := graph[name]

		for _, dep := range node.Required {
			target, present := graph[dep.DependencyName]
			if !present {
				conflicts = append(conflicts, Conflict{
					Type:     ConflictMissingDependency,
					Severity: SeverityCritical,
					Description: fmt.Sprintf("module %q requires %q which is not installed or targeted",
						node.Name, dep.DependencyName),
					Modules:    []string{node.Name, dep.DependencyName},
					Suggestion: fmt.Sprintf("Install module %q first.", dep.DependencyName),
				})
				continue
			}
			if dep.VersionConstraint != "" && !SatisfiesConstraint(target.Version, dep.VersionConstraint) {
				severity := SeverityMajor
				if MajorMismatch(target.Version, dep.VersionConstraint) {
					severity = SeverityCritical
				}
				conflicts = append(conflicts, Conflict{
					Type:     ConflictVersionMismatch,
					Severity: severity,
					Description: fmt.Sprintf("module %q requires %q %s but %s is available",
						node.Name, dep.DependencyName, dep.VersionConstraint, target.Version),
					Modules:    []string{node.Name, dep.DependencyName},
					Suggestion: fmt.Sprintf("Upgrade %q to a version matching %s.", dep.DependencyName, dep.VersionConstraint),
				})
			}
		}

		for _, dep := range node.Optional {
			target, present := graph[dep.DependencyName]
			if !present {
				warnings = append(warnings, fmt.Sprintf("optional dependency %q of module %q is not installed",
					dep.DependencyName, node.Name))
				continue
			}
			if dep.VersionConstraint != "" && !SatisfiesConstraint(target.Version, dep.VersionConstraint) {
				conflicts = append(conflicts, Conflict{
					Type:     ConflictVersionMismatch,
					Severity: SeverityMinor,
					Description: fmt.Sprintf("module %q prefers %q %s but %s is available",
						node.Name, dep.DependencyName, dep.VersionConstraint, target.Version),
					Modules: []string{node.Name, dep.DependencyName},
				})
			}
		}
	}

	return conflicts, warnings
}

// installOrder runs Kahn's algorithm over the required-dependency edges.
// Ties break by ascending module name so identical graphs always produce
// identical orders. A cycle yields a circular_dependency conflict and no
// order.
func installOrder(graph map[string]*Node) ([]string, *Conflict) {
	indegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))

	for name := range graph {
		indegree[name] = 0
	}
	for name, node := range graph {
		for _, dep := range node.Required {
			if _, present := graph[dep.DependencyName]; !present {
				continue // missing deps are reported separately
			}
			indegree[name]++
			dependents[dep.DependencyName] = append(dependents[dep.DependencyName], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		changed := false
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(graph) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &Conflict{
			Type:        ConflictCircularDependency,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("circular dependency among modules: %v", stuck),
			Modules:     stuck,
			Suggestion:  "Break the cycle by making one of the dependencies optional or removing it.",
		}
	}

	return order, nil
}

// AnalyzeModuleDependencies builds the dependency graph for a target
// module (plus optional extra targets) against a company's installed
// modules and produces an installation order or a conflict report.
func (s *Service) AnalyzeModuleDependencies(ctx context.Context, moduleID, companyID string, targetModules ...string) (*Plan, error) {
	targets := append([]string{moduleID}, targetModules...)
	graph, err := s.buildGraph(ctx, companyID, targets)
	if err != nil {
		return nil, err
	}
	return analyze(graph), nil
}

func analyze(graph map[string]*Node) *Plan {
	conflicts, warnings := detectConflicts(graph)

	order, cycle := installOrder(graph)
	if cycle != nil {
		conflicts = append(conflicts, *cycle)
	}

	plan := &Plan{
		InstallOrder: order,
		Conflicts:    conflicts,
		Warnings:     warnings,
		IsResolvable: cycle == nil,
	}
	for _, c := range conflicts {
		if c.Severity == SeverityCritical {
			plan.IsResolvable = false
		}
	}
	if !plan.IsResolvable {
		plan.InstallOrder = nil
	}
	if plan.Warnings == nil {
		plan.Warnings = []string{}
	}
	if plan.Conflicts == nil {
		plan.Conflicts = []Conflict{}
	}
	return plan
}

// DetectInstallationConflicts runs the conflict-detection subset for a
// bulk pre-flight check, without computing an order.
func (s *Service) DetectInstallationConflicts(ctx context.Context, moduleIDs []string, companyID string) ([]Conflict, error) {
	graph, err := s.buildGraph(ctx, companyID, moduleIDs)
	if err != nil {
		return nil, err
	}
	conflicts, _ := detectConflicts(graph)
	if _, cycle := installOrder(graph); cycle != nil {
		conflicts = append(conflicts, *cycle)
	}
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return conflicts, nil
}

// ValidateUpgradeCompatibility re-runs the analysis substituting the
// candidate version and returns only the conflicts the upgrade would
// introduce relative to the currently installed version.
func (s *Service) ValidateUpgradeCompatibility(ctx context.Context, moduleID, newVersion, companyID string) ([]Conflict, error) {
	graph, err := s.buildGraph(ctx, companyID, []string{moduleID})
	if err != nil {
		return nil, err
	}

	mod, err := s.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}

	before, _ := detectConflicts(graph)

	if node, ok := graph[mod.Name]; ok {
		node.Version = newVersion
	}
	after, _ := detectConflicts(graph)

	seen := make(map[string]bool, len(before))
	for _, c := range before {
		seen[c.Description] = true
	}
	introduced := []Conflict{}
	for _, c := range after {
		if !seen[c.Description] {
			introduced = append(introduced, c)
		}
	}
	return introduced, nil
}

func sortedNames(graph map[string]*Node) []string {
	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
