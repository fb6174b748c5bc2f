package security

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/manifest"
)

// Validator composes manifest validation, dependency validation and the
// static package scan into one registration-time check.
type Validator struct {
	scanner *Scanner
	log     *logrus.Logger
}

// NewValidator creates a module validator.
func NewValidator(log *logrus.Logger) *Validator {
	if log == nil {
		log = logrus.New()
	}
	return &Validator{
		scanner: NewScanner(log),
		log:     log,
	}
}

// ValidateCompleteModule runs every registration-time check. pkg may be
// nil when the module carries no packaged payload; available lists the
// module/service names currently known to the registry and depGraph maps
// each known module name to its declared module dependencies, so a
// candidate closing a dependency cycle is rejected before it is
// persisted. The result always carries the full finding list, even when
// the module is rejected.
func (v *Validator) ValidateCompleteModule(ctx context.Context, m *manifest.ModuleManifest, pkg []byte, available []string, depGraph map[string][]string) *ValidationResult {
	result := &ValidationResult{
		IsValid:  true,
		Errors:   []string{},
		Warnings: []string{},
		Findings: []Finding{},
	}

	if ok, msgs := manifest.ValidateManifest(m); !ok {
		for _, msg := range msgs {
			result.AddError(msg)
		}
	}

	for _, msg := range ValidateDependencies(m, available) {
		result.AddError(msg)
	}

	graph := make(map[string][]string, len(depGraph)+1)
	for name, deps := range depGraph {
		graph[name] = deps
	}
	var edges []string
	for _, dep := range m.Dependencies {
		if dep.Type == manifest.DependencyTypeModule {
			edges = append(edges, dep.Name)
		}
	}
	graph[m.Name] = edges
	for _, msg := range DetectCircularDependencies(graph) {
		result.AddError(msg)
	}

	for _, w := range manifest.CheckSecurityRequirements(m) {
		result.AddWarning(w)
	}

	if len(pkg) > 0 {
		findings, err := v.scanner.ScanPackage(ctx, pkg)
		if err != nil {
			result.AddError(err.Error())
		} else {
			result.AddFindings(findings...)
		}
	}

	if !result.IsValid {
		v.log.WithFields(logrus.Fields{
			"module":   m.Name,
			"errors":   len(result.Errors),
			"findings": len(result.Findings),
		}).Warn("Module failed security validation")
	}

	return result
}
