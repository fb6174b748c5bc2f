package security

// Severity classifies a security finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Finding represents a single security concern found during validation.
type Finding struct {
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	File           string   `json:"file,omitempty"`
	Line           int      `json:"line,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Blocking reports whether the finding alone rejects a module registration.
func (f Finding) Blocking() bool {
	return f.Severity == SeverityCritical || f.Severity == SeverityHigh
}

// ValidationResult is the composite outcome of manifest, dependency and
// package validation. IsValid is false when any error or any critical/high
// finding is present; the full finding list is always returned so the
// module author can remediate.
type ValidationResult struct {
	IsValid  bool      `json:"is_valid"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	Findings []Finding `json:"findings"`
}

// AddError records a hard validation error.
func (r *ValidationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

// AddWarning records an advisory message.
func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddFindings records scan findings and downgrades validity when any of
// them is blocking.
func (r *ValidationResult) AddFindings(findings ...Finding) {
	for _, f := range findings {
		r.Findings = append(r.Findings, f)
		if f.Blocking() {
			r.IsValid = false
		}
	}
}
