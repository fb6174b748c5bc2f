package loader

import (
	"errors"
	"fmt"
)

// ErrNoPackageData is returned when a module without package bytes is
// asked to extract.
var ErrNoPackageData = errors.New("module has no package data")

// Stage identifies where in the load pipeline a failure occurred.
type Stage string

const (
	StageExtraction     Stage = "extraction"
	StageStructure      Stage = "structure_validation"
	StageRuntime        Stage = "runtime_load"
	StageEntryPoints    Stage = "entry_point_resolution"
	StageInitialization Stage = "initialization"
)

// LoadError is a load-pipeline failure tagged with the offending module
// and the stage it failed at.
type LoadError struct {
	Module string
	Stage  Stage
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module %s: %s failed: %v", e.Module, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(module string, stage Stage, err error) *LoadError {
	return &LoadError{Module: module, Stage: stage, Err: err}
}
