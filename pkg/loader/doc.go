// Package loader drives the module load pipeline: package extraction,
// on-disk structure validation, runtime construction, entry-point
// resolution and the init/health/cleanup lifecycle. Runtimes are
// compiled-in factories selected by the manifest rather than dynamically
// imported code, so handler references resolve against explicit maps the
// runtime populates at construction time.
package loader
