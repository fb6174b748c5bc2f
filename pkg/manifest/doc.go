// Package manifest defines the declarative contract for a registrable
// module: its identity, type, dependencies, entry points, endpoints and
// event handlers, plus the validation rules that gate registration.
package manifest
