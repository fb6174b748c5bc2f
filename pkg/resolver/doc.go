// Package resolver builds module dependency graphs and computes
// deterministic installation orders. Graphs are assembled fresh from
// storage on every request; conflicts are graded minor/major/critical
// and any critical conflict (or a cycle) makes a plan unresolvable.
package resolver
