// Package makegen expands the scanned fuzzer and benchmark sets into
// the full build-target graph and serializes it as make rules. The
// graph is constructed in memory first so its ordering and dependency
// properties can be checked independently of the output format.
package makegen

// Target is one named node in the generated build graph. A target with
// no commands only aggregates its dependencies. Generation emits every
// dependency strictly before the target that names it, so the stream
// is acyclic by construction.
type Target struct {
	Name     string
	Deps     []string
	Commands []string
}

// Var is one make variable definition emitted ahead of the targets.
type Var struct {
	Name  string
	Value string
}
