// Package schema describes the entities a bridge synchronizes.
//
// A Registry owns every Entity by name. Relationships refer to their
// destination entity and inverse relationship by name only; both are
// resolved lazily through the registry, so entity graphs may be cyclic
// without any object holding a strong reference to another.
//
// Schemas are built in Go, or loaded from YAML (LoadYAML) or CUE
// (CompileCUE, LoadCUEDir). Every constructor validates the whole graph
// and reports all problems at once as a joined error of *Error values.
package schema
