// Package definition loads flow definitions from YAML documents and turns
// them into validated task specifications. Loading is the only place flow
// structure is checked: unique task ids, known predecessor references and an
// acyclic dependency graph. A flow that loads cleanly never fails structural
// validation later.
package definition
