// Package resolver decides whether a task's declared prerequisites are
// satisfied. It answers READY, BLOCKED with the exact missing document and
// predecessor ids, or UNSATISFIABLE when a required predecessor has failed
// permanently. Cycle detection over the full predecessor graph runs once at
// load time, never per task at run time.
package resolver

import (
	"fmt"
	"strings"

	"github.com/flowmesh/flowmesh/core"
)

// State classifies a resolution outcome.
type State int

const (
	// Ready means every required document exists and every required
	// predecessor is in the run's completed set.
	Ready State = iota

	// Blocked means at least one requirement is missing but could still be
	// satisfied (document supplied, predecessor completes).
	Blocked

	// Unsatisfiable means a required predecessor failed permanently; the
	// task can never become ready within this run.
	Unsatisfiable
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Unsatisfiable:
		return "unsatisfiable"
	}
	return "unknown"
}

// Resolution carries the outcome plus the exact missing ids so callers can
// report actionable pending state rather than a bare boolean.
type Resolution struct {
	State        State
	MissingDocs  []string
	MissingTasks []string

	// FailedTasks lists required predecessors found in the run's failed set.
	FailedTasks []string
}

// Resolve checks one task's requirements against the document repository and
// the run's completed/failed sets. Policy decisions (wait/skip/error) belong
// to the scheduler, not here.
func Resolve(spec core.TaskSpec, run *core.FlowRun, docs core.DocumentStore) (Resolution, error) {
	res := Resolution{State: Ready}

	for _, id := range spec.RequiredDocs {
		ok, err := docs.Exists(id)
		if err != nil {
			return Resolution{}, fmt.Errorf("checking document %s: %w", id, err)
		}
		if !ok {
			res.MissingDocs = append(res.MissingDocs, id)
		}
	}

	for _, id := range spec.RequiredTasks {
		if run.Completed[id] {
			continue
		}
		if run.Failed[id] {
			res.FailedTasks = append(res.FailedTasks, id)
			continue
		}
		res.MissingTasks = append(res.MissingTasks, id)
	}

	switch {
	case len(res.FailedTasks) > 0:
		res.State = Unsatisfiable
	case len(res.MissingDocs) > 0 || len(res.MissingTasks) > 0:
		res.State = Blocked
	}
	return res, nil
}

// DetectCycles validates the predecessor graph of a whole flow with DFS
// coloring. A cycle renders the flow unsatisfiable at load time; the error
// names the cycle path. Unknown predecessor references are also rejected
// here since they would make the flow permanently blocked.
func DetectCycles(specs []core.TaskSpec) error {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)

	byID := make(map[string]core.TaskSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}

	color := make(map[string]int, len(specs))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		spec, known := byID[id]
		if !known {
			return &core.ValidationError{Subject: id, Reason: "required predecessor is not part of the flow"}
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range spec.RequiredTasks {
			switch color[dep] {
			case gray:
				cycle := append(append([]string{}, path...), dep)
				return &core.ValidationError{
					Subject: "flow",
					Reason:  fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
				}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, s := range specs {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
