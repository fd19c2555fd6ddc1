package scheduler

import (
	"github.com/flowmesh/flowmesh/core"
)

// Step is one unit of plan execution. A step with more than one task runs its
// members concurrently; a single-task step runs inline.
type Step struct {
	Tasks []core.TaskSpec
}

// Concurrent reports whether the step fans out.
func (s Step) Concurrent() bool { return len(s.Tasks) > 1 }

// IDs returns the member task ids in batch order.
func (s Step) IDs() []string {
	ids := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Plan derives the ordered execution steps from the task list. Consecutive
// parallel-eligible tasks batch into one concurrent step as long as no member
// requires another member; any dependency between neighbors, or a
// non-parallel task, closes the batch. Declaration order is preserved both
// across steps and within a batch.
func Plan(tasks []core.TaskSpec) []Step {
	steps := []Step{}
	var batch []core.TaskSpec

	flush := func() {
		if len(batch) > 0 {
			steps = append(steps, Step{Tasks: batch})
			batch = nil
		}
	}

	for _, t := range tasks {
		if !t.Parallel {
			flush()
			steps = append(steps, Step{Tasks: []core.TaskSpec{t}})
			continue
		}
		if dependsOnAny(t, batch) {
			flush()
		}
		batch = append(batch, t)
	}
	flush()
	return steps
}

func dependsOnAny(t core.TaskSpec, batch []core.TaskSpec) bool {
	for _, dep := range t.RequiredTasks {
		for _, member := range batch {
			if member.ID == dep {
				return true
			}
		}
	}
	return false
}
