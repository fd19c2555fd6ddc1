package workunit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowmesh/flowmesh/core"
)

// BuildPrompt renders the work unit input as a single prompt: the memory
// snapshot first, then each dependency document, then the task identity. Keys
// and document ids are sorted so identical inputs always produce identical
// prompts, which keeps retried attempts reproducible.
func BuildPrompt(in core.Input) string {
	var b strings.Builder

	if len(in.Memory) > 0 {
		b.WriteString("## Working memory\n")
		keys := make([]string, 0, len(in.Memory))
		for k := range in.Memory {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, in.Memory[k])
		}
		b.WriteString("\n")
	}

	if len(in.Documents) > 0 {
		ids := make([]string, 0, len(in.Documents))
		for id := range in.Documents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "## Document: %s\n%s\n\n", id, in.Documents[id])
		}
	}

	fmt.Fprintf(&b, "## Task\nYou are executing task %q in session %q. Produce the task output.\n", in.TaskID, in.SessionID)
	return b.String()
}
