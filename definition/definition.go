package definition

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowmesh/core"
	"github.com/flowmesh/flowmesh/resolver"
)

// Flow is a loaded, validated flow definition.
type Flow struct {
	Name  string
	Tasks []core.TaskSpec
}

// flowDoc mirrors the YAML document shape.
type flowDoc struct {
	Name  string    `yaml:"name"`
	Tasks []taskDoc `yaml:"tasks"`
}

type taskDoc struct {
	ID          string   `yaml:"id"`
	WaitForDocs []string `yaml:"wait_for_docs,omitempty"`
	WaitFor     []string `yaml:"wait_for,omitempty"`
	MemoryScope string   `yaml:"memory_scope,omitempty"`
	Namespace   string   `yaml:"namespace,omitempty"`
	Parallel    bool     `yaml:"parallel,omitempty"`
	MaxRetries  int      `yaml:"max_retries,omitempty"`
	RetryDelay  string   `yaml:"retry_delay,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	OutputDoc   string   `yaml:"output_doc,omitempty"`
}

// Load parses and validates a YAML flow definition.
func Load(data []byte) (*Flow, error) {
	var doc flowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &core.ValidationError{Subject: "flow", Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if doc.Name == "" {
		return nil, &core.ValidationError{Subject: "flow", Reason: "flow name must not be empty"}
	}
	if len(doc.Tasks) == 0 {
		return nil, &core.ValidationError{Subject: doc.Name, Reason: "flow defines no tasks"}
	}

	specs := make([]core.TaskSpec, 0, len(doc.Tasks))
	seen := map[string]bool{}
	for _, t := range doc.Tasks {
		spec, err := t.toSpec()
		if err != nil {
			return nil, err
		}
		if seen[spec.ID] {
			return nil, &core.ValidationError{Subject: spec.ID, Reason: "duplicate task id"}
		}
		seen[spec.ID] = true
		specs = append(specs, spec)
	}

	// Unknown predecessor references and cycles are both fatal here.
	if err := resolver.DetectCycles(specs); err != nil {
		return nil, err
	}

	return &Flow{Name: doc.Name, Tasks: specs}, nil
}

// LoadFile reads and loads a flow definition from disk.
func LoadFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.StorageError{Op: "read", Err: err}
	}
	return Load(data)
}

func (t taskDoc) toSpec() (core.TaskSpec, error) {
	scope := core.ScopeKind(t.MemoryScope)
	if t.MemoryScope == "" {
		scope = core.ScopeIsolated
	}

	retryDelay, err := parseDuration(t.ID, "retry_delay", t.RetryDelay)
	if err != nil {
		return core.TaskSpec{}, err
	}
	timeout, err := parseDuration(t.ID, "timeout", t.Timeout)
	if err != nil {
		return core.TaskSpec{}, err
	}

	spec := core.TaskSpec{
		ID:            t.ID,
		RequiredDocs:  t.WaitForDocs,
		RequiredTasks: t.WaitFor,
		MemoryScope:   scope,
		Namespace:     t.Namespace,
		Parallel:      t.Parallel,
		MaxRetries:    t.MaxRetries,
		RetryDelay:    retryDelay,
		Timeout:       timeout,
		OutputDoc:     t.OutputDoc,
	}
	if err := spec.Validate(); err != nil {
		return core.TaskSpec{}, err
	}
	return spec, nil
}

func parseDuration(taskID, field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &core.ValidationError{Subject: taskID, Reason: fmt.Sprintf("invalid %s %q", field, raw)}
	}
	if d < 0 {
		return 0, &core.ValidationError{Subject: taskID, Reason: fmt.Sprintf("%s must not be negative", field)}
	}
	return d, nil
}
