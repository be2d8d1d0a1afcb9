package harness

import (
	"github.com/meridianhq/liveset/internal/model"
)

// Scenario defines an end-to-end sync engine test: a model, a simulated
// server dataset, the stores to construct, and a sequence of steps whose
// observable effects are captured as a trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Model describes the entity type the scenario ranges over.
	Model ModelDef `yaml:"model"`

	// Server is the simulated authoritative dataset fetchers serve from.
	Server []map[string]any `yaml:"server,omitempty"`

	// QuerySets lists the query-set stores to construct, keyed by label.
	QuerySets []QuerySetDef `yaml:"query_sets,omitempty"`

	// Metrics lists the metric stores to construct, keyed by label.
	Metrics []MetricDef `yaml:"metrics,omitempty"`

	// Steps is the executed sequence. A trace event is recorded after
	// every step.
	Steps []Step `yaml:"steps"`
}

// ModelDef is the YAML form of a model descriptor.
type ModelDef struct {
	Name      string `yaml:"name"`
	ConfigKey string `yaml:"config_key"`
	PKField   string `yaml:"pk_field"`
}

// Descriptor converts the definition to the engine's descriptor type.
func (m ModelDef) Descriptor() model.Descriptor {
	return model.Descriptor{Name: m.Name, ConfigKey: m.ConfigKey, PKField: m.PKField}
}

// QuerySetDef declares one query-set store.
type QuerySetDef struct {
	// Label names the store in steps and trace output.
	Label string `yaml:"label"`

	// Filter is an optional single-field predicate; absent means an
	// unfiltered set.
	Filter *FilterDef `yaml:"filter,omitempty"`
}

// MetricDef declares one metric store.
type MetricDef struct {
	// Label names the store in trace output.
	Label string `yaml:"label"`

	// Kind is count, sum, min, max, or avg.
	Kind string `yaml:"kind"`

	// Field is the aggregated attribute; empty for count.
	Field string `yaml:"field,omitempty"`

	// Filter optionally scopes the aggregate.
	Filter *FilterDef `yaml:"filter,omitempty"`
}

// FilterDef is the YAML form of a single-field predicate.
type FilterDef struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

// Step is one executed action. Do selects the action; the other fields are
// its arguments.
type Step struct {
	// Do is one of: set_server, create, update, delete, confirm, reject,
	// push, sync.
	Do string `yaml:"do"`

	// As labels the operation a create/update/delete step registers, for
	// later confirm/reject steps and trace output.
	As string `yaml:"as,omitempty"`

	// Ref names the operation a confirm/reject step targets.
	Ref string `yaml:"ref,omitempty"`

	// Type is the operation type for push steps.
	Type string `yaml:"type,omitempty"`

	// QuerySet is the originating set label for create steps.
	QuerySet string `yaml:"query_set,omitempty"`

	// Instances carries the operation's entity payloads.
	Instances []map[string]any `yaml:"instances,omitempty"`

	// Entities replaces the simulated server dataset (set_server).
	Entities []map[string]any `yaml:"entities,omitempty"`
}

// Step action constants.
const (
	StepSetServer = "set_server"
	StepCreate    = "create"
	StepUpdate    = "update"
	StepDelete    = "delete"
	StepConfirm   = "confirm"
	StepReject    = "reject"
	StepPush      = "push"
	StepSync      = "sync"
)

// TraceEvent is the observable state recorded after one step: the rendered
// entity set, each query set's effective membership, and each metric's
// effective value. Operation IDs are deliberately absent - they are not
// deterministic - so labels stand in for them.
type TraceEvent struct {
	Step      int                 `json:"step"`
	Do        string              `json:"do"`
	Label     string              `json:"label,omitempty"`
	Entities  []model.Entity      `json:"entities"`
	QuerySets map[string][]string `json:"query_sets,omitempty"`
	Metrics   map[string]float64  `json:"metrics,omitempty"`
}
