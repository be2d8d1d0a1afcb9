package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently skipping a step.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Model.Name == "" || s.Model.ConfigKey == "" || s.Model.PKField == "" {
		return fmt.Errorf("model requires name, config_key and pk_field")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	labels := make(map[string]bool)
	for i, qs := range s.QuerySets {
		if qs.Label == "" {
			return fmt.Errorf("query_sets[%d]: label is required", i)
		}
		if labels[qs.Label] {
			return fmt.Errorf("query_sets[%d]: duplicate label %q", i, qs.Label)
		}
		labels[qs.Label] = true
	}
	for i, m := range s.Metrics {
		if m.Label == "" {
			return fmt.Errorf("metrics[%d]: label is required", i)
		}
		if m.Kind == "" {
			return fmt.Errorf("metrics[%d]: kind is required", i)
		}
	}

	ops := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, &step, labels, ops); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates one step against the declared labels and the
// operations earlier steps registered.
func validateStep(index int, step *Step, querySets map[string]bool, ops map[string]bool) error {
	switch step.Do {
	case StepSetServer:
		// Entities may legitimately be empty: the server dropped
		// everything.

	case StepCreate, StepUpdate, StepDelete:
		if len(step.Instances) == 0 {
			return fmt.Errorf("steps[%d]: %s requires instances", index, step.Do)
		}
		if step.QuerySet != "" && !querySets[step.QuerySet] {
			return fmt.Errorf("steps[%d]: unknown query set %q", index, step.QuerySet)
		}
		if step.As != "" {
			if ops[step.As] {
				return fmt.Errorf("steps[%d]: duplicate operation label %q", index, step.As)
			}
			ops[step.As] = true
		}

	case StepConfirm, StepReject:
		if step.Ref == "" {
			return fmt.Errorf("steps[%d]: %s requires ref", index, step.Do)
		}
		if !ops[step.Ref] {
			return fmt.Errorf("steps[%d]: unknown operation %q", index, step.Ref)
		}

	case StepPush:
		if step.Type == "" {
			return fmt.Errorf("steps[%d]: push requires type", index)
		}
		if len(step.Instances) == 0 {
			return fmt.Errorf("steps[%d]: push requires instances", index)
		}

	case StepSync:

	case "":
		return fmt.Errorf("steps[%d]: do is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown step %q", index, step.Do)
	}
	return nil
}
