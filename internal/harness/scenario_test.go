package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validScenarioYAML = `
name: sample
description: sample scenario
model:
  name: Track
  config_key: tracks
  pk_field: id
steps:
  - do: sync
`

func TestLoadScenario(t *testing.T) {
	scenario, err := LoadScenario(writeScenario(t, validScenarioYAML))
	require.NoError(t, err)
	assert.Equal(t, "sample", scenario.Name)
	assert.Equal(t, "Track", scenario.Model.Name)
	require.Len(t, scenario.Steps, 1)
	assert.Equal(t, StepSync, scenario.Steps[0].Do)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	_, err := LoadScenario(writeScenario(t, `
name: sample
description: sample scenario
modle:
  name: Track
steps:
  - do: sync
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestValidateScenario(t *testing.T) {
	base := func() *Scenario {
		return &Scenario{
			Name:        "sample",
			Description: "sample scenario",
			Model:       ModelDef{Name: "Track", ConfigKey: "tracks", PKField: "id"},
			Steps:       []Step{{Do: StepSync}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(s *Scenario)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(s *Scenario) {},
		},
		{
			name:    "missing name",
			mutate:  func(s *Scenario) { s.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			mutate:  func(s *Scenario) { s.Description = "" },
			wantErr: "description is required",
		},
		{
			name:    "incomplete model",
			mutate:  func(s *Scenario) { s.Model.PKField = "" },
			wantErr: "model requires",
		},
		{
			name:    "no steps",
			mutate:  func(s *Scenario) { s.Steps = nil },
			wantErr: "steps list is required",
		},
		{
			name: "duplicate query set label",
			mutate: func(s *Scenario) {
				s.QuerySets = []QuerySetDef{{Label: "all"}, {Label: "all"}}
			},
			wantErr: `duplicate label "all"`,
		},
		{
			name: "metric without kind",
			mutate: func(s *Scenario) {
				s.Metrics = []MetricDef{{Label: "total"}}
			},
			wantErr: "kind is required",
		},
		{
			name: "create without instances",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{Do: StepCreate, As: "op"}}
			},
			wantErr: "create requires instances",
		},
		{
			name: "create against unknown query set",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{
					Do: StepCreate, As: "op", QuerySet: "missing",
					Instances: []map[string]any{{"id": "1"}},
				}}
			},
			wantErr: `unknown query set "missing"`,
		},
		{
			name: "duplicate operation label",
			mutate: func(s *Scenario) {
				s.Steps = []Step{
					{Do: StepCreate, As: "op", Instances: []map[string]any{{"id": "1"}}},
					{Do: StepCreate, As: "op", Instances: []map[string]any{{"id": "2"}}},
				}
			},
			wantErr: `duplicate operation label "op"`,
		},
		{
			name: "confirm without ref",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{Do: StepConfirm}}
			},
			wantErr: "confirm requires ref",
		},
		{
			name: "reject of unknown operation",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{Do: StepReject, Ref: "ghost"}}
			},
			wantErr: `unknown operation "ghost"`,
		},
		{
			name: "push without type",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{Do: StepPush, Instances: []map[string]any{{"id": "1"}}}}
			},
			wantErr: "push requires type",
		},
		{
			name: "push without instances",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{Do: StepPush, Type: "delete"}}
			},
			wantErr: "push requires instances",
		},
		{
			name: "step without do",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{}}
			},
			wantErr: "do is required",
		},
		{
			name: "unknown step",
			mutate: func(s *Scenario) {
				s.Steps = []Step{{Do: "explode"}}
			},
			wantErr: `unknown step "explode"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			err := validateScenario(s)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
