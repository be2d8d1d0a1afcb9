package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios and compares
// its trace against the matching golden file.
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths, "no scenario files found")

	for _, path := range paths {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, scenario.Name+".yaml", filepath.Base(path),
				"scenario name must match its file name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			require.Len(t, result.Trace, len(scenario.Steps))
		})
	}
}

// TestRunExposesLiveStores checks that direct assertions against the stores
// a run leaves behind agree with the recorded trace.
func TestRunExposesLiveStores(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "optimistic-create-confirm.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	require.NotNil(t, result.Core)
	require.Contains(t, result.QuerySets, "page")

	// After the confirm the temporary key is gone and the server key "2"
	// renders alongside the synced entity.
	pks := result.Entities.RenderedPKs()
	assert.Equal(t, []string{"1", "2"}, pks)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, pks, last.QuerySets["page"])
}

func TestRunFailsOnConfirmOfTerminalOperation(t *testing.T) {
	scenario := &Scenario{
		Name:        "double-confirm",
		Description: "confirm after reject must fail",
		Model:       ModelDef{Name: "Track", ConfigKey: "tracks", PKField: "id"},
		Steps: []Step{
			{Do: StepCreate, As: "op", Instances: []map[string]any{{"id": "tmp-1"}}},
			{Do: StepReject, Ref: "op"},
			{Do: StepConfirm, Ref: "op", Instances: []map[string]any{{"id": "1"}}},
		},
	}
	require.NoError(t, validateScenario(scenario))

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[2]")
}
