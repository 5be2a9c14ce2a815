package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_Valid(t *testing.T) {
	path := writeScenario(t, `
name: valid
description: "A valid scenario"
timezone: Europe/Berlin
min_interval: 10m
seed:
  - ref: standup
    id: 7
    event: { title: Standup, start: "2024-03-04T09:30:00Z", duration_minutes: 15 }
steps:
  - do: edit
    ref: standup
    event: { title: Standup, start: "2024-03-04T10:00:00Z" }
  - do: sync
    force: true
    expect: { upserted: 1, changed: true }
assertions:
  - type: call_count
    op: update
    count: 1
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "valid", s.Name)
	assert.Equal(t, "Europe/Berlin", s.Timezone)
	require.Len(t, s.Seed, 1)
	assert.Equal(t, int64(7), s.Seed[0].ID)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, DoEdit, s.Steps[0].Do)
	require.NotNil(t, s.Steps[1].Expect)
	require.NotNil(t, s.Steps[1].Expect.Upserted)
	assert.Equal(t, 1, *s.Steps[1].Expect.Upserted)
	assert.True(t, *s.Steps[1].Expect.Changed)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "Misspelled key"
steps:
  - do: online
assertion:
  - type: remote
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps: [{do: online}]\nassertions: [{type: remote}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nsteps: [{do: online}]\nassertions: [{type: remote}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\nassertions: [{type: remote}]",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nsteps: [{do: teleport}]\nassertions: [{type: remote}]",
			wantErr: `unknown action "teleport"`,
		},
		{
			name:    "ref used before add",
			yaml:    "name: n\ndescription: d\nsteps: [{do: delete, ref: ghost}]\nassertions: [{type: remote}]",
			wantErr: `unknown ref "ghost"`,
		},
		{
			name:    "add without event",
			yaml:    "name: n\ndescription: d\nsteps: [{do: add, ref: a}]\nassertions: [{type: remote}]",
			wantErr: "event is required for add",
		},
		{
			name:    "bad start",
			yaml:    "name: n\ndescription: d\nsteps: [{do: add, ref: a, event: {title: A, start: tomorrow}}]\nassertions: [{type: remote}]",
			wantErr: "event start",
		},
		{
			name:    "bad advance",
			yaml:    "name: n\ndescription: d\nsteps: [{do: advance, by: soon}]\nassertions: [{type: remote}]",
			wantErr: "by:",
		},
		{
			name:    "seed id out of range",
			yaml:    "name: n\ndescription: d\nseed: [{ref: a, id: 5000, event: {title: A, start: \"2024-03-04T09:00:00Z\"}}]\nsteps: [{do: online}]\nassertions: [{type: remote}]",
			wantErr: "id must be in",
		},
		{
			name:    "unknown outcome",
			yaml:    "name: n\ndescription: d\nsteps: [{do: sync, expect: {outcome: maybe}}]\nassertions: [{type: remote}]",
			wantErr: `unknown outcome "maybe"`,
		},
		{
			name:    "view needs day or month",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: view}]",
			wantErr: "exactly one of day or month",
		},
		{
			name:    "pending needs counts",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: pending}]",
			wantErr: "upserts or deletes is required",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: trace_contains}]",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "bad timezone",
			yaml:    "name: n\ndescription: d\ntimezone: Mars/Olympus\nsteps: [{do: online}]\nassertions: [{type: remote}]",
			wantErr: "timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_TestdataScenariosAreValid(t *testing.T) {
	files, err := ResolveScenarios([]string{"testdata/scenarios"})
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		_, err := LoadScenario(f)
		assert.NoError(t, err, f)
	}
}
