package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigOnly(t *testing.T) {
	out, err := execute(t, NewValidateCommand(testRoot(t, "text")))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Config and schemas valid")
}

func TestValidateScenarios(t *testing.T) {
	out, err := execute(t, NewValidateCommand(testRoot(t, "text")), scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Config, schemas and 10 scenario(s) valid")
}

func TestValidateScenariosJSON(t *testing.T) {
	out, err := execute(t, NewValidateCommand(testRoot(t, "json")), scenariosDir)
	require.NoError(t, err)

	var response struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
	assert.True(t, response.Data.Valid)
	assert.Equal(t, 10, response.Data.Scenarios)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := execute(t, NewValidateCommand(testRoot(t, "text")), "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_NOT_FOUND]")
}

func TestValidateInvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(passingScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\nsteps: []\n"), 0o644))

	out, err := execute(t, NewValidateCommand(testRoot(t, "text")), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "bad.yaml")
	assert.Contains(t, out, ErrCodeScenario)
	assert.NotContains(t, out, "good.yaml")
}

func TestValidateInvalidScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\n"), 0o644))

	out, err := execute(t, NewValidateCommand(testRoot(t, "json")), dir)
	require.Error(t, err)

	var response struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	assert.False(t, response.Data.Valid)
	assert.Equal(t, 1, response.Data.Scenarios)
	require.NotNil(t, response.Error)
	assert.Equal(t, ErrCodeScenario, response.Error.Code)
}

func TestValidateInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  primary: carrier-pigeon\n"), 0o644))

	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "text", Config: path}))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "config")
	assert.Contains(t, out, "carrier-pigeon")
}

func TestValidateVerboseOutput(t *testing.T) {
	opts := testRoot(t, "text")
	opts.Verbose = true

	cmd := NewValidateCommand(opts)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{scenariosDir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errOut.String(), "config ok")
	assert.Contains(t, errOut.String(), "Validating scenario: enter_open_home.yaml")
	assert.NotContains(t, out.String(), "Validating")
}

func TestScenarioPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	paths, err := scenarioPaths(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "a.yml", filepath.Base(paths[0]))
	assert.Equal(t, "b.yaml", filepath.Base(paths[1]))
}
