package redfault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFaultPlanYAML(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
- name: slow set
  fault_type: delay
  duration: 20
  command: SET
- name: get error
  description: GET custom error
  fault_type: error
  error_msg: KEY not found
  command: GET
- name: drop ping
  fault_type: drop
  command: PING
`)

	store := NewMemStore()
	n, err := LoadFaultPlan(path, store)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	fault, ok := store.GetByCommand("set")
	require.True(t, ok)
	assert.Equal(t, "slow set", fault.Name)
	require.NotNil(t, fault.Duration)
	assert.Equal(t, uint64(20), *fault.Duration)
	require.NotNil(t, fault.LastModified, "seed faults must be stamped")

	fault, ok = store.GetByCommand("GET")
	require.True(t, ok)
	require.NotNil(t, fault.ErrorMsg)
	assert.Equal(t, "KEY not found", *fault.ErrorMsg)
}

func TestLoadFaultPlanJSON(t *testing.T) {
	path := writePlan(t, "plan.json", `[
  {"name": "slow set", "fault_type": "delay", "duration": 20, "command": "SET"}
]`)

	store := NewMemStore()
	n, err := LoadFaultPlan(path, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := store.GetByCommand("SET")
	assert.True(t, ok)
}

func TestLoadFaultPlanDuplicateCommand(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
- name: first
  fault_type: drop
  command: SET
- name: second
  fault_type: drop
  command: set
`)

	store := NewMemStore()
	_, err := LoadFaultPlan(path, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLoadFaultPlanUnknownFaultType(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
- name: weird
  fault_type: jitter
  command: SET
`)

	store := NewMemStore()
	_, err := LoadFaultPlan(path, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFaultType)
}

func TestLoadFaultPlanUnsupportedExtension(t *testing.T) {
	path := writePlan(t, "plan.toml", `name = "nope"`)

	_, err := LoadFaultPlan(path, NewMemStore())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoadFaultPlanMissingFile(t *testing.T) {
	_, err := LoadFaultPlan(filepath.Join(t.TempDir(), "absent.yaml"), NewMemStore())
	require.Error(t, err)
}
