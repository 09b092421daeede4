package redfault

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (http.Handler, *MemStore) {
	t.Helper()
	store := NewMemStore()
	server := NewFaultServer(DefaultConfig().Server, store, nil)
	return server.Handler(), store
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const mockFaultBody = `{
  "name": "get_custom_err",
  "description": "GET custom error",
  "fault_type": "error",
  "error_msg": "KEY not found",
  "command": "GET"
}`

func TestCreateFault(t *testing.T) {
	handler, store := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault", mockFaultBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	fault, err := store.GetByName("get_custom_err")
	require.NoError(t, err)
	assert.Equal(t, "GET", fault.Command)
	require.NotNil(t, fault.LastModified, "control plane must stamp last_modified")
}

func TestCreateFaultInvalidPayload(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusBadRequest, body.StatusCode)
	assert.NotEmpty(t, body.Message)
}

func TestCreateFaultInvalidFaultType(t *testing.T) {
	handler, store := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault",
		`{"name": "weird", "fault_type": "jitter", "command": "SET"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	faults, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, faults)
}

func TestCreateFaultMissingRequiredField(t *testing.T) {
	handler, _ := newTestServer(t)

	// A delay fault without duration violates the type's field invariant.
	rec := doRequest(t, handler, http.MethodPost, "/fault",
		`{"name": "slow", "fault_type": "delay", "command": "SET"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateFaultConflict(t *testing.T) {
	handler, store := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault", mockFaultBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Same command, different name: rejected with Conflict.
	rec = doRequest(t, handler, http.MethodPost, "/fault",
		`{"name": "another", "fault_type": "drop", "command": "get"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	faults, err := store.List()
	require.NoError(t, err)
	assert.Len(t, faults, 1)
}

func TestGetFault(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault", mockFaultBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/fault/get_custom_err", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var fault Fault
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fault))
	assert.Equal(t, "get_custom_err", fault.Name)
	assert.Equal(t, FaultTypeError, fault.FaultType)
}

func TestGetFaultUnknown(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/fault/absent", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFaultsSorted(t *testing.T) {
	handler, store := newTestServer(t)

	// Seed directly with explicit timestamps so the ordering is
	// deterministic regardless of wall-clock resolution.
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		name    string
		command string
	}{
		{"oldest", "GET"},
		{"middle", "SET"},
		{"newest", "DEL"},
	} {
		fault := delayFault(spec.name, spec.command, 10)
		stamp := base.Add(time.Duration(i) * time.Minute)
		fault.LastModified = &stamp
		_, err := store.Put(fault.Name, fault)
		require.NoError(t, err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/faults", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var faults []Fault
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &faults))
	require.Len(t, faults, 3)

	assert.Equal(t, "newest", faults[0].Name)
	assert.Equal(t, "middle", faults[1].Name)
	assert.Equal(t, "oldest", faults[2].Name)
}

func TestDeleteFault(t *testing.T) {
	handler, store := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault", mockFaultBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodDelete, "/fault/get_custom_err", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	faults, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, faults)

	// Idempotent: a second delete is still 204.
	rec = doRequest(t, handler, http.MethodDelete, "/fault/get_custom_err", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeleteAllFaults(t *testing.T) {
	handler, store := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/fault",
		`{"name": "slow set", "fault_type": "delay", "duration": 20, "command": "SET"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, handler, http.MethodPost, "/fault", mockFaultBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodDelete, "/faults", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	faults, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, faults)

	rec = doRequest(t, handler, http.MethodGet, "/faults", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []Fault
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed)

	// Idempotent on an already-empty store.
	rec = doRequest(t, handler, http.MethodDelete, "/faults", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}
