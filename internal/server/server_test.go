package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlattimore/gearqueue/internal/server"
	"github.com/mlattimore/gearqueue/pkg/batch"
	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
	"github.com/mlattimore/gearqueue/pkg/queue"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

type fakeResolver struct {
	files map[string][]core.FileInfo
}

func (f *fakeResolver) Resolve(ctx context.Context, ref core.FileRef) (*core.FileInfo, error) {
	for _, info := range f.files[ref.ID] {
		if info.Name == ref.Name {
			found := info
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeResolver) ExpandHierarchy(ctx context.Context, ref core.ContainerRef) ([]core.ContainerRef, error) {
	return []core.ContainerRef{ref}, nil
}

func (f *fakeResolver) ListFiles(ctx context.Context, ref core.ContainerRef) ([]core.FileInfo, error) {
	return f.files[ref.ID], nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := storage.NewMemoryStorage()
	registry := gears.NewRegistry(store)
	resolver := &fakeResolver{files: map[string][]core.FileInfo{
		"acq-1": {{Name: "scan.dcm", Size: 2048}},
	}}
	q := queue.New(store, registry, resolver)
	srv := httptest.NewServer(server.New(q, batch.NewOrchestrator(q, nil), nil, nil, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerGear(t *testing.T, srv *httptest.Server) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/gears", core.Gear{
		Name:    "dcm-convert",
		Version: "1.0.0",
		Inputs: map[string]core.GearInput{
			"dicom": {Kind: core.KindFile, NamePattern: "*.dcm"},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestServer_GearLifecycle(t *testing.T) {
	srv := newTestServer(t)
	registerGear(t, srv)

	// Duplicate registration conflicts.
	resp := postJSON(t, srv.URL+"/api/gears", core.Gear{Name: "dcm-convert", Version: "1.0.0"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Structurally invalid manifests are rejected.
	resp = postJSON(t, srv.URL+"/api/gears", core.Gear{Version: "1.0.0"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/gears/dcm-convert")
	require.NoError(t, err)
	gear := decode[core.Gear](t, resp)
	assert.Equal(t, "1.0.0", gear.Version)

	resp, err = http.Get(srv.URL + "/api/gears/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_JobLifecycle(t *testing.T) {
	srv := newTestServer(t)
	registerGear(t, srv)

	resp := postJSON(t, srv.URL+"/api/jobs", queue.JobSpec{
		GearName: "dcm-convert",
		Inputs: core.InputMap{
			"dicom": {Type: core.TypeAcquisition, ID: "acq-1", Name: "scan.dcm"},
		},
		Origin: core.Origin{Type: core.OriginUser, ID: "alice"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[core.Job](t, resp)
	require.NotEmpty(t, created.ID)

	// Claim it.
	resp = postJSON(t, srv.URL+"/api/jobs/next?tags=dcm-convert", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimed := decode[core.Job](t, resp)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, core.StateRunning, claimed.State)

	// Heartbeat.
	resp = postJSON(t, srv.URL+"/api/jobs/"+created.ID+"/heartbeat", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Complete it.
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/jobs/"+created.ID+"/state",
		bytes.NewReader([]byte(`{"state":"complete","outputs":{"converted":true}}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[core.Job](t, resp)
	assert.Equal(t, core.StateComplete, done.State)

	// An illegal transition maps to 400.
	req, err = http.NewRequest(http.MethodPut, srv.URL+"/api/jobs/"+created.ID+"/state",
		bytes.NewReader([]byte(`{"state":"failed"}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ClaimEmptyQueue(t *testing.T) {
	srv := newTestServer(t)
	registerGear(t, srv)

	resp := postJSON(t, srv.URL+"/api/jobs/next", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A completely unknown tag is a client error.
	resp = postJSON(t, srv.URL+"/api/jobs/next?tags=no-such-tag", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "empty system has no jobs so no tag filter applies")
}

func TestServer_UnknownTagOnPopulatedQueue(t *testing.T) {
	srv := newTestServer(t)
	registerGear(t, srv)

	resp := postJSON(t, srv.URL+"/api/jobs", queue.JobSpec{
		GearName: "dcm-convert",
		Inputs: core.InputMap{
			"dicom": {Type: core.TypeAcquisition, ID: "acq-1", Name: "scan.dcm"},
		},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/jobs/next?tags=no-such-tag", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_GetJobNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/jobs/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BatchLifecycle(t *testing.T) {
	srv := newTestServer(t)
	registerGear(t, srv)

	resp := postJSON(t, srv.URL+"/api/batches", batch.Spec{
		GearName: "dcm-convert",
		Targets:  []core.ContainerRef{{Type: core.TypeAcquisition, ID: "acq-1"}},
		Origin:   core.Origin{Type: core.OriginUser, ID: "alice"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	batchID, _ := created["id"].(string)
	require.NotEmpty(t, batchID)
	assert.Equal(t, "pending", created["state"])

	resp = postJSON(t, srv.URL+"/api/batches/"+batchID+"/run", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/batches/" + batchID)
	require.NoError(t, err)
	got := decode[map[string]any](t, resp)
	assert.Equal(t, "running", got["state"])

	resp = postJSON(t, srv.URL+"/api/batches/"+batchID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]int](t, resp)
	assert.Equal(t, 1, result["cancelled"])

	// Cancelling again is rejected: the batch is no longer running.
	resp = postJSON(t, srv.URL+"/api/batches/"+batchID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ValidateKey(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/keys/validate", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// No credential at all.
	resp, err = http.Get(srv.URL + "/api/keys/validate")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ClaimCarriesCredential(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/gears", core.Gear{
		Name:    "uploader",
		Version: "1.0.0",
		Inputs: map[string]core.GearInput{
			"api_key": {Kind: core.KindCredential},
		},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/jobs", queue.JobSpec{
		GearName:    "uploader",
		Destination: &core.ContainerRef{Type: core.TypeProject, ID: "proj-1"},
		Origin:      core.Origin{Type: core.OriginUser, ID: "alice"},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The claim response hands the executor its job-scoped key.
	resp = postJSON(t, srv.URL+"/api/jobs/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimed := decode[core.Job](t, resp)
	require.NotNil(t, claimed.Credential)
	require.NotEmpty(t, claimed.Credential.Key)

	// And the key authenticates as the requesting user.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/keys/validate", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+claimed.Credential.Key)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	identity := decode[map[string]string](t, resp)
	assert.Equal(t, "alice", identity["uid"])
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
