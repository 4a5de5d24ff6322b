package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/backend/cuda/driver"
	"github.com/samcharles93/spikegen/internal/pipeline"
	"github.com/samcharles93/spikegen/internal/store"
)

const lifModelJSON = `{"name":"lif","neuronGroups":[{"name":"Exc","size":100,` +
	`"vars":[{"name":"V","init":"-65.0"}],"simCode":"$(V) += $(Isyn);",` +
	`"thresholdCode":"$(V) > -50.0","resetCode":"$(V) = -65.0;"}]}`

type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	err      error
}

func (r *fakeRunner) Generate(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.err != nil {
		return pipeline.Result{}, r.err
	}
	return pipeline.Result{
		RunID:      req.RunID,
		Model:      req.Model.Name,
		BlockSizes: cuda.UniformBlockSizes(32).Map(),
		Files:      []string{"neuronUpdate", "synapseUpdate", "init"},
	}, nil
}

func (r *fakeRunner) Devices(context.Context) ([]driver.DeviceProperties, int, error) {
	return []driver.DeviceProperties{{Name: "Test GPU", Major: 7}}, 11000, nil
}

func (r *fakeRunner) last() pipeline.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Memory, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func newTestEcho(t *testing.T, runner Runner, st store.Store, cfg Config) *echo.Echo {
	t.Helper()
	if cfg.OutDir == "" {
		cfg.OutDir = t.TempDir()
	}
	if cfg.Preferences == (cuda.Preferences{}) {
		cfg.Preferences = cuda.DefaultPreferences()
	}
	e := echo.New()
	NewServer(runner, st, cfg).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body struct {
		Error ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	out := t.TempDir()
	e := newTestEcho(t, runner, newTestStore(t), Config{OutDir: out})

	body := `{"model":` + lifModelJSON + `,"preferences":{"userNvccFlags":"-lineinfo"},"reuseTuning":true}`
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}

	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.RunID == "" || res.Model != "lif" {
		t.Fatalf("unexpected result: %+v", res)
	}

	req := runner.last()
	if req.OutDir != filepath.Join(out, res.RunID) {
		t.Fatalf("out dir = %q, want run directory under %q", req.OutDir, out)
	}
	if !req.ReuseTuning || req.SaveTuning {
		t.Fatalf("tuning flags not passed through: %+v", req)
	}
	// unspecified preferences keep the server defaults
	if req.Prefs.UserNvccFlags != "-lineinfo" || !req.Prefs.AutoChooseDevice || !req.Prefs.OptimizeCode {
		t.Fatalf("unexpected preferences: %+v", req.Prefs)
	}
	if !req.Model.Finalized() {
		t.Fatalf("model was not finalized")
	}
}

func TestGenerateManualBlockSizes(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	e := newTestEcho(t, runner, nil, Config{})

	body := `{"model":` + lifModelJSON + `,"preferences":{"blockSizeSelect":"manual"},"blockSizes":{"updateNeuronsKernel":128}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	req := runner.last()
	if req.Prefs.BlockSizeSelect != cuda.BlockSizeManual {
		t.Fatalf("block size select = %q", req.Prefs.BlockSizeSelect)
	}
	if got := req.Prefs.ManualBlockSizes[cuda.KernelNeuronUpdate]; got != 128 {
		t.Fatalf("manual neuron block size = %d", got)
	}
	if got := req.Prefs.ManualBlockSizes[cuda.KernelInitialize]; got != 32 {
		t.Fatalf("unspecified kernels should keep the warp size, got %d", got)
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "empty body", body: ``},
		{name: "malformed", body: `{"model":`},
		{name: "missing model", body: `{}`},
		{name: "invalid model", body: `{"model":{"name":"x","neuronGroups":[]}}`, code: "invalid_model"},
		{name: "unknown model field", body: `{"model":{"name":"x","bogus":1}}`, code: "invalid_model"},
		{name: "bad block size select", body: `{"model":` + lifModelJSON + `,"preferences":{"blockSizeSelect":"fastest"}}`},
		{name: "bad manual size", body: `{"model":` + lifModelJSON + `,"blockSizes":{"updateNeuronsKernel":33}}`},
		{name: "unknown kernel", body: `{"model":` + lifModelJSON + `,"blockSizes":{"nope":32}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{}
			e := newTestEcho(t, runner, nil, Config{})
			rec := doJSON(t, e, http.MethodPost, "/v1/generate", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Type != "invalid_request_error" || body.Message == "" {
				t.Fatalf("unexpected error body: %+v", body)
			}
			if tc.code != "" && body.Code != tc.code {
				t.Fatalf("code = %q, want %q", body.Code, tc.code)
			}
			if len(runner.requests) != 0 {
				t.Fatalf("runner should not be called")
			}
		})
	}
}

func TestGenerateRunErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
	}{
		{err: cuda.ErrUnsupported, status: http.StatusBadRequest},
		{err: cuda.ErrZeroCopyUnsupported, status: http.StatusBadRequest},
		{err: pipeline.ErrManualTuning, status: http.StatusBadRequest},
		{err: cuda.ErrNoDevices, status: http.StatusInternalServerError},
		{err: errors.New("nvcc exploded"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			t.Parallel()

			e := newTestEcho(t, &fakeRunner{err: tc.err}, nil, Config{})
			rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"model":`+lifModelJSON+`}`)
			if rec.Code != tc.status {
				t.Fatalf("status %d, want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			if !strings.Contains(decodeError(t, rec).Message, tc.err.Error()) {
				t.Fatalf("error message lost: %s", rec.Body.String())
			}
		})
	}
}

func TestGenerateRateLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, &fakeRunner{}, nil, Config{RateLimit: 1})
	body := `{"model":` + lifModelJSON + `}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/generate", body); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d body=%s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if decodeError(t, rec).Code != "rate_limited" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	// other routes are not limited
	if rec := doJSON(t, e, http.MethodGet, "/v1/version", ""); rec.Code != http.StatusOK {
		t.Fatalf("version: status %d", rec.Code)
	}
}

func TestTuningLifecycle(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	r := store.NewTuningRecord(store.TuningRecord{
		ModelName:   "lif",
		Fingerprint: "abc",
		DeviceName:  "Test GPU",
		PCIBusID:    "0000:01:00.0",
		BlockSizes:  map[string]int{"updateNeuronsKernel": 64},
	})
	if err := st.SaveTuning(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	e := newTestEcho(t, &fakeRunner{}, st, Config{})

	listRec := doJSON(t, e, http.MethodGet, "/v1/tunings", "")
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status %d", listRec.Code)
	}
	var list TuningList
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != r.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/tunings/"+r.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status %d body=%s", getRec.Code, getRec.Body.String())
	}
	var got store.TuningRecord
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if got.BlockSizes["updateNeuronsKernel"] != 64 {
		t.Fatalf("unexpected record: %+v", got)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/tunings/"+r.ID, "")
	if delRec.Code != http.StatusOK || !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: status %d body=%s", delRec.Code, delRec.Body.String())
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := doJSON(t, e, method, "/v1/tunings/"+r.ID, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s after delete: expected 404, got %d", method, rec.Code)
		}
		if decodeError(t, rec).Type != "not_found_error" {
			t.Fatalf("unexpected error body: %s", rec.Body.String())
		}
	}

	emptyRec := doJSON(t, e, http.MethodGet, "/v1/tunings", "")
	if !strings.Contains(emptyRec.Body.String(), `"data":[]`) {
		t.Fatalf("empty list should encode as []: %s", emptyRec.Body.String())
	}
}

func TestTuningsWithoutStore(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, &fakeRunner{}, nil, Config{})
	if rec := doJSON(t, e, http.MethodGet, "/v1/tunings", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDevicesAndVersion(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, &fakeRunner{}, nil, Config{})

	rec := doJSON(t, e, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("devices status %d", rec.Code)
	}
	var devices DeviceList
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if devices.DriverVersion != 11000 || len(devices.Data) != 1 || devices.Data[0].Name != "Test GPU" {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/version", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version"`) {
		t.Fatalf("version: status %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, &fakeRunner{}, nil, Config{})
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics body missing default collectors")
	}
}

func TestGenerateWithPipeline(t *testing.T) {
	t.Parallel()

	dev := driver.DeviceProperties{
		Name:                        "Test GPU",
		PCIBusID:                    "0000:01:00.0",
		Major:                       7,
		MultiProcessorCount:         80,
		MaxThreadsPerBlock:          1024,
		MaxThreadsPerMultiProcessor: 2048,
		SharedMemPerBlock:           48 * 1024,
		SharedMemPerMultiprocessor:  96 * 1024,
		RegsPerBlock:                64 * 1024,
		RegsPerMultiprocessor:       64 * 1024,
		TotalGlobalMem:              16 << 30,
		MaxGridSize:                 [3]int{1<<31 - 1, 65535, 65535},
	}
	svc := &pipeline.Service{Driver: driver.NewOffline(11000, []driver.DeviceProperties{dev}), Source: "api"}
	out := t.TempDir()
	e := newTestEcho(t, svc, nil, Config{OutDir: out})

	// manual sizes on a fixed device need no compiler
	body := `{"model":` + lifModelJSON + `,"preferences":{"autoChooseDevice":false,"blockSizeSelect":"manual"},"blockSizes":{"updateNeuronsKernel":64}}`
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.BlockSizes["updateNeuronsKernel"] != 64 || res.Device.Name != "Test GPU" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(out, res.RunID, "runner.cc")); err != nil {
		t.Fatalf("runner.cc not written: %v", err)
	}
}
