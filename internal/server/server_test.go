package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/FJORD/internal/config"
	"github.com/copyleftdev/FJORD/internal/gp"
	"github.com/copyleftdev/FJORD/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Environment: "test"}

	cfg.GP.Kernel = "rbf"
	cfg.GP.LengthScale = 1.0
	cfg.GP.SignalVariance = 1.0
	cfg.GP.NoiseVariance = 1e-4

	cfg.Tune.MinLengthScale = 0.1
	cfg.Tune.MaxLengthScale = 10
	cfg.Tune.MaxEvaluations = 20
	cfg.Tune.Tolerance = 1e-3

	return cfg
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := logging.New(logging.ErrorLevel, io.Discard)
	srv := NewServer(testConfig(t), logger)
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func fitModel(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/models", map[string]interface{}{
		"x": [][]float64{{0}, {1}, {2}, {3}, {4}},
		"y": []float64{0, 0.84, 0.91, 0.14, -0.76},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	id, ok := body["model_id"].(string)
	require.True(t, ok, "model_id missing from %v", body)
	return id
}

func TestFitAndPredict(t *testing.T) {
	_, ts := testServer(t)
	id := fitModel(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/models/"+id+"/predict", map[string]interface{}{
		"x": [][]float64{{1}, {2.5}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)

	mean, ok := body["mean"].([]interface{})
	require.True(t, ok)
	assert.Len(t, mean, 2)
	assert.InDelta(t, 0.84, mean[0].(float64), 0.1, "prediction at a training point")

	variance, ok := body["variance"].([]interface{})
	require.True(t, ok)
	assert.Len(t, variance, 2)
}

func TestFitClassifierAndPredict(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/models", map[string]interface{}{
		"x":          [][]float64{{-2}, {-1}, {1}, {2}},
		"y":          []float64{-1, -1, 1, 1},
		"classifier": true,
		"noise_variance": 0.01,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "classifier", body["type"])
	id := body["model_id"].(string)

	resp = postJSON(t, ts.URL+"/api/v1/models/"+id+"/predict", map[string]interface{}{
		"x": [][]float64{{-1.5}, {1.5}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	probs, ok := body["probability"].([]interface{})
	require.True(t, ok)
	require.Len(t, probs, 2)
	assert.Less(t, probs[0].(float64), 0.5)
	assert.Greater(t, probs[1].(float64), 0.5)
}

func TestFitValidation(t *testing.T) {
	_, ts := testServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{
			"empty x",
			map[string]interface{}{"x": [][]float64{}, "y": []float64{}},
			http.StatusBadRequest,
		},
		{
			"ragged x",
			map[string]interface{}{"x": [][]float64{{1, 2}, {3}}, "y": []float64{1, 2}},
			http.StatusBadRequest,
		},
		{
			"length mismatch",
			map[string]interface{}{"x": [][]float64{{1}, {2}}, "y": []float64{1}},
			http.StatusBadRequest,
		},
		{
			"unknown kernel",
			map[string]interface{}{"x": [][]float64{{1}}, "y": []float64{1}, "kernel": "periodic"},
			http.StatusBadRequest,
		},
		{
			"bad classifier labels",
			map[string]interface{}{"x": [][]float64{{1}, {2}}, "y": []float64{0, 2}, "classifier": true},
			http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/models", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestModelInfo(t *testing.T) {
	_, ts := testServer(t)
	id := fitModel(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/models/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, id, body["model_id"])
	assert.Equal(t, "regression", body["type"])
	assert.Equal(t, float64(5), body["samples"])

	resp, err = http.Get(ts.URL + "/api/v1/models/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTuneJobLifecycle(t *testing.T) {
	_, ts := testServer(t)
	id := fitModel(t, ts)

	resp := postJSON(t, ts.URL+"/api/v1/models/"+id+"/tune", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	jobID, ok := body["job_id"].(string)
	require.True(t, ok)

	body = waitForJob(t, ts, jobID)
	require.Equal(t, "completed", body["status"], "job body: %v", body)

	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Greater(t, result["length_scale"].(float64), 0.0)
	assert.LessOrEqual(t, result["evaluations"].(float64), float64(20))
}

// waitForJob polls a tune job until it leaves the running state.
func waitForJob(t *testing.T, ts *httptest.Server, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/v1/tune/" + jobID)
		require.NoError(t, err)
		body := decodeBody(t, resp)
		if body["status"].(string) != "running" || time.Now().After(deadline) {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentTuneAndPredict(t *testing.T) {
	_, ts := testServer(t)
	id := fitModel(t, ts)

	// Two overlapping tune jobs against the same model, with predictions
	// and info reads hammering it the whole time.
	jobIDs := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/models/"+id+"/tune", nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		jobIDs = append(jobIDs, decodeBody(t, resp)["job_id"].(string))
	}

	payload, err := json.Marshal(map[string]interface{}{
		"x": [][]float64{{0.5}, {3.5}},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				resp, err := http.Post(ts.URL+"/api/v1/models/"+id+"/predict",
					"application/json", bytes.NewReader(payload))
				if err != nil {
					t.Errorf("predict request: %v", err)
					return
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					t.Errorf("predict returned status %d", resp.StatusCode)
					return
				}

				resp, err = http.Get(ts.URL + "/api/v1/models/" + id)
				if err != nil {
					t.Errorf("info request: %v", err)
					return
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	for _, jobID := range jobIDs {
		body := waitForJob(t, ts, jobID)
		assert.Equal(t, "completed", body["status"], "job body: %v", body)
	}
}

func TestTuneUpdatesServedModel(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/models", map[string]interface{}{
		"x":              [][]float64{{-2}, {-1}, {1}, {2}},
		"y":              []float64{-1, -1, 1, 1},
		"classifier":     true,
		"noise_variance": 0.01,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["model_id"].(string)

	resp = postJSON(t, ts.URL+"/api/v1/models/"+id+"/tune", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)

	body := waitForJob(t, ts, jobID)
	require.Equal(t, "completed", body["status"], "job body: %v", body)
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)

	// The model being served must carry the length scale the job reported.
	infoResp, err := http.Get(ts.URL + "/api/v1/models/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, infoResp.StatusCode)
	info := decodeBody(t, infoResp)
	assert.InDelta(t, result["length_scale"].(float64), info["length_scale"].(float64), 1e-12)
}

func TestTuneClassifierRefitFailure(t *testing.T) {
	srv, _ := testServer(t)

	kernel, err := gp.NewKernel("rbf", 1.0, 1.0)
	require.NoError(t, err)
	// Targets a classifier rejects, so the post-tune rebuild cannot succeed
	// even though the length-scale search itself does.
	snap := modelSnapshot{
		ID:         "model_refit",
		Classifier: true,
		CreatedAt:  time.Now(),
		cfg:        gp.Config{Kernel: kernel, NoiseVariance: 1e-4},
		x:          mat.NewDense(4, 1, []float64{-2, -1, 1, 2}),
		y:          []float64{-1, -1, 1, 0.5},
	}
	job := &tuneJob{
		ID:        "tune_refit",
		ModelID:   snap.ID,
		Status:    "running",
		StartTime: time.Now(),
	}

	srv.runTune(context.Background(), job, snap)

	assert.Equal(t, "failed", job.Status)
	assert.Contains(t, job.Error, "refitting classifier")
	assert.NotNil(t, job.EndTime)
	assert.Nil(t, job.Result)
}

func TestTuneUnknownModel(t *testing.T) {
	_, ts := testServer(t)
	resp := postJSON(t, ts.URL+"/api/v1/models/nope/tune", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTuneCancelUnknownJob(t *testing.T) {
	_, ts := testServer(t)
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tune/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDenseFromRows(t *testing.T) {
	m, err := denseFromRows([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 4.0, m.At(1, 1))

	_, err = denseFromRows(nil)
	assert.Error(t, err)
	_, err = denseFromRows([][]float64{{1}, {2, 3}})
	assert.Error(t, err)
}
