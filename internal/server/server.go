// Package server exposes the FJORD Gaussian Process toolkit over HTTP:
// synchronous model fitting and prediction, plus asynchronous length-scale
// tuning jobs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/FJORD/internal/config"
	"github.com/copyleftdev/FJORD/internal/gp"
	"github.com/copyleftdev/FJORD/internal/logging"
)

var (
	fitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fjord_model_fits_total",
		Help: "Number of models fitted, by model type and outcome.",
	}, []string{"type", "outcome"})

	predictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fjord_predictions_total",
		Help: "Number of prediction requests served.",
	})

	tuneDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fjord_tune_duration_seconds",
		Help:    "Wall-clock duration of length-scale tuning jobs.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

// modelEntry is a fitted model plus the data needed to retune it. Its
// mutable fields (model, clf, cfg) are guarded by Server.mu; handlers
// never touch an entry directly but work from a modelSnapshot.
type modelEntry struct {
	ID         string
	Classifier bool
	CreatedAt  time.Time

	cfg   gp.Config
	model *gp.Model
	clf   *gp.Classifier
	x     *mat.Dense
	y     []float64
}

// modelSnapshot is a consistent view of an entry taken under the lock.
// Models, classifiers, and kernels are immutable once published, so the
// snapshot stays valid after the lock is released even if a tune job
// swaps the entry's current model.
type modelSnapshot struct {
	ID         string
	Classifier bool
	CreatedAt  time.Time

	cfg   gp.Config
	model *gp.Model
	clf   *gp.Classifier
	x     *mat.Dense
	y     []float64
}

func (e *modelEntry) snapshot() modelSnapshot {
	return modelSnapshot{
		ID:         e.ID,
		Classifier: e.Classifier,
		CreatedAt:  e.CreatedAt,
		cfg:        e.cfg,
		model:      e.model,
		clf:        e.clf,
		x:          e.x,
		y:          e.y,
	}
}

// tuneJob tracks one asynchronous length-scale search.
type tuneJob struct {
	ID        string
	ModelID   string
	Status    string // "running", "completed", "failed", "cancelled"
	StartTime time.Time
	EndTime   *time.Time
	Result    *gp.TuneResult
	Error     string

	cancel context.CancelFunc
}

// Server holds the model store and tune-job registry.
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	zapLogger *zap.Logger

	mu     sync.RWMutex
	models map[string]*modelEntry
	jobs   map[string]*tuneJob

	nextID uint64
}

// NewServer creates a server instance with the given config and logger.
func NewServer(cfg *config.Config, logger *logging.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		zapLogger: logging.NewZapLogger(logger),
		models:    make(map[string]*modelEntry),
		jobs:      make(map[string]*tuneJob),
	}
}

// RegisterRoutes mounts the API on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/models", s.handleFit)
		r.Get("/models/{id}", s.handleModelInfo)
		r.Post("/models/{id}/predict", s.handlePredict)
		r.Post("/models/{id}/tune", s.handleTuneStart)
		r.Get("/tune/{id}", s.handleTuneStatus)
		r.Delete("/tune/{id}", s.handleTuneCancel)
	})
}

// Close cancels all running tune jobs.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.cancel != nil {
			job.cancel()
		}
	}
	return nil
}

type fitRequest struct {
	X          [][]float64 `json:"x"`
	Y          []float64   `json:"y"`
	Classifier bool        `json:"classifier"`

	Kernel         string   `json:"kernel,omitempty"`
	LengthScale    *float64 `json:"length_scale,omitempty"`
	SignalVariance *float64 `json:"signal_variance,omitempty"`
	NoiseVariance  *float64 `json:"noise_variance,omitempty"`
	BiasVariance   *float64 `json:"bias_variance,omitempty"`
}

type fitResponse struct {
	ModelID               string  `json:"model_id"`
	Type                  string  `json:"type"`
	Samples               int     `json:"samples"`
	LogMarginalLikelihood float64 `json:"log_marginal_likelihood"`
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req fitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	x, err := denseFromRows(req.X)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Y) != len(req.X) {
		s.respondError(w, http.StatusBadRequest,
			fmt.Sprintf("x has %d rows but y has %d values", len(req.X), len(req.Y)))
		return
	}

	cfg, err := s.modelConfig(req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &modelEntry{
		Classifier: req.Classifier,
		CreatedAt:  time.Now(),
		cfg:        cfg,
		x:          x,
		y:          append([]float64(nil), req.Y...),
	}
	modelType := "regression"
	if req.Classifier {
		modelType = "classifier"
		entry.clf = gp.NewClassifier(cfg, s.zapLogger)
		err = entry.clf.Fit(x, req.Y)
		entry.model = entry.clf.Model()
	} else {
		entry.model = gp.New(cfg, s.zapLogger)
		err = entry.model.Fit(x, mat.NewVecDense(len(req.Y), append([]float64(nil), req.Y...)))
	}
	if err != nil {
		fitsTotal.WithLabelValues(modelType, "error").Inc()
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	fitsTotal.WithLabelValues(modelType, "ok").Inc()
	model := entry.model

	s.mu.Lock()
	s.nextID++
	entry.ID = fmt.Sprintf("model_%d", s.nextID)
	s.models[entry.ID] = entry
	s.mu.Unlock()

	s.logger.Info("model fitted", map[string]interface{}{
		"model_id": entry.ID,
		"type":     modelType,
		"samples":  model.NumSamples(),
	})

	s.respondJSON(w, http.StatusCreated, fitResponse{
		ModelID:               entry.ID,
		Type:                  modelType,
		Samples:               model.NumSamples(),
		LogMarginalLikelihood: model.LogMarginalLikelihood(),
	})
}

// modelConfig builds a gp.Config from the request, falling back to the
// service defaults for unset fields.
func (s *Server) modelConfig(req fitRequest) (gp.Config, error) {
	name := req.Kernel
	if name == "" {
		name = s.cfg.GP.Kernel
	}
	ls := s.cfg.GP.LengthScale
	if req.LengthScale != nil {
		ls = *req.LengthScale
	}
	sv := s.cfg.GP.SignalVariance
	if req.SignalVariance != nil {
		sv = *req.SignalVariance
	}
	kernel, err := gp.NewKernel(name, ls, sv)
	if err != nil {
		return gp.Config{}, err
	}

	cfg := gp.Config{
		Kernel:        kernel,
		NoiseVariance: s.cfg.GP.NoiseVariance,
		BiasVariance:  s.cfg.GP.BiasVariance,
	}
	if req.NoiseVariance != nil {
		cfg.NoiseVariance = *req.NoiseVariance
	}
	if req.BiasVariance != nil {
		cfg.BiasVariance = *req.BiasVariance
	}
	return cfg, nil
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupModel(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "model not found")
		return
	}

	modelType := "regression"
	if entry.Classifier {
		modelType = "classifier"
	}
	hp := entry.model.Kernel().Hyperparameters()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"model_id":                entry.ID,
		"type":                    modelType,
		"samples":                 entry.model.NumSamples(),
		"length_scale":            hp[0],
		"signal_variance":         hp[1],
		"log_marginal_likelihood": entry.model.LogMarginalLikelihood(),
		"created_at":              entry.CreatedAt.Format(time.RFC3339),
	})
}

type predictRequest struct {
	X [][]float64 `json:"x"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupModel(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "model not found")
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	x, err := denseFromRows(req.X)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	predictionsTotal.Inc()

	if entry.Classifier {
		probs, err := entry.clf.PredictProb(x)
		if err != nil {
			s.respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"probability": vecToSlice(probs),
		})
		return
	}

	mean, variance, err := entry.model.Predict(x)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"mean":     vecToSlice(mean),
		"variance": vecToSlice(variance),
	})
}

func (s *Server) handleTuneStart(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookupModel(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "model not found")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &tuneJob{
		ModelID:   entry.ID,
		Status:    "running",
		StartTime: time.Now(),
		cancel:    cancel,
	}

	s.mu.Lock()
	s.nextID++
	job.ID = fmt.Sprintf("tune_%d", s.nextID)
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go s.runTune(ctx, job, entry)

	s.logger.Info("tune job started", map[string]interface{}{
		"job_id":   job.ID,
		"model_id": entry.ID,
	})

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "running",
	})
}

// runTune works entirely from the snapshot it was handed, so a job never
// shares mutable state with the entry or with a concurrent job. The tuned
// model is swapped into the stored entry under the write lock only once it
// is fully built.
func (s *Server) runTune(ctx context.Context, job *tuneJob, snap modelSnapshot) {
	opts := gp.TuneOptions{
		MinLengthScale: s.cfg.Tune.MinLengthScale,
		MaxLengthScale: s.cfg.Tune.MaxLengthScale,
		MaxEvaluations: s.cfg.Tune.MaxEvaluations,
		Tolerance:      s.cfg.Tune.Tolerance,
	}

	start := time.Now()
	y := mat.NewVecDense(len(snap.y), append([]float64(nil), snap.y...))
	cfg := snap.cfg
	cfg.Kernel = snap.cfg.Kernel.Clone()
	model, result, err := gp.TuneLengthScale(ctx, cfg, snap.x, y, opts, s.zapLogger)
	tuneDuration.Observe(time.Since(start).Seconds())

	// The classifier keeps wrapping the regression model it was built on,
	// so rebuild it around the tuned kernel before publishing anything.
	var clf *gp.Classifier
	if err == nil && ctx.Err() == nil && snap.Classifier {
		cfg.Kernel = model.Kernel()
		rebuilt := gp.NewClassifier(cfg, s.zapLogger)
		if ferr := rebuilt.Fit(snap.x, snap.y); ferr != nil {
			err = fmt.Errorf("refitting classifier with tuned kernel: %w", ferr)
		} else {
			clf = rebuilt
			model = rebuilt.Model()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job.EndTime = &now
	switch {
	case ctx.Err() != nil:
		job.Status = "cancelled"
	case err != nil:
		job.Status = "failed"
		job.Error = err.Error()
		s.logger.Error("tune job failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	default:
		job.Status = "completed"
		job.Result = &result
		if entry, ok := s.models[job.ModelID]; ok {
			entry.model = model
			entry.cfg.Kernel = model.Kernel()
			if entry.Classifier {
				entry.clf = clf
			}
		}
		s.logger.Info("tune job completed", map[string]interface{}{
			"job_id":       job.ID,
			"model_id":     job.ModelID,
			"length_scale": result.LengthScale,
			"evaluations":  result.Evaluations,
		})
	}
}

func (s *Server) handleTuneStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	job, ok := s.jobs[chi.URLParam(r, "id")]
	s.mu.RUnlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, "tune job not found")
		return
	}

	s.mu.RLock()
	resp := map[string]interface{}{
		"job_id":     job.ID,
		"model_id":   job.ModelID,
		"status":     job.Status,
		"start_time": job.StartTime.Format(time.RFC3339),
	}
	if job.EndTime != nil {
		resp["end_time"] = job.EndTime.Format(time.RFC3339)
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if job.Result != nil {
		resp["result"] = map[string]interface{}{
			"length_scale":            job.Result.LengthScale,
			"log_marginal_likelihood": job.Result.LogMarginalLikelihood,
			"evaluations":             job.Result.Evaluations,
		}
	}
	s.mu.RUnlock()

	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTuneCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	job, ok := s.jobs[chi.URLParam(r, "id")]
	if ok && job.Status == "running" && job.cancel != nil {
		job.cancel()
	}
	s.mu.Unlock()

	if !ok {
		s.respondError(w, http.StatusNotFound, "tune job not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (s *Server) lookupModel(id string) (modelSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.models[id]
	if !ok {
		return modelSnapshot{}, false
	}
	return entry.snapshot(), true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("request rejected", map[string]interface{}{
		"status":  status,
		"message": message,
	})
	s.respondJSON(w, status, map[string]string{"error": message})
}

// denseFromRows converts a JSON row-major matrix into a mat.Dense,
// rejecting empty and ragged input.
func denseFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("x must have at least one row and one column")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("x row %d has %d values, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func vecToSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
