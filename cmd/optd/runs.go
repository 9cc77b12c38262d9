package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/gd"
	"github.com/cyw0ng95/descent/pkg/history"
	"github.com/cyw0ng95/descent/pkg/objective"
	"github.com/cyw0ng95/descent/pkg/work"
)

// StartRunRequest is the body of POST /restful/runs.
type StartRunRequest struct {
	Objective string  `json:"objective"`
	Dim       int     `json:"dim"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
	RunID     string  `json:"run_id"`
}

// RunStatus is the live state of one run.
type RunStatus struct {
	RunID     string     `json:"run_id"`
	State     string     `json:"state"`
	Iteration int        `json:"iteration"`
	Best      gd.Fitness `json:"best"`
	Error     string     `json:"error,omitempty"`
}

// RunManager starts runs and tracks their live status.
type RunManager struct {
	cfg    *common.Config
	hist   *history.Store
	logger *common.Logger

	mu   sync.RWMutex
	runs map[string]*RunStatus
	wg   sync.WaitGroup
}

// NewRunManager creates a manager bound to the service configuration.
func NewRunManager(cfg *common.Config, hist *history.Store, logger *common.Logger) *RunManager {
	return &RunManager{
		cfg:    cfg,
		hist:   hist,
		logger: logger,
		runs:   make(map[string]*RunStatus),
	}
}

// Close waits for in-flight runs to finish.
func (m *RunManager) Close() {
	m.wg.Wait()
}

// respond writes the service's retcode/message/payload envelope.
func respond(c *gin.Context, status, retcode int, message string, payload interface{}) {
	c.JSON(status, gin.H{
		"retcode": retcode,
		"message": message,
		"payload": payload,
	})
}

// handleStartRun starts one gradient descent in the background.
func (m *RunManager) handleStartRun(c *gin.Context) {
	req := StartRunRequest{
		Objective: "sphere",
		Dim:       4,
		Lower:     -10,
		Upper:     10,
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respond(c, http.StatusBadRequest, 400, fmt.Sprintf("invalid request: %v", err), nil)
		return
	}

	obj, err := objective.ByName(req.Objective)
	if err != nil {
		respond(c, http.StatusBadRequest, 400, err.Error(), nil)
		return
	}
	if req.Dim <= 0 || req.Lower >= req.Upper {
		respond(c, http.StatusBadRequest, 400, "invalid dimension or bounds", nil)
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}

	m.mu.Lock()
	if _, exists := m.runs[runID]; exists {
		m.mu.Unlock()
		respond(c, http.StatusConflict, 409, "run already exists", nil)
		return
	}
	status := &RunStatus{RunID: runID, State: "running"}
	m.runs[runID] = status
	m.mu.Unlock()

	params := make([]float64, req.Dim)
	for i := range params {
		params[i] = req.Lower + 0.75*(req.Upper-req.Lower)
	}
	item, err := work.NewVector(params, req.Lower, req.Upper, obj)
	if err != nil {
		m.setFailed(runID, err)
		respond(c, http.StatusBadRequest, 400, err.Error(), nil)
		return
	}

	runner, err := gd.NewFromConfig([]work.Item{item}, m.cfg.Descent, nil, m.logger)
	if err != nil {
		m.setFailed(runID, err)
		respond(c, http.StatusBadRequest, 400, err.Error(), nil)
		return
	}

	if base, ok := runner.(interface {
		SetRunID(string)
		AddRecorder(gd.Recorder)
	}); ok {
		base.SetRunID(runID)
		base.AddRecorder(m.hist)
		base.AddRecorder(statusRecorder{status: status, mu: &m.mu})
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		best, err := runner.Optimize()
		if err == nil {
			err = runner.Finalize()
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			status.State = "failed"
			status.Error = err.Error()
			m.logger.Error("run %s failed: %v", runID, err)
			return
		}
		status.State = "halted"
		status.Best = best
		m.logger.Info("run %s halted with best %.6g", runID, best.Transformed)
	}()

	respond(c, http.StatusAccepted, 0, "run started", gin.H{"run_id": runID})
}

// statusRecorder mirrors iteration progress into the live status.
type statusRecorder struct {
	status *RunStatus
	mu     *sync.RWMutex
}

// Record implements gd.Recorder.
func (r statusRecorder) Record(runID string, iteration int, final bool, best gd.Fitness, parents []work.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Iteration = iteration
	r.status.Best = best
	return nil
}

// setFailed marks a registered run as failed before it ever started.
func (m *RunManager) setFailed(runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.runs[runID]; ok {
		status.State = "failed"
		status.Error = err.Error()
	}
}

// handleListRuns lists live and historical runs.
func (m *RunManager) handleListRuns(c *gin.Context) {
	m.mu.RLock()
	statuses := make([]*RunStatus, 0, len(m.runs))
	known := make(map[string]bool, len(m.runs))
	for id, status := range m.runs {
		statuses = append(statuses, status)
		known[id] = true
	}
	m.mu.RUnlock()

	// Runs from previous service lifetimes only exist in the history
	if historical, err := m.hist.Runs(); err == nil {
		for _, id := range historical {
			if !known[id] {
				statuses = append(statuses, &RunStatus{RunID: id, State: "archived"})
			}
		}
	}

	respond(c, http.StatusOK, 0, "success", statuses)
}

// handleGetRun returns the live state and iteration records of one run.
func (m *RunManager) handleGetRun(c *gin.Context) {
	runID := c.Param("id")

	m.mu.RLock()
	status, live := m.runs[runID]
	m.mu.RUnlock()

	records, err := m.hist.ListRun(runID)
	if err != nil {
		respond(c, http.StatusInternalServerError, 500, err.Error(), nil)
		return
	}
	if !live && len(records) == 0 {
		respond(c, http.StatusNotFound, 404, "unknown run", nil)
		return
	}

	payload := gin.H{"run_id": runID, "records": records}
	if live {
		payload["state"] = status.State
		payload["iteration"] = status.Iteration
		payload["best"] = status.Best
	} else {
		payload["state"] = "archived"
	}

	respond(c, http.StatusOK, 0, "success", payload)
}
