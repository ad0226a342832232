package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/hochfrequenz/binforge/internal/buildprotocol"
	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/jobstore"
	"github.com/hochfrequenz/binforge/internal/pipeline"
	"github.com/hochfrequenz/binforge/internal/preflight"
)

// maxBodyBytes bounds a build submission
const maxBodyBytes = 4 << 20

// downloadBase is the file name offered for artifact downloads
const downloadBase = "compiled_program"

// BuildRequest is the body of POST /api/builds
type BuildRequest struct {
	Source    string `json:"source"`
	Manifest  string `json:"manifest,omitempty"`
	Platform  string `json:"platform"`
	Extension string `json:"extension,omitempty"`
}

// AcceptedResponse is returned for asynchronous builds
type AcceptedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Events string `json:"events"`
}

// ArtifactResponse describes a produced executable
type ArtifactResponse struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SizeHuman   string `json:"size_human"`
	FileType    string `json:"file_type"`
	Linkage     string `json:"linkage,omitempty"`
	DownloadURL string `json:"download_url"`
}

// AttemptResponse is one strategy attempt
type AttemptResponse struct {
	Index        int    `json:"index"`
	Strategy     string `json:"strategy"`
	ExitCode     int    `json:"exit_code"`
	Failure      string `json:"failure,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Duration     string `json:"duration"`
	Log          string `json:"log,omitempty"`
}

// SkippedResponse names a strategy the host cannot run
type SkippedResponse struct {
	Strategy string   `json:"strategy"`
	Missing  []string `json:"missing"`
}

// ExecutionResponse is one sandbox run
type ExecutionResponse struct {
	ID         int64                       `json:"id,omitempty"`
	Success    bool                        `json:"success"`
	Reason     string                      `json:"reason"`
	ExitCode   int                         `json:"exit_code"`
	Message    string                      `json:"message,omitempty"`
	Transcript []buildprotocol.LineMessage `json:"transcript"`
	Output     string                      `json:"output"`
	Duration   string                      `json:"duration"`
	CreatedAt  string                      `json:"created_at,omitempty"`
}

// BuildResponse is the full view of one build
type BuildResponse struct {
	JobID          string              `json:"job_id"`
	Status         string              `json:"status"`
	Success        bool                `json:"success"`
	Platform       string              `json:"platform,omitempty"`
	Extension      string              `json:"extension,omitempty"`
	Summary        string              `json:"summary,omitempty"`
	InstallSummary string              `json:"install_summary,omitempty"`
	FileType       string              `json:"file_type,omitempty"`
	Log            string              `json:"log,omitempty"`
	Artifact       *ArtifactResponse   `json:"artifact,omitempty"`
	Attempts       []AttemptResponse   `json:"attempts,omitempty"`
	Skipped        []SkippedResponse   `json:"skipped,omitempty"`
	Executions     []ExecutionResponse `json:"executions,omitempty"`
	CreatedAt      string              `json:"created_at,omitempty"`
	FinishedAt     string              `json:"finished_at,omitempty"`
	Duration       string              `json:"duration,omitempty"`
}

// JobSummary is one row of GET /api/builds
type JobSummary struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Platform  string `json:"platform"`
	CreatedAt string `json:"created_at"`
	Age       string `json:"age"`
	FileType  string `json:"file_type,omitempty"`
	Size      string `json:"size,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	ActiveBuilds int `json:"active_builds"`
	SlotsInUse   int `json:"slots_in_use"`
	MaxSlots     int `json:"max_slots"`
	Subscribers  int `json:"subscribers"`
}

// PlatformStatus is the preflight view of one target platform
type PlatformStatus struct {
	OK       bool              `json:"ok"`
	Runnable []string          `json:"runnable,omitempty"`
	Skipped  []SkippedResponse `json:"skipped,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// PreflightResponse reports host tool availability
type PreflightResponse struct {
	OK        bool                      `json:"ok"`
	Found     map[string]string         `json:"found,omitempty"`
	Missing   []string                  `json:"missing,omitempty"`
	Platforms map[string]PlatformStatus `json:"platforms"`
}

func (req BuildRequest) toPipeline(jobID string) pipeline.Request {
	return pipeline.Request{
		JobID:     jobID,
		Source:    req.Source,
		Manifest:  req.Manifest,
		Platform:  domain.Platform(req.Platform),
		Extension: req.Extension,
	}
}

func artifactResponse(jobID string, a *domain.Artifact) *ArtifactResponse {
	if a == nil {
		return nil
	}
	return &ArtifactResponse{
		Path:        a.Path,
		Size:        a.Size,
		SizeHuman:   humanize.Bytes(uint64(a.Size)),
		FileType:    a.FileType,
		Linkage:     a.Linkage,
		DownloadURL: fmt.Sprintf("/api/builds/%s/artifact", jobID),
	}
}

func skippedResponses(skipped []preflight.Skipped) []SkippedResponse {
	out := make([]SkippedResponse, len(skipped))
	for i, s := range skipped {
		out[i] = SkippedResponse{Strategy: s.Strategy.Name, Missing: s.Missing}
	}
	return out
}

func executionResponse(id int64, r domain.ExecutionResult, created time.Time) ExecutionResponse {
	msg := buildprotocol.NewExecutionMessage("", r)
	resp := ExecutionResponse{
		ID:         id,
		Success:    r.Success,
		Reason:     string(r.Reason),
		ExitCode:   r.ExitCode,
		Message:    r.Message,
		Transcript: msg.Transcript,
		Output:     r.Output(),
		Duration:   r.Duration.Round(time.Millisecond).String(),
	}
	if !created.IsZero() {
		resp.CreatedAt = created.Format(time.RFC3339)
	}
	return resp
}

// resultToResponse renders a build that just finished in this process
func resultToResponse(res *pipeline.Result) BuildResponse {
	resp := BuildResponse{
		JobID:          res.JobID,
		Status:         string(domain.JobFailed),
		Success:        res.Success,
		Platform:       string(res.Job.Platform),
		Extension:      res.Job.Extension,
		Summary:        res.Summary(),
		InstallSummary: res.InstallSummary,
		FileType:       res.FileType(),
		Log:            res.Log,
		Artifact:       artifactResponse(res.JobID, res.Artifact),
		Skipped:        skippedResponses(res.Skipped),
		CreatedAt:      res.Job.CreatedAt.Format(time.RFC3339),
		Duration:       res.Duration.Round(time.Millisecond).String(),
	}
	if res.Success {
		resp.Status = string(domain.JobSucceeded)
	}
	for i, a := range res.Attempts {
		resp.Attempts = append(resp.Attempts, AttemptResponse{
			Index:        i,
			Strategy:     a.Strategy.Name,
			ExitCode:     a.ExitCode,
			Failure:      string(a.Failure),
			ArtifactPath: a.ArtifactPath,
			Duration:     a.Duration.Round(time.Millisecond).String(),
		})
	}
	return resp
}

// recordToResponse renders a stored build
func recordToResponse(rec *jobstore.JobRecord, attempts []jobstore.AttemptRecord, execs []jobstore.ExecutionRecord) BuildResponse {
	resp := BuildResponse{
		JobID:          rec.ID,
		Status:         string(rec.Status),
		Success:        rec.Status == domain.JobSucceeded || (rec.Status == domain.JobCleaned && rec.Artifact != nil),
		Platform:       string(rec.Platform),
		Extension:      rec.Extension,
		InstallSummary: rec.InstallSummary,
		Log:            rec.Log,
		Artifact:       artifactResponse(rec.ID, rec.Artifact),
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.Artifact != nil {
		resp.FileType = rec.Artifact.FileType
	} else if rec.FinishedAt != nil {
		resp.FileType = "Binary compilation failed."
	}
	if rec.FinishedAt != nil {
		resp.FinishedAt = rec.FinishedAt.Format(time.RFC3339)
		resp.Duration = rec.FinishedAt.Sub(rec.CreatedAt).Round(time.Millisecond).String()
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, AttemptResponse{
			Index:        a.Index,
			Strategy:     a.Strategy,
			ExitCode:     a.ExitCode,
			Failure:      string(a.Failure),
			ArtifactPath: a.ArtifactPath,
			Duration:     a.Duration.Round(time.Millisecond).String(),
			Log:          a.Log,
		})
	}
	for _, e := range execs {
		resp.Executions = append(resp.Executions, executionResponse(e.ID, e.Result, e.CreatedAt))
	}
	return resp
}

// completeMessage builds the terminal event of a build
func completeMessage(jobID string, res *pipeline.Result, err error) buildprotocol.CompleteMessage {
	msg := buildprotocol.CompleteMessage{JobID: jobID}
	if res != nil {
		msg.Success = res.Success
		msg.InstallSummary = res.InstallSummary
		msg.FileType = res.FileType()
		msg.DurationMs = res.Duration.Milliseconds()
		if res.Artifact != nil {
			msg.ArtifactPath = res.Artifact.Path
			msg.Size = res.Artifact.Size
		}
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// recordCompleteMessage rebuilds the terminal event of a stored build
func recordCompleteMessage(rec *jobstore.JobRecord) buildprotocol.CompleteMessage {
	msg := buildprotocol.CompleteMessage{
		JobID:          rec.ID,
		Success:        rec.Artifact != nil && rec.Status != domain.JobFailed,
		InstallSummary: rec.InstallSummary,
		FileType:       "Binary compilation failed.",
	}
	if rec.Artifact != nil {
		msg.ArtifactPath = rec.Artifact.Path
		msg.Size = rec.Artifact.Size
		msg.FileType = rec.Artifact.FileType
	}
	if rec.FinishedAt != nil {
		msg.DurationMs = rec.FinishedAt.Sub(rec.CreatedAt).Milliseconds()
	}
	if !msg.Success {
		msg.Error = pipeline.ErrStrategiesExhausted.Error()
	}
	return msg
}

func decodeBuildRequest(w http.ResponseWriter, r *http.Request) (BuildRequest, error) {
	var req BuildRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("decoding request body: %w", err)
	}
	return req, nil
}

func writeEnvironmentError(w http.ResponseWriter, envErr *preflight.EnvironmentError) {
	writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"error":   envErr.Error(),
		"missing": envErr.Missing,
	})
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		active := len(s.active)
		s.mu.Unlock()

		writeJSON(w, StatusResponse{
			ActiveBuilds: active,
			SlotsInUse:   s.pool.InUse(),
			MaxSlots:     s.pool.MaxJobs(),
			Subscribers:  s.hub.Clients(),
		})
	}
}

func (s *Server) preflightHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := PreflightResponse{OK: true, Platforms: make(map[string]PlatformStatus)}
		if s.checker != nil {
			report := s.checker.Check()
			resp.OK = report.OK()
			resp.Found = report.Found
			resp.Missing = report.Missing
		}
		for _, p := range []domain.Platform{domain.PlatformLinux, domain.PlatformWindows} {
			runnable, skipped, err := s.builder.Preflight(p)
			status := PlatformStatus{OK: err == nil, Skipped: skippedResponses(skipped)}
			for _, st := range runnable {
				status.Runnable = append(status.Runnable, st.Name)
			}
			if err != nil {
				status.Error = err.Error()
			}
			resp.Platforms[string(p)] = status
		}
		writeJSON(w, resp)
	}
}

func (s *Server) createBuildHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBuildRequest(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		jobID := uuid.NewString()
		req := body.toPipeline(jobID)
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Refuse environment problems before accepting anything
		if _, _, err := s.builder.Preflight(req.Platform); err != nil {
			var envErr *preflight.EnvironmentError
			if errors.As(err, &envErr) {
				writeEnvironmentError(w, envErr)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if !s.pool.TryAcquire() {
			writeError(w, http.StatusServiceUnavailable, "all build slots are busy")
			return
		}
		req.Hooks = s.hooks()
		s.markActive(jobID)

		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
		if wait {
			res, err := s.runBuild(r.Context(), jobID, req)
			if res == nil {
				var envErr *preflight.EnvironmentError
				if errors.As(err, &envErr) {
					writeEnvironmentError(w, envErr)
					return
				}
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, resultToResponse(res))
			return
		}

		s.builds.Add(1)
		go func() {
			defer s.builds.Done()
			s.runBuild(s.base, jobID, req)
		}()

		writeJSONStatus(w, http.StatusAccepted, AcceptedResponse{
			JobID:  jobID,
			Status: string(domain.JobRunning),
			Events: fmt.Sprintf("/api/builds/%s/ws", jobID),
		})
	}
}

// runBuild runs a build that already holds a pool slot and publishes its
// terminal event
func (s *Server) runBuild(ctx context.Context, jobID string, req pipeline.Request) (*pipeline.Result, error) {
	defer s.pool.Release()
	defer s.markDone(jobID)

	res, err := s.builder.Build(ctx, req)
	if err != nil && !errors.Is(err, pipeline.ErrStrategiesExhausted) {
		s.logger.Error("build failed", "job_id", jobID, "error", err)
	}
	s.publish(jobID, buildprotocol.TypeComplete, completeMessage(jobID, res, err))
	return res, err
}

func (s *Server) listBuildsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := jobstore.ListOptions{Status: domain.JobStatus(r.URL.Query().Get("status"))}
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			opts.Limit = limit
		}

		jobs, err := s.store.ListJobs(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]JobSummary, len(jobs))
		for i, j := range jobs {
			responses[i] = JobSummary{
				JobID:     j.ID,
				Status:    string(j.Status),
				Platform:  string(j.Platform),
				CreatedAt: j.CreatedAt.Format(time.RFC3339),
				Age:       humanize.Time(j.CreatedAt),
			}
			if j.Artifact != nil {
				responses[i].FileType = j.Artifact.FileType
				responses[i].Size = humanize.Bytes(uint64(j.Artifact.Size))
			}
		}
		writeJSON(w, responses)
	}
}

// lookup loads a job or writes the matching error response
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*jobstore.JobRecord, bool) {
	id := r.PathValue("id")
	rec, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		if s.isActive(id) {
			writeJSONStatus(w, http.StatusAccepted, BuildResponse{JobID: id, Status: string(domain.JobRunning)})
			return nil, false
		}
		writeError(w, http.StatusNotFound, "build not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rec, true
}

func (s *Server) getBuildHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.lookup(w, r)
		if !ok {
			return
		}
		attempts, err := s.store.ListAttempts(r.Context(), rec.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		execs, err := s.store.ListExecutions(r.Context(), rec.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, recordToResponse(rec, attempts, execs))
	}
}

// artifactPath returns the artifact of a finished build or writes the error
func artifactPath(w http.ResponseWriter, rec *jobstore.JobRecord) (string, bool) {
	if rec.CleanedAt != nil || rec.Status == domain.JobCleaned {
		writeError(w, http.StatusGone, "build workspace has been cleaned up")
		return "", false
	}
	if rec.Artifact == nil {
		if rec.Status == domain.JobRunning {
			writeError(w, http.StatusConflict, "build is still running")
		} else {
			writeError(w, http.StatusNotFound, "build produced no artifact")
		}
		return "", false
	}
	if _, err := os.Stat(rec.Artifact.Path); err != nil {
		writeError(w, http.StatusGone, "artifact is no longer on disk")
		return "", false
	}
	return rec.Artifact.Path, true
}

func (s *Server) artifactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.lookup(w, r)
		if !ok {
			return
		}
		path, ok := artifactPath(w, rec)
		if !ok {
			return
		}

		f, err := os.Open(path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		name := downloadBase + rec.Extension
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.lookup(w, r)
		if !ok {
			return
		}
		path, ok := artifactPath(w, rec)
		if !ok {
			return
		}

		if err := s.pool.Acquire(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for a slot")
			return
		}
		result := s.runner.Run(r.Context(), path)
		s.pool.Release()
		s.recorder.IncExecution(string(result.Reason))

		// The run happened; record it even if the client went away
		id, err := s.store.AddExecution(context.WithoutCancel(r.Context()), rec.ID, result)
		if err != nil {
			s.logger.Warn("recording execution failed", "job_id", rec.ID, "error", err)
		}
		s.publish(rec.ID, buildprotocol.TypeExecution, buildprotocol.NewExecutionMessage(rec.ID, result))
		writeJSON(w, executionResponse(id, result, time.Now().UTC()))
	}
}
