// Package jobstore keeps the history of build jobs, their strategy attempts
// and sandbox executions in SQLite.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/binforge/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id is unknown
var ErrNotFound = errors.New("job not found")

// Store provides SQLite-backed job persistence
type Store struct {
	db *sql.DB
}

// JobRecord is a job together with its recorded outcome
type JobRecord struct {
	domain.Job     `yaml:",inline"`
	Status         domain.JobStatus `json:"status" yaml:"status"`
	InstallSummary string           `json:"install_summary" yaml:"install_summary"`
	Log            string           `json:"log" yaml:"log"`
	Artifact       *domain.Artifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	CleanedAt      *time.Time       `json:"cleaned_at,omitempty" yaml:"cleaned_at,omitempty"`
}

// AttemptRecord is one stored strategy attempt
type AttemptRecord struct {
	JobID        string             `json:"job_id" yaml:"job_id"`
	Index        int                `json:"index" yaml:"index"`
	Strategy     string             `json:"strategy" yaml:"strategy"`
	Args         []string           `json:"args" yaml:"args"`
	ExitCode     int                `json:"exit_code" yaml:"exit_code"`
	Failure      domain.FailureKind `json:"failure,omitempty" yaml:"failure,omitempty"`
	ArtifactPath string             `json:"artifact_path,omitempty" yaml:"artifact_path,omitempty"`
	Log          string             `json:"log" yaml:"log"`
	Duration     time.Duration      `json:"duration" yaml:"duration"`
}

// ExecutionRecord is one stored sandbox run
type ExecutionRecord struct {
	ID        int64                  `json:"id" yaml:"id"`
	JobID     string                 `json:"job_id" yaml:"job_id"`
	Result    domain.ExecutionResult `json:"result" yaml:"result"`
	CreatedAt time.Time              `json:"created_at" yaml:"created_at"`
}

// New opens (and migrates) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob records a newly started job
func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, platform, extension, source, manifest, workspace_dir, output_dir, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Platform),
		job.Extension,
		job.Source,
		job.Manifest,
		job.WorkspaceDir,
		job.OutputDir,
		string(domain.JobRunning),
		job.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// FinishJob stores the terminal outcome of a job
func (s *Store) FinishJob(ctx context.Context, jobID string, o domain.JobOutcome) error {
	var path, fileType, linkage sql.NullString
	var size sql.NullInt64
	executable := false
	if a := o.Artifact; a != nil {
		path = sql.NullString{String: a.Path, Valid: true}
		fileType = sql.NullString{String: a.FileType, Valid: true}
		linkage = sql.NullString{String: a.Linkage, Valid: a.Linkage != ""}
		size = sql.NullInt64{Int64: a.Size, Valid: true}
		executable = a.Executable
	}
	finished := o.FinishedAt.UTC()
	if o.FinishedAt.IsZero() {
		finished = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, install_summary = ?, log = ?, artifact_path = ?, artifact_size = ?,
			file_type = ?, executable = ?, linkage = ?, finished_at = ?
		WHERE id = ?
	`,
		string(o.Status), o.InstallSummary, o.Log, path, size, fileType, executable, linkage, finished, jobID)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", jobID, err)
	}
	return requireRow(res, jobID)
}

// AddAttempt stores one strategy attempt
func (s *Store) AddAttempt(ctx context.Context, jobID string, index int, a domain.AttemptResult) error {
	argsJSON, err := json.Marshal(a.Strategy.Args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (job_id, idx, strategy, strategy_args, exit_code, failure, artifact_path, log, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		jobID, index, a.Strategy.Name, string(argsJSON), a.ExitCode, string(a.Failure), a.ArtifactPath, a.Log, a.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("inserting attempt for %s: %w", jobID, err)
	}
	return nil
}

// AddExecution stores a sandbox run against a job's artifact
func (s *Store) AddExecution(ctx context.Context, jobID string, r domain.ExecutionResult) (int64, error) {
	transcript, err := json.Marshal(r.Transcript)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (job_id, success, reason, exit_code, message, transcript, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		jobID, r.Success, string(r.Reason), r.ExitCode, r.Message, string(transcript), r.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("inserting execution for %s: %w", jobID, err)
	}
	return res.LastInsertId()
}

const jobColumns = `id, platform, extension, source, manifest, workspace_dir, output_dir, status, install_summary, log,
	artifact_path, artifact_size, file_type, executable, linkage, created_at, finished_at, cleaned_at`

// GetJob retrieves a job by id
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListOptions specifies filters for listing jobs
type ListOptions struct {
	Status domain.JobStatus
	Limit  int
}

// ListJobs returns jobs newest first
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]*JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// ListFinishedBefore returns finished, not yet cleaned jobs older than cutoff
func (s *Store) ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]*JobRecord, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?
		ORDER BY finished_at`,
		string(domain.JobSucceeded), string(domain.JobFailed), cutoff.UTC())
}

// MarkCleaned records that a job's directories were removed
func (s *Store) MarkCleaned(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, cleaned_at = ? WHERE id = ?`,
		string(domain.JobCleaned), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// ListAttempts returns a job's attempts in execution order
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, idx, strategy, strategy_args, exit_code, failure, artifact_path, log, duration_ms
		FROM attempts WHERE job_id = ? ORDER BY idx, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var argsJSON, failure, artifact, log sql.NullString
		var durationMS int64
		if err := rows.Scan(&rec.JobID, &rec.Index, &rec.Strategy, &argsJSON, &rec.ExitCode, &failure, &artifact, &log, &durationMS); err != nil {
			return nil, err
		}
		if argsJSON.Valid && argsJSON.String != "" && argsJSON.String != "null" {
			if err := json.Unmarshal([]byte(argsJSON.String), &rec.Args); err != nil {
				return nil, err
			}
		}
		rec.Failure = domain.FailureKind(failure.String)
		rec.ArtifactPath = artifact.String
		rec.Log = log.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListExecutions returns a job's sandbox runs, oldest first
func (s *Store) ListExecutions(ctx context.Context, jobID string) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, success, reason, exit_code, message, transcript, duration_ms, created_at
		FROM executions WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var reason string
		var message, transcript sql.NullString
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Result.Success, &reason, &rec.Result.ExitCode, &message, &transcript, &durationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Result.Reason = domain.TerminationReason(reason)
		rec.Result.Message = message.String
		rec.Result.Duration = time.Duration(durationMS) * time.Millisecond
		if transcript.Valid && transcript.String != "" && transcript.String != "null" {
			if err := json.Unmarshal([]byte(transcript.String), &rec.Result.Transcript); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	var rec JobRecord
	var platform, status string
	var manifest, installSummary, log, artifactPath, fileType, linkage sql.NullString
	var artifactSize sql.NullInt64
	var executable sql.NullBool
	var finishedAt, cleanedAt sql.NullTime

	err := row.Scan(&rec.ID, &platform, &rec.Extension, &rec.Source, &manifest, &rec.WorkspaceDir, &rec.OutputDir,
		&status, &installSummary, &log, &artifactPath, &artifactSize, &fileType, &executable, &linkage,
		&rec.CreatedAt, &finishedAt, &cleanedAt)
	if err != nil {
		return nil, err
	}

	rec.Platform = domain.Platform(platform)
	rec.Status = domain.JobStatus(status)
	rec.Manifest = manifest.String
	rec.InstallSummary = installSummary.String
	rec.Log = log.String
	if artifactPath.Valid && artifactPath.String != "" {
		rec.Artifact = &domain.Artifact{
			Path:       artifactPath.String,
			Size:       artifactSize.Int64,
			FileType:   fileType.String,
			Executable: executable.Bool,
			Linkage:    linkage.String,
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	if cleanedAt.Valid {
		t := cleanedAt.Time
		rec.CleanedAt = &t
	}
	return &rec, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
