package jobstore

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    platform TEXT NOT NULL,
    extension TEXT NOT NULL,
    source TEXT NOT NULL,
    manifest TEXT,
    workspace_dir TEXT NOT NULL,
    output_dir TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    install_summary TEXT,
    log TEXT,
    artifact_path TEXT,
    artifact_size INTEGER,
    file_type TEXT,
    executable BOOLEAN DEFAULT FALSE,
    linkage TEXT,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    cleaned_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);

CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES jobs(id),
    idx INTEGER NOT NULL,
    strategy TEXT NOT NULL,
    strategy_args TEXT,
    exit_code INTEGER NOT NULL,
    failure TEXT,
    artifact_path TEXT,
    log TEXT,
    duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_attempts_job_id ON attempts(job_id);

CREATE TABLE IF NOT EXISTS executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES jobs(id),
    success BOOLEAN NOT NULL,
    reason TEXT NOT NULL,
    exit_code INTEGER NOT NULL,
    message TEXT,
    transcript TEXT,
    duration_ms INTEGER,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_job_id ON executions(job_id);
`
