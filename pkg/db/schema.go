package db

// Schema defines the SQLite database schema for pipeline state.
// pipeline_state is a flat key/value table written in one transaction per
// commit; passes records one row per resolution pass.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS passes (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    state TEXT NOT NULL,
    error_kind TEXT,
    ready_filename TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at);
`

// State keys
const (
	KeyLatestFullName   = "latest_full_name"
	KeyLatestDeltaName  = "latest_delta_name"
	KeyReadyFilename    = "ready_filename"
	KeyDownloadSize     = "download_size"
	KeyDeltaSignature   = "delta_signature"
	KeyInitialFile      = "initial_file"
	KeyCurrentFilename  = "current_filename"
	KeyLastCheck        = "last_check"
	KeyLastCheckAttempt = "last_check_attempt"
)

// Pass status constants
const (
	PassRunning = "running"
	PassReady   = "ready"
	PassFailed  = "failed"
	PassIdle    = "idle"
)

// PipelineState is the durable record a pass reads and commits.
// Empty strings mean "none"; DownloadSize is -1 when unknown.
type PipelineState struct {
	LatestFullName   string
	LatestDeltaName  string
	ReadyFilename    string
	DownloadSize     int64
	DeltaSignature   bool
	InitialFile      string
	CurrentFilename  string
	LastCheck        int64 // unix millis
	LastCheckAttempt int64 // unix millis
}

// DefaultState is the state of a fresh install.
func DefaultState() PipelineState {
	return PipelineState{DownloadSize: -1}
}

// ClearTransient resets everything a failed pass must not leave behind. The
// ready file with its signature flag, the retained initial file, the
// installed file and timestamps survive.
func (s *PipelineState) ClearTransient() {
	s.LatestFullName = ""
	s.LatestDeltaName = ""
	s.DownloadSize = -1
	if s.ReadyFilename == "" {
		s.DeltaSignature = false
	}
}

// Pass represents one resolution pass record
type Pass struct {
	ID            string
	Mode          string
	State         string
	ErrorKind     string
	ReadyFilename string
	StartedAt     string
	FinishedAt    string
}
