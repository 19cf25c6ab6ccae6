package fsm

import "github.com/fly-io/deltaota/pkg/errors"

// State names
const (
	StateIdle            = "idle"
	StateChecking        = "checking"
	StateSearching       = "searching"
	StateDownloading     = "downloading"
	StateApplyingPatch   = "applying_patch"
	StateVerifyingResult = "verifying_result"
	StateReady           = "ready"
	StateError           = "error"
)

// Mode selects how far a pass goes once an update is found.
type Mode string

const (
	// ModeCheck resolves and sizes the update only.
	ModeCheck Mode = "check"
	// ModeDelta downloads and applies deltas; a full build is only reported.
	ModeDelta Mode = "delta"
	// ModeFull also downloads the full build when it is the better choice.
	ModeFull Mode = "full"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeCheck, ModeDelta, ModeFull:
		return m, nil
	}
	return "", errors.Newf(errors.KindUnknown, "unknown mode %q", s)
}

// Outcome summarises a finished pass.
type Outcome string

const (
	OutcomeReady           Outcome = "ready"
	OutcomeUpdateAvailable Outcome = "update_available"
	OutcomeUpToDate        Outcome = "up_to_date"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeError           Outcome = "error"
)

// PassRequest is the FSM input
type PassRequest struct {
	PassID        string `json:"pass_id"`
	Mode          Mode   `json:"mode"`
	UserInitiated bool   `json:"user_initiated"`
	Allowed       bool   `json:"allowed"`
}

// PassResponse is the FSM output (accumulated across transitions)
type PassResponse struct {
	State         string `json:"state"`
	Outcome       string `json:"outcome"`
	ReadyFilename string `json:"ready_filename"`
	DownloadSize  int64  `json:"download_size"`
	ErrorKind     string `json:"error_kind"`
}

// Status is one progress/state event for observers.
type Status struct {
	PassID    string
	State     string
	Label     string
	Percent   float64
	Current   int64
	Total     int64
	ElapsedMs int64
	ErrorKind errors.Kind
}

// Sink receives status events. It must not block.
type Sink func(Status)

// Result is what a caller gets back once a pass ends.
type Result struct {
	PassID        string
	Mode          Mode
	Outcome       Outcome
	State         string
	ErrorKind     errors.Kind
	Err           error
	ReadyFilename string
	LatestFull    string
	DownloadSize  int64
	UserInitiated bool
}

// Options carries the per-device settings a pass needs.
type Options struct {
	Device         string
	CurrentVersion string // installed build name without extension
	AndroidVersion string
	PathBase       string
	ImageExt       string

	URLBaseUpdate string
	URLBaseFull   string
	URLBaseJSON   string

	ApplySignature  bool
	OfficialTags    []string
	MaxManifestSize int64
}
