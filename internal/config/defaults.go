package config

// DefaultStateDirName is the state directory under the user's home.
const DefaultStateDirName = ".agentfleet"

// DefaultDBName is the database file name inside the state directory.
const DefaultDBName = "agentfleet.db"

const (
	DefaultBackend               = "tmux"
	DefaultLogLevel              = "info"
	DefaultMaxConcurrentInit     = 2
	DefaultCreationDelayMs       = 3000
	DefaultRestartDelayMs        = 1000
	DefaultCreateAttempts        = 3
	DefaultCreateRetryDelayMs    = 1000
	DefaultStreamIntervalMs      = 3000
	DefaultStreamJitterMs        = 1000
	DefaultStreamCaptureLines    = 50
	DefaultHistoryBytes          = 10 * 1024 * 1024
	DefaultScrollbackLines       = 10000
	DefaultCols                  = 120
	DefaultRows                  = 40
	DefaultRegistrationTimeoutMs = 120000
	DefaultRegistrationPollMs    = 500
	DefaultInputRatePerSec       = 20
)

// DefaultRoleTimeouts are the readiness timeouts per agent role in ms.
var DefaultRoleTimeouts = map[string]int{
	"orchestrator": 180000,
	"developer":    120000,
	"reviewer":     60000,
}
