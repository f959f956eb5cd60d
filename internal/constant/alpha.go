package constant

// simulation job status reported by the platform
const (
	StatusError    = "ERROR"
	StatusFail     = "FAIL"
	StatusComplete = "COMPLETE"
	StatusWarning  = "WARNING"
)

// local alpha lifecycle
const (
	AlphaSimulated     = "simulated"
	AlphaPending       = "pending"
	AlphaCheckedNormal = "checked_normal"
	AlphaCheckedPPAC   = "checked_ppac"
	AlphaRejected      = "rejected"
	AlphaRemoved       = "removed"
)

const (
	ColorNone   = "NONE"
	ColorYellow = "YELLOW"
	ColorGreen  = "GREEN"
	ColorBlue   = "BLUE"
	ColorRed    = "RED"
	ColorPurple = "PURPLE"
)

// permanent failure classes written to failed_expression
const (
	FailSyntaxError      = "syntax_error"
	FailPlatformRejected = "platform_rejected"
	FailTimeout          = "timeout"
)

const (
	PoolSelf        = "self"
	PoolCompetitive = "competitive"
	PoolCandidate   = "candidate"
)

const (
	ScriptMining      = "mining"
	ScriptCorrelation = "correlation"

	TaskRunning  = "running"
	TaskStopping = "stopping"
	TaskStopped  = "stopped"
	TaskError    = "error"
)
