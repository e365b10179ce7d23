package api

import "time"

// Platform identifies the OS family of a command target.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// Action is the closed set of administrative actions the pipeline supports.
// Anything outside this enum is rejected at generation time.
type Action string

const (
	ActionStatus         Action = "status"
	ActionDiskSpace      Action = "disk_space"
	ActionMemory         Action = "memory"
	ActionUptime         Action = "uptime"
	ActionProcesses      Action = "processes"
	ActionServiceStatus  Action = "service_status"
	ActionRestartService Action = "restart_service"
	ActionStartService   Action = "start_service"
	ActionStopService    Action = "stop_service"
	ActionTailLogs       Action = "tail_logs"
	ActionDeploy         Action = "deploy"
	ActionReboot         Action = "reboot"
	ActionShutdown       Action = "shutdown"
)

// Tier is the confirmation level required before a validated command may run.
type Tier string

const (
	TierNone   Tier = "none"
	TierSingle Tier = "single"
	TierDouble Tier = "double"
)

// Intent is the structured form of a requested administrative action.
// Produced once per request and never mutated afterwards.
type Intent struct {
	Action     Action            `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Confidence float64           `json:"confidence"`
	RawQuery   string            `json:"raw_query,omitempty"`
}

// Command is a concrete, platform-specific command derived from an Intent.
// Callers never hand-type one past the validator.
type Command struct {
	Text                  string   `json:"text"`
	Action                Action   `json:"action"`
	Platform              Platform `json:"platform"`
	RequiresApproval      bool     `json:"requires_approval"`
	RequiresDoubleConfirm bool     `json:"requires_double_confirm"`
	CausesDowntime        bool     `json:"causes_downtime"`
	LongRunning           bool     `json:"long_running,omitempty"`
}

// Verdict is the validator's classification of a command string.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Tier    Tier   `json:"tier"`
	Rule    string `json:"rule,omitempty"`
}

// Status is the terminal disposition of a pipeline submission.
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusPendingApproval Status = "pending_approval"
	StatusDenied          Status = "denied"
	StatusRateLimited     Status = "rate_limited"
	StatusFailed          Status = "failed"
)

// ExecResult captures the outcome of running a command.
type ExecResult struct {
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// PipelineResult is returned from every Submit call.
type PipelineResult struct {
	Status     Status        `json:"status"`
	ApprovalID string        `json:"approval_id,omitempty"`
	Output     *ExecResult   `json:"output,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// CredentialKind selects the remote transport a credential authenticates.
type CredentialKind string

const (
	CredentialSSH   CredentialKind = "ssh"
	CredentialWinRM CredentialKind = "winrm"
)

// CredentialInfo is credential metadata with no secret material.
type CredentialInfo struct {
	ServerID string         `json:"server_id"`
	Kind     CredentialKind `json:"kind"`
	Host     string         `json:"host"`
	Port     int            `json:"port"`
	Username string         `json:"username"`
}
