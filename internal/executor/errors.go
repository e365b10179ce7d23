package executor

import "errors"

// Failure taxonomy. Execute wraps these so callers can errors.Is their way
// to a pipeline status; NonZeroExit and Timeout carry the captured (partial)
// output in the accompanying ExecResult.
var (
	ErrTimeout             = errors.New("execution timed out")
	ErrCanceled            = errors.New("execution canceled")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrNonZeroExit         = errors.New("command exited non-zero")
	ErrPlatformUnsupported = errors.New("platform unsupported")
)
