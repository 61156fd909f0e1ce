package protocol

// Event types published on the gateway feed.
const (
	TypeInvoke        = "INVOKE"
	TypeAccepted      = "ACCEPTED"
	TypeResult        = "RESULT"
	TypeFailed        = "FAILED"
	TypeTimeout       = "TIMEOUT"
	TypeLateResult    = "LATE_RESULT"
	TypeSessionOpen   = "SESSION_OPEN"
	TypeSessionClosed = "SESSION_CLOSED"
)

// JSON-RPC methods spoken to the remote workflow endpoint.
const (
	MethodToolsCall   = "tools/call"
	MethodToolsResult = "tools/result"
)

// Values of result.status in poll replies.
const (
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusRunning    = "running"
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// InProgress reports whether status means the remote is still working.
func InProgress(status string) bool {
	switch status {
	case StatusRunning, StatusPending, StatusProcessing:
		return true
	}
	return false
}
