package proxy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrProxyUnavailable marks connection-level failures. Callers may retry.
	ErrProxyUnavailable = errors.New("tool proxy unavailable")
	// ErrToolNotFound marks a remote that does not know the requested tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrRemote marks an explicit error reported by the remote workflow.
	ErrRemote = errors.New("remote execution failed")
)

// TimeoutError is returned when the wait budget runs out without a terminal
// result. The remote may still be working.
type TimeoutError struct {
	Elapsed  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no result after %s (%d polls)", e.Elapsed.Round(time.Millisecond), e.Attempts)
}

var toolNotFoundRe = regexp.MustCompile(`(?i)tool not found|unknown tool|tool\b.*\bnot found`)

func isToolNotFound(msg string) bool {
	return toolNotFoundRe.MatchString(msg)
}

// remoteError classifies a failure message reported by the remote.
func remoteError(msg string) error {
	if isToolNotFound(msg) {
		return errors.Mark(errors.New(msg), ErrToolNotFound)
	}
	return errors.Mark(errors.New(msg), ErrRemote)
}

func unavailable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrProxyUnavailable)
}

// sessionRejected reports whether a non-2xx reply means the remote no longer
// knows our session.
func sessionRejected(status int, body string) bool {
	if status == 404 {
		return true
	}
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "session") {
		return false
	}
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "unknown") ||
		strings.Contains(lower, "invalid")
}
