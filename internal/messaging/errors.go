package messaging

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"messaging-service/internal/repositories"
)

// Error taxonomy surfaced to callers. Store sentinels are re-exported so
// transport code matches against one package.
var (
	ErrInvalidContent       = repositories.ErrInvalidContent
	ErrConversationNotFound = repositories.ErrConversationNotFound
	ErrMessageNotFound      = repositories.ErrMessageNotFound
	ErrForbidden            = errors.New("forbidden")
)

// RateLimitedError is returned when a sender exceeds the per-minute message
// cap. Retryable after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// isTransient reports whether a store error is worth retrying: network
// trouble, timeouts, dead connections. Caller errors never are.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrForbidden) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. Class 40: rollbacks, including
		// serialization failures.
		return pqErr.Code.Class() == "08" || pqErr.Code.Class() == "40"
	}
	return false
}
