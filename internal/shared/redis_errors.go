// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// IsRedisNil checks if the error is the nil reply returned for missing keys
// and timed-out blocking reads.
func IsRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsTxConflictError checks if an optimistic WATCH transaction was aborted
// because the watched key changed underneath it.
func IsTxConflictError(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}

// IsConnectionError checks if the error came from the network layer rather
// than from Redis itself. These typically warrant retry logic.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		errors.Is(err, redis.ErrClosed)
}

// IsRetryableError checks if a Redis error is either a transaction conflict
// or a connection failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return IsTxConflictError(err) || IsConnectionError(err)
}
