// Package errclass defines the error taxonomy shared by adapters, the
// runner, and reporting. Every provider failure is classified into a
// category that determines retry behavior and the final test status.
// Infrastructure failures are never reported as security findings.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/aipo-project/aipo/pkg/models"
)

// Category buckets a failure for retry and status decisions.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryTransient Category = "transient"
	CategoryProtocol  Category = "protocol"
	CategoryTimeout   Category = "timeout"
	CategoryCanceled  Category = "canceled"
	CategoryJudge     Category = "judge"
	CategoryPolicy    Category = "policy"
	CategoryUnknown   Category = "unknown"
)

// Sentinel errors adapters wrap with %w so callers can classify with
// errors.Is.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrRateLimited = errors.New("rate limited by provider")
	ErrTransient   = errors.New("transient provider failure")
	ErrProtocol    = errors.New("protocol error")
	ErrTimeout     = errors.New("request timed out")
	ErrJudge       = errors.New("judge evaluation failed")
	ErrPolicy      = errors.New("policy evaluation failed")
)

// Wrap annotates err with a sentinel category.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// FromHTTPStatus maps a provider HTTP status code to a sentinel error,
// or nil for success codes.
func FromHTTPStatus(code int, msg string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return fmt.Errorf("%w: HTTP %d: %s", ErrAuth, code, msg)
	case code == 429:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRateLimited, code, msg)
	case code == 408 || code == 409 || code >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransient, code, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrProtocol, code, msg)
	}
}

// Classify returns the category for err.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrAuth):
		return CategoryAuth
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimit
	case errors.Is(err, ErrTransient):
		return CategoryTransient
	case errors.Is(err, ErrProtocol):
		return CategoryProtocol
	case errors.Is(err, ErrJudge):
		return CategoryJudge
	case errors.Is(err, ErrPolicy):
		return CategoryPolicy
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryTransient
	}
	return CategoryUnknown
}

// Retryable reports whether a failure in this category is worth retrying.
// Only transient, rate-limit, and timeout failures retry; auth and protocol
// failures will not improve on a second attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case CategoryTransient, CategoryRateLimit, CategoryTimeout:
		return true
	default:
		return false
	}
}

// StatusFor maps a failure to the test status it produces. Judge and policy
// machinery failures are error-policy; everything else that reaches a
// terminal failure is error-infrastructure.
func StatusFor(err error) models.TestStatus {
	switch Classify(err) {
	case CategoryJudge, CategoryPolicy:
		return models.StatusErrorPolicy
	default:
		return models.StatusErrorInfra
	}
}
