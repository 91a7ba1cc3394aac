package types

import (
	"context"
	"errors"
	"regexp"
	"syscall"
)

var (
	// ErrInvalidJob marks a job whose shape can never succeed.
	ErrInvalidJob = errors.New("invalid job")
	// ErrWorkerCrashed is returned for a job whose worker died mid-execution.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrPoolClosed is returned by Submit once shutdown has begun.
	ErrPoolClosed = errors.New("worker pool is shutting down")
	// ErrValidationFailed is returned only when validation failures are configured to fail the job.
	ErrValidationFailed = errors.New("output validation failed")
	// ErrChecksumMismatch means the remote copy does not match the local file.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

var transientErrnos = []error{
	syscall.EBUSY,
	syscall.ENOSPC,
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.EAGAIN,
	syscall.ETIMEDOUT,
}

var transientPattern = regexp.MustCompile(`(?i)EBUSY|ENOSPC|EMFILE|EAGAIN|ETIMEDOUT|resource busy|device or resource busy|device busy|no space left|disk full|too many open files|resource temporarily unavailable|timeout|timed out|deadline exceeded|worker crashed`)

// IsTransient reports whether err is likely to succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidJob) || errors.Is(err, ErrValidationFailed) {
		return false
	}
	if errors.Is(err, ErrWorkerCrashed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return transientPattern.MatchString(err.Error())
}
