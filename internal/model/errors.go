package model

import "errors"

var (
	// ErrSummaryRequired is returned when a session creation request is missing the summary.
	ErrSummaryRequired = errors.New("summary is required")

	// ErrTimeoutOutOfRange is returned when the requested timeout is outside the 30-7200s range.
	ErrTimeoutOutOfRange = errors.New("timeout seconds out of range")

	// ErrValidation is returned for malformed submissions, rejected before any state mutation.
	ErrValidation = errors.New("invalid submission")

	// ErrStaleSession is returned when a submission targets a superseded session id.
	ErrStaleSession = errors.New("session is no longer active")

	// ErrAlreadySubmitted is returned for a duplicate submission on the same session.
	ErrAlreadySubmitted = errors.New("feedback already submitted")

	// ErrSuperseded is returned to a pending wait when its session is replaced.
	ErrSuperseded = errors.New("session superseded by a newer request")

	// ErrTimeout is returned when the session deadline elapses while waiting.
	ErrTimeout = errors.New("timed out waiting for feedback")

	// ErrNoActiveSession is returned when an operation requires an active session and none exists.
	ErrNoActiveSession = errors.New("no active session")

	// ErrEntryNotFound is returned when a history entry is not found.
	ErrEntryNotFound = errors.New("history entry not found")
)
