package utils

import (
	"context"
	"errors"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrInvalidSignature = errors.New("invalid signature")            // Signature longer than the allowed maximum
	ErrVersionMismatch  = errors.New("record version mismatch")      // Persisted record newer than this build understands
	ErrMalformedRecord  = errors.New("malformed record")             // Truncated or otherwise unreadable record bytes
	ErrUnknownStatus    = errors.New("unknown record status")        // Status byte outside every known family
	ErrParsing          = errors.New("parsing error")                // Wraps specific parsing error (URL, seed line, JSON)
	ErrFilesystem       = errors.New("filesystem error")             // Wraps os errors
	ErrDatabase         = errors.New("database error")               // Wraps badger errors
	ErrLocked           = errors.New("crawldb is locked")            // Another cycle holds the lock file
	ErrFilter           = errors.New("url rejected by filter chain") // Normalizer/filter failure for a single URL
	ErrUnknownPolicy    = errors.New("unknown policy identifier")    // Registry lookup miss
	ErrCycleAborted     = errors.New("cycle aborted")                // Whole-cycle failure, installed store untouched
	ErrConfigValidation = errors.New("configuration validation error")
)

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrCycleAborted):
		if cause := abortCause(err); cause != nil {
			return "CycleAborted_" + CategorizeError(cause)
		}
		return "CycleAborted_Unknown"
	case errors.Is(err, ErrInvalidSignature):
		return "Record_InvalidSignature"
	case errors.Is(err, ErrVersionMismatch):
		return "Record_VersionMismatch"
	case errors.Is(err, ErrUnknownStatus):
		return "Record_UnknownStatus"
	case errors.Is(err, ErrMalformedRecord):
		return "Record_Malformed"
	case errors.Is(err, ErrLocked):
		return "Store_Locked"
	case errors.Is(err, ErrFilter):
		return "Policy_Filtered"
	case errors.Is(err, ErrUnknownPolicy):
		return "Config_UnknownPolicy"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Input_ParsingURL"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Input_ParsingJSON"
		}
		if strings.Contains(errMsg, "seed") {
			return "Input_ParsingSeed"
		}
		return "Input_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}
	if errors.Is(err, os.ErrNotExist) {
		return "Filesystem_NotExist"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "no space left") {
		return "Filesystem_NoSpace"
	}

	return "Unknown"
}

// abortCause digs through err for the first wrapped error that is not the
// ErrCycleAborted marker itself.
func abortCause(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if e == ErrCycleAborted {
				continue
			}
			if errors.Is(e, ErrCycleAborted) {
				if c := abortCause(e); c != nil {
					return c
				}
				continue
			}
			return e
		}
	case interface{ Unwrap() error }:
		return abortCause(u.Unwrap())
	}
	return nil
}
