package command

import (
	"context"
	stderrors "errors"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeRetryCancelled       = "RETRY_CANCELLED"
	ErrCodeActivityFailed       = "ACTIVITY_FAILED"
	ErrCodeHandlerNotRegistered = "HANDLER_NOT_REGISTERED"
	ErrCodeInvalidCommand       = "INVALID_COMMAND"
	ErrCodeUnknownCommandType   = "UNKNOWN_COMMAND_TYPE"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeLockNotHeld          = "LOCK_NOT_HELD"
	ErrCodeLockOrder            = "LOCK_ORDER"
	ErrCodeNondeterminism       = "ORCHESTRATION_NONDETERMINISM"
	ErrCodeEventTimeout         = "EVENT_TIMEOUT"
	ErrCodeTaskTimeout          = "TASK_TIMEOUT"
	ErrCodeTerminated           = "ORCHESTRATION_TERMINATED"
	ErrCodePanic                = "PANIC"
)

// fatalCodes end the current step immediately and are never retried.
var fatalCodes = map[string]bool{
	ErrCodeRetryCancelled:       true,
	ErrCodeActivityFailed:       true,
	ErrCodeHandlerNotRegistered: true,
	ErrCodeLockNotHeld:          true,
	ErrCodeLockOrder:            true,
	ErrCodeNondeterminism:       true,
	ErrCodeEventTimeout:         true,
	ErrCodeTaskTimeout:          true,
	ErrCodeTerminated:           true,
	ErrCodePanic:                true,
}

// RetryCancel marks err as permanent: retry policies stop at the first
// occurrence instead of burning the remaining attempts.
func RetryCancel(err error, msg string) *errors.Error {
	if err == nil {
		return errors.New(msg, errors.CategoryBadInput).WithTextCode(ErrCodeRetryCancelled)
	}
	return errors.Wrap(err, errors.CategoryBadInput, msg).WithTextCode(ErrCodeRetryCancelled)
}

// NotFound reports a missing entity. It is never retried.
func NotFound(kind, id string) *errors.Error {
	return errors.New(kind+" "+id+" not found", errors.CategoryBadInput).
		WithTextCode(ErrCodeNotFound).
		WithMetadata(map[string]any{"kind": kind, "id": id})
}

// IsRetryCancelled reports whether any error in the chain opts out of retry.
// Bad input, validation and conflict categories count as permanent failures,
// so do fatal text codes and context cancellation.
func IsRetryCancelled(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	found := false
	walk(err, func(e error) bool {
		var ge *errors.Error
		if !stderrors.As(e, &ge) {
			return false
		}
		if fatalCodes[ge.TextCode] {
			found = true
			return true
		}
		switch ge.Category {
		case errors.CategoryBadInput, errors.CategoryValidation, errors.CategoryConflict:
			found = true
			return true
		}
		return false
	})
	return found
}

// HasCode reports whether any error in the chain carries the text code.
func HasCode(err error, code string) bool {
	found := false
	walk(err, func(e error) bool {
		if ge, ok := e.(*errors.Error); ok && ge.TextCode == code {
			found = true
			return true
		}
		return false
	})
	return found
}

// Code returns the first text code found in the chain.
func Code(err error) string {
	code := ""
	walk(err, func(e error) bool {
		if ge, ok := e.(*errors.Error); ok && ge.TextCode != "" {
			code = ge.TextCode
			return true
		}
		return false
	})
	return code
}

func walk(err error, fn func(error) bool) bool {
	for err != nil {
		if fn(err) {
			return true
		}
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				if walk(e, fn) {
					return true
				}
			}
			return false
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
