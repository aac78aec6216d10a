package model

import (
	"errors"
	"fmt"
)

var (
	ErrAccountBanned     = errors.New("account banned")
	ErrLoginInvalid      = errors.New("account login invalid")
	ErrTargetPrivate     = errors.New("target is private")
	ErrTargetUnavailable = errors.New("target unavailable")
)

// AccountError marks err as a permanent failure of the account itself.
// The dispatcher degrades the account within the task and stops using it.
func AccountError(err error) error {
	if err == nil {
		return nil
	}
	return accountError{err: err}
}

// IsAccountError reports whether err (or anything it wraps) is an account
// failure. ErrAccountBanned and ErrLoginInvalid count without wrapping.
func IsAccountError(err error) bool {
	var e accountError
	return errors.As(err, &e) || errors.Is(err, ErrAccountBanned) || errors.Is(err, ErrLoginInvalid)
}

type accountError struct{ err error }

func (e accountError) Error() string { return fmt.Sprintf("account: %v", e.err) }
func (e accountError) Unwrap() error { return e.err }

// TargetError marks err as a permanent failure of one target only.
func TargetError(err error) error {
	if err == nil {
		return nil
	}
	return targetError{err: err}
}

func IsTargetError(err error) bool {
	var e targetError
	return errors.As(err, &e) || errors.Is(err, ErrTargetPrivate) || errors.Is(err, ErrTargetUnavailable)
}

type targetError struct{ err error }

func (e targetError) Error() string { return fmt.Sprintf("target: %v", e.err) }
func (e targetError) Unwrap() error { return e.err }
