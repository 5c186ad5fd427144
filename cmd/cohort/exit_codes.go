package main

import (
	"errors"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/model"
)

const (
	exitFailure     = 1
	exitConfig      = 2
	exitPartial     = 3
	exitInterrupted = 130
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError honours an explicit code first, then maps configuration
// and cancellation errors.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	if model.IsConfigError(err) {
		return exitConfig
	}
	switch cerrors.GetCode(err) {
	case cerrors.ErrCodeConfigLoad, cerrors.ErrCodeConfigInvalid, cerrors.ErrCodeProviderNotConfigured:
		return exitConfig
	case cerrors.ErrCodeCancelled:
		return exitInterrupted
	}
	return exitFailure
}
