package xrdcore

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the taxonomy from spec §7. They are
// wrapped by FileOpenError/FileReadError so callers can both match on
// taxonomy (errors.Is) and inspect full context (errors.As).
var (
	ErrOpenFailedTerminal = errors.New("xrdreqmgr: open failed terminally")
	ErrOpenTimeout        = errors.New("xrdreqmgr: open timed out")
	ErrInvalidResponse    = errors.New("xrdreqmgr: invalid response")
	ErrNoDataServers      = errors.New("xrdreqmgr: no additional data servers")
	ErrExcludedSource     = errors.New("xrdreqmgr: redirector returned excluded source")
	ErrNoRedirect         = errors.New("xrdreqmgr: redirector did not redirect")
)

// FileOpenError is raised for every terminal open failure, excluded-
// source violation, and open timeout. It always carries the full
// context spec §6 requires.
type FileOpenError struct {
	Name            string
	Flags           OpenFlags
	Perms           OpenPerms
	Status          string
	Errno           int
	Code            int
	ActiveSources   []string
	DisabledSources []string
	cause           error
}

func NewFileOpenError(params OpenParams, status string, errno, code int, active, disabled []string, cause error) *FileOpenError {
	return &FileOpenError{
		Name:            params.Name,
		Flags:           params.Flags,
		Perms:           params.Perms,
		Status:          status,
		Errno:           errno,
		Code:            code,
		ActiveSources:   active,
		DisabledSources: disabled,
		cause:           cause,
	}
}

func (e *FileOpenError) Error() string {
	return fmt.Sprintf("xrdreqmgr: open %q (flags=%d perms=%d) failed: %s (errno=%d code=%d) active=%v disabled=%v",
		e.Name, e.Flags, e.Perms, e.Status, e.Errno, e.Code, e.ActiveSources, e.DisabledSources)
}

func (e *FileOpenError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrOpenFailedTerminal
}

// FileReadError is raised immediately to the caller on the
// InvalidResponse path; every other read failure is recoverable and
// never reaches the caller (see Manager.requestFailure).
type FileReadError struct {
	Name            string
	Flags           OpenFlags
	Perms           OpenPerms
	Status          string
	Errno           int
	Code            int
	ActiveSources   []string
	DisabledSources []string
	cause           error
}

func NewFileReadError(params OpenParams, status string, errno, code int, active, disabled []string, cause error) *FileReadError {
	return &FileReadError{
		Name:            params.Name,
		Flags:           params.Flags,
		Perms:           params.Perms,
		Status:          status,
		Errno:           errno,
		Code:            code,
		ActiveSources:   active,
		DisabledSources: disabled,
		cause:           cause,
	}
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("xrdreqmgr: read on %q failed: %s (errno=%d code=%d) active=%v disabled=%v",
		e.Name, e.Status, e.Errno, e.Code, e.ActiveSources, e.DisabledSources)
}

func (e *FileReadError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrInvalidResponse
}
