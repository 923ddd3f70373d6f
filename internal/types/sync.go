package types

import (
	"context"
	"errors"
	"fmt"
)

// SyncError classifies a per-repository pipeline failure.
type SyncError struct {
	Kind       FailureKind
	Repository string
	Err        error
}

func (e *SyncError) Error() string {
	if e.Repository == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Repository, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func NewSyncError(kind FailureKind, err error) *SyncError {
	return &SyncError{Kind: kind, Err: err}
}

// KindOf reports the failure kind carried by err. Context errors map to
// Cancelled and Timeout even when they were never wrapped.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureNetwork
}

type Diagnostic struct {
	Severity   Severity `json:"severity"`
	Repository string   `json:"repository,omitempty"`
	Message    string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// SyncEvent is published after every repository reaches a terminal state.
type SyncEvent struct {
	Repository string      `json:"repository"`
	State      SyncState   `json:"state"`
	Changed    bool        `json:"changed"`
	Kind       FailureKind `json:"kind,omitempty"`
}

type RepositoryOutcome struct {
	Repository string      `json:"repository"`
	State      SyncState   `json:"state"`
	Changed    bool        `json:"changed"`
	Kind       FailureKind `json:"kind,omitempty"`
	Packages   int         `json:"packages"`
}

type SyncSummary struct {
	Changed      bool                `json:"changed"`
	ReposUpdated int                 `json:"repos_updated"`
	HadErrors    bool                `json:"had_errors"`
	Outcomes     []RepositoryOutcome `json:"outcomes"`
	Diagnostics  []Diagnostic        `json:"diagnostics,omitempty"`
}
