package nixpkgsreview

import "golang.org/x/xerrors"

// The error taxonomy from spec.md §7. Each type carries the exit code its
// class maps to; cmd/nixpkgs-review/main.go's sole job with a returned
// error is to call ExitCode on it, mirroring cmd/distri/distri.go's
// funcmain/main split (main never inspects an error's content, only its
// type).

type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }

type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

type Remote4xxError struct {
	Status int
	Msg    string
}

func (e *Remote4xxError) Error() string {
	return xerrors.Errorf("remote returned %d: %s", e.Status, e.Msg).Error()
}

type VcsError struct{ Err error }

func (e *VcsError) Error() string { return "vcs: " + e.Err.Error() }
func (e *VcsError) Unwrap() error { return e.Err }

// MergeConflict is a VcsError subtype for the worktree-merge conflict case
// in spec.md §4.B/§8 scenario 6.
type MergeConflict struct{ Worktree string }

func (e *MergeConflict) Error() string {
	return xerrors.Errorf("merge conflict in worktree %s", e.Worktree).Error()
}

// EvalFailure is fatal to the whole review (spec.md §7: "a missing
// per-system attribute map means the review is incomplete").
type EvalFailure struct{ Err error }

func (e *EvalFailure) Error() string { return "eval: " + e.Err.Error() }
func (e *EvalFailure) Unwrap() error { return e.Err }

// BuildFailure is data, not an error (spec.md §7): it is recorded as a
// Failed outcome, never returned from the pipeline. It exists as a type so
// internal/scheduler can return per-attribute failures through the same
// channel as other errors without conflating them with EvalFailure.
type BuildFailure struct {
	Attr Attribute
	Err  error
}

func (e *BuildFailure) Error() string {
	return xerrors.Errorf("build %s: %w", e.Attr, e.Err).Error()
}
func (e *BuildFailure) Unwrap() error { return e.Err }

type CancelledError struct{}

func (e *CancelledError) Error() string { return "cancelled" }

type InternalError struct{ Err error }

func (e *InternalError) Error() string { return "internal: " + e.Err.Error() }
func (e *InternalError) Unwrap() error { return e.Err }

// ExitCode maps an error returned from the Orchestrator to a process exit
// code per spec.md §6. nil maps to 0. Unrecognised error types map to
// InternalError's code (70), the same way an uncaught panic would be a bug
// rather than a documented failure mode.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case *UsageError:
		return 2
	case *NetworkError, *Remote4xxError:
		return 3
	case *VcsError, *MergeConflict:
		return 1
	case *EvalFailure:
		return 1
	case *BuildFailure:
		return 1
	case *CancelledError:
		return 130
	case *InternalError:
		return 70
	default:
		return 70
	}
}
