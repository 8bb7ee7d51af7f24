package engine

import (
	"github.com/pkg/errors"
)

// ErrorKind is one of the named error kinds, distinguished by
// recovery behavior, not by Go type name.
type ErrorKind string

const (
	KindParseError            ErrorKind = "parse_error"
	KindLocalEnvironmentError ErrorKind = "local_environment_error"
	KindInputUploadError      ErrorKind = "input_upload_error"
	KindRemoteExecError       ErrorKind = "remote_exec_error"
	KindMissingInputs         ErrorKind = "missing_inputs"
	KindCommandSpecMismatch   ErrorKind = "command_spec_mismatch"
	KindOutputDownloadError   ErrorKind = "output_download_error"
	KindOutputCommitError     ErrorKind = "output_commit_error"
	KindClientCanceled        ErrorKind = "client_canceled"
	KindTimeout               ErrorKind = "timeout"
)

// TaskError tags a cause with the error kind a task's recovery logic
// branches on, keeping the underlying error wrapped (with a stack, via
// pkg/errors) so Unwrap/errors.Is/errors.As still see through to it.
type TaskError struct {
	Kind  ErrorKind
	cause error
}

func newTaskError(kind ErrorKind, cause error) *TaskError {
	return &TaskError{Kind: kind, cause: errors.WithStack(cause)}
}

func (e *TaskError) Error() string { return e.cause.Error() }
func (e *TaskError) Unwrap() error { return e.cause }

// logTaskError wraps err as a TaskError and logs it with the task's id and
// trace id, so every recovery path reports through one place.
func (t *Task) logTaskError(kind ErrorKind, err error) *TaskError {
	te := newTaskError(kind, err)
	t.engine.Log.WithField("task", t.id).WithField("trace_id", t.traceID).
		WithField("kind", string(kind)).WithError(err).Warn("task error")
	return te
}
