package common

import "github.com/google/uuid"

// NewTraceID returns a short printable id used to correlate log lines for
// one Task across the upload coordinator, commit pipeline and IPC listener.
func NewTraceID() string {
	return uuid.NewString()[:8]
}
