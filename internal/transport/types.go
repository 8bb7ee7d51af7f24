// Package transport defines the remote RPC pipeline (RemoteTransport) and
// the blob store (Uploader/Downloader) interfaces the engine depends on.
// internal/fakeremote and internal/transport/grpc.go are two
// interchangeable implementations.
package transport

import "github.com/gomacc-proxy/gomaccd/internal/common"

// ExecState is one of the states a remote ExecAsync call can report.
type ExecState int

const (
	ExecInit ExecState = iota
	ExecPending
	ExecSendingRequest
	ExecRequestSent
	ExecReceivingResponse
	ExecResponseReceived
)

// ErrCode is the small set of fatal error codes a remote call can report
// by name, distinct from an ordinary compile failure.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrBadRequest
)

// ExecStatus is the status object an ExecAsync call reports.
type ExecStatus struct {
	HTTPReturnCode int
	Err            error
	ErrMessage     string
	ErrCode        ErrCode
	Finished       bool
	State          ExecState
}

// IsRetryable reports whether this status should be retried under
// CallExec classification ("HTTP error where the HTTP code
// is 5xx or the failure occurred while receiving the response").
func (s ExecStatus) IsRetryable() bool {
	if s.ErrCode == ErrBadRequest {
		return false
	}
	if s.HTTPReturnCode >= 500 && s.HTTPReturnCode < 600 {
		return true
	}
	if s.HTTPReturnCode == 0 && s.State == ExecReceivingResponse && s.Err != nil {
		return true
	}
	return false
}

// ExecRequest is the opaque-to-the-core compile request envelope.
type ExecRequest struct {
	SessionID     uint32
	ClientID      string
	RequiredFiles []RequiredFile
	Embedded      map[string][]byte // filename -> content for embedded inputs
	CxxName       string
	CxxArgs       []string
	InputFile     string // absolute path of the parsed invocation's input, stripped out of CxxArgs by the flag parser
	OutputFile    string // absolute path of the parsed invocation's output, stripped out of CxxArgs by the flag parser
}

type RequiredFile struct {
	Filename string
	HashKey  common.SHA256
}

// ExecResponse is the opaque-to-the-core compile response envelope.
type ExecResponse struct {
	ExitCode      int
	Stdout        []byte
	Stderr        []byte
	MissingInputs []string // filenames the server doesn't have, needing (re-)upload
	Outputs       []OutputDescriptor
	CacheHit      CacheSource

	SpecMismatch       bool   // true if the remote's compiler identity (name/target/version/hash) disagrees with the local one
	SpecMismatchDetail string // human-readable description of what disagreed
}

type CacheSource int

const (
	CacheUnknown CacheSource = iota
	CacheMem
	CacheStorage
	CacheMiss
)

type OutputDescriptor struct {
	Filename string
	Mode     uint32
	Size     int64
}

// RemoteTransport is the consumed ExecAsync entry point.
type RemoteTransport interface {
	ExecAsync(req ExecRequest, onDone func(ExecResponse, ExecStatus))
}

// Uploader is the consumed blob upload surface.
type Uploader interface {
	ComputeKey(absPath string) (common.SHA256, error)
	Upload(absPath string, key common.SHA256) error
	Embed(absPath string) ([]byte, error)
}

// Downloader is the consumed blob download surface.
type Downloader interface {
	Download(output OutputDescriptor, destPath string, mode uint32) error
	DownloadInBuffer(output OutputDescriptor) ([]byte, error)
}
