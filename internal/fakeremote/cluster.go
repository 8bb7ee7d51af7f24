package fakeremote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

// buildCommandArgs re-plugs the InputFile/OutputFile that the flag parser
// stripped out of CxxArgs back into a runnable command line, branching on
// compiler family the same minimal way internal/engine's familyFor does; a
// real remote executor would need the same family-specific knowledge to
// invoke its compiler.
func buildCommandArgs(req transport.ExecRequest) []string {
	base := strings.ToLower(req.CxxName)
	args := append([]string{}, req.CxxArgs...)

	switch {
	case strings.Contains(base, "javac"):
		return append(args, "-d", req.OutputFile, req.InputFile)
	case strings.Contains(base, "cl.exe") || strings.HasSuffix(base, "cl"):
		return append(args, "/Fo"+req.OutputFile, req.InputFile)
	default: // gcc/clang family
		return append(args, "-o", req.OutputFile, req.InputFile)
	}
}

// Cluster implements transport.RemoteTransport, transport.Uploader, and
// transport.Downloader entirely in-process: a throttled
// exec.Command(cxxName, cxxArgs...) launch capturing stdout/stderr/exit
// code, dispatched across any of this module's compiler families.
//
// Because this is a loopback fake instead of a real network peer, it runs
// the compiler directly against the caller's original absolute paths: both
// "client" and "server" share one filesystem, so there is nothing to stage.
// Upload still reads real file bytes into the blob store (ComputeKey only
// hashes and Embed only reads), so cross-task dedup in internal/upload is
// exercised exactly as it would be against a real cluster.
type Cluster struct {
	blobs       *blobStore
	throttle    chan struct{}
	execTimeout time.Duration

	mu      sync.Mutex
	outputs map[string][]byte // absolute output filename -> produced content, pending Download
}

// NewCluster builds a fake cluster allowing maxParallelCxx concurrent
// compiler launches.
func NewCluster(maxParallelCxx int) *Cluster {
	if maxParallelCxx <= 0 {
		maxParallelCxx = 1
	}
	return &Cluster{
		blobs:       newBlobStore(),
		throttle:    make(chan struct{}, maxParallelCxx),
		execTimeout: 5 * time.Minute,
		outputs:     make(map[string][]byte),
	}
}

// ComputeKey implements transport.Uploader.
func (c *Cluster) ComputeKey(absPath string) (common.SHA256, error) {
	return common.GetFileSHA256(absPath)
}

// Upload implements transport.Uploader by reading absPath into the blob
// store keyed by its content hash.
func (c *Cluster) Upload(absPath string, key common.SHA256) error {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return err
	}
	c.blobs.put(key, data)
	return nil
}

// Embed implements transport.Uploader's inline-content path.
func (c *Cluster) Embed(absPath string) ([]byte, error) {
	return os.ReadFile(absPath)
}

// ExecAsync implements transport.RemoteTransport by launching the real
// compiler named in req against its original arguments, throttled by
// maxParallelCxx the same way CxxLauncher.LaunchCxxWhenPossible queues
// sessions ahead of the server's compile capacity.
func (c *Cluster) ExecAsync(req transport.ExecRequest, onDone func(transport.ExecResponse, transport.ExecStatus)) {
	go func() {
		c.throttle <- struct{}{}
		defer func() { <-c.throttle }()
		onDone(c.exec(req))
	}()
}

func (c *Cluster) exec(req transport.ExecRequest) (transport.ExecResponse, transport.ExecStatus) {
	for _, rf := range req.RequiredFiles {
		if _, ok := c.blobs.get(rf.HashKey); !ok {
			if _, embedded := req.Embedded[rf.Filename]; !embedded {
				return transport.ExecResponse{MissingInputs: []string{rf.Filename}},
					transport.ExecStatus{Finished: true, State: transport.ExecResponseReceived}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.execTimeout)
	defer cancel()

	args := buildCommandArgs(req)
	cmd := exec.CommandContext(ctx, req.CxxName, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if exitCode < 0 && err != nil {
		return transport.ExecResponse{}, transport.ExecStatus{
			Err: err, ErrCode: transport.ErrBadRequest, HTTPReturnCode: 400,
			Finished: true, State: transport.ExecReceivingResponse,
		}
	}

	resp := transport.ExecResponse{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if exitCode == 0 {
		if data, statErr := os.ReadFile(req.OutputFile); statErr == nil {
			mode := uint32(0644)
			if st, e2 := os.Stat(req.OutputFile); e2 == nil {
				mode = uint32(st.Mode().Perm())
			}
			c.mu.Lock()
			c.outputs[req.OutputFile] = data
			c.mu.Unlock()
			resp.Outputs = append(resp.Outputs, transport.OutputDescriptor{
				Filename: req.OutputFile,
				Mode:     mode,
				Size:     int64(len(data)),
			})
			resp.CacheHit = transport.CacheMiss
			_ = os.Remove(req.OutputFile) // force the client to materialize via Download, exercising the real pipeline
		}
	}
	return resp, transport.ExecStatus{Finished: true, State: transport.ExecResponseReceived}
}

// DownloadInBuffer implements transport.Downloader.
func (c *Cluster) DownloadInBuffer(output transport.OutputDescriptor) ([]byte, error) {
	c.mu.Lock()
	data, ok := c.outputs[output.Filename]
	delete(c.outputs, output.Filename)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeremote: no output staged for %s", output.Filename)
	}
	return data, nil
}

// Download implements transport.Downloader by writing the staged output
// to destPath with the descriptor's mode.
func (c *Cluster) Download(output transport.OutputDescriptor, destPath string, mode uint32) error {
	data, err := c.DownloadInBuffer(output)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, os.FileMode(mode))
}

// BlobCount reports how many distinct input blobs have been uploaded,
// exposed for test assertions on dedup behavior.
func (c *Cluster) BlobCount() int { return c.blobs.len() }
