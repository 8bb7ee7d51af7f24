package fakeremote

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

// writeFakeCxx writes a tiny shell "compiler" understanding the gcc/clang
// family's "-o <out> <in>" calling convention: it copies the input file's
// content to the output file and exits 0, or exits 1 if the input contains
// "FAIL_COMPILE".
func writeFakeCxx(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fakecxx.sh")
	script := `#!/bin/sh
set -e
out=""
in=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then
    out="$arg"
  fi
  prev="$arg"
  in="$arg"
done
if grep -q FAIL_COMPILE "$in" 2>/dev/null; then
  exit 1
fi
cp "$in" "$out"
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestBuildCommandArgsGCCFamily(t *testing.T) {
	req := transport.ExecRequest{CxxName: "g++", CxxArgs: []string{"-Wall"}, InputFile: "in.cc", OutputFile: "out.o"}
	args := buildCommandArgs(req)
	assert.Equal(t, []string{"-Wall", "-o", "out.o", "in.cc"}, args)
}

func TestBuildCommandArgsMSVCFamily(t *testing.T) {
	req := transport.ExecRequest{CxxName: "cl.exe", InputFile: "in.cc", OutputFile: "out.obj"}
	args := buildCommandArgs(req)
	assert.Equal(t, []string{"/Foout.obj", "in.cc"}, args)
}

func TestBuildCommandArgsJavacFamily(t *testing.T) {
	req := transport.ExecRequest{CxxName: "javac", InputFile: "In.java", OutputFile: "out"}
	args := buildCommandArgs(req)
	assert.Equal(t, []string{"-d", "out", "In.java"}, args)
}

func TestClusterExecAsyncSuccessfulCompile(t *testing.T) {
	dir := t.TempDir()
	cxx := writeFakeCxx(t, dir)
	in := filepath.Join(dir, "in.cc")
	out := filepath.Join(dir, "out.o")
	require.NoError(t, os.WriteFile(in, []byte("int main(){}"), 0644))

	c := NewCluster(2)
	req := transport.ExecRequest{CxxName: cxx, InputFile: in, OutputFile: out}

	done := make(chan struct {
		resp transport.ExecResponse
		st   transport.ExecStatus
	}, 1)
	c.ExecAsync(req, func(resp transport.ExecResponse, st transport.ExecStatus) {
		done <- struct {
			resp transport.ExecResponse
			st   transport.ExecStatus
		}{resp, st}
	})

	select {
	case r := <-done:
		assert.Equal(t, 0, r.resp.ExitCode)
		require.Len(t, r.resp.Outputs, 1)
		assert.Equal(t, out, r.resp.Outputs[0].Filename)
		assert.Equal(t, transport.CacheMiss, r.resp.CacheHit)
		_, statErr := os.Stat(out)
		assert.Error(t, statErr, "output must be removed once staged, forcing a real Download")
	case <-time.After(5 * time.Second):
		t.Fatal("ExecAsync never completed")
	}
}

func TestClusterExecAsyncNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	cxx := writeFakeCxx(t, dir)
	in := filepath.Join(dir, "in.cc")
	out := filepath.Join(dir, "out.o")
	require.NoError(t, os.WriteFile(in, []byte("FAIL_COMPILE"), 0644))

	c := NewCluster(1)
	req := transport.ExecRequest{CxxName: cxx, InputFile: in, OutputFile: out}

	done := make(chan transport.ExecResponse, 1)
	c.ExecAsync(req, func(resp transport.ExecResponse, st transport.ExecStatus) {
		done <- resp
	})

	select {
	case resp := <-done:
		assert.NotEqual(t, 0, resp.ExitCode)
		assert.Empty(t, resp.Outputs)
	case <-time.After(5 * time.Second):
		t.Fatal("ExecAsync never completed")
	}
}

func TestClusterExecReportsMissingInputs(t *testing.T) {
	c := NewCluster(1)
	req := transport.ExecRequest{
		CxxName:       "irrelevant",
		RequiredFiles: []transport.RequiredFile{{Filename: "missing.h", HashKey: common.SHA256{B0_7: 1}}},
	}

	done := make(chan transport.ExecResponse, 1)
	c.ExecAsync(req, func(resp transport.ExecResponse, st transport.ExecStatus) {
		done <- resp
	})

	select {
	case resp := <-done:
		assert.Equal(t, []string{"missing.h"}, resp.MissingInputs)
	case <-time.After(5 * time.Second):
		t.Fatal("ExecAsync never completed")
	}
}

func TestClusterExecSkipsMissingCheckForEmbeddedFiles(t *testing.T) {
	dir := t.TempDir()
	cxx := writeFakeCxx(t, dir)
	in := filepath.Join(dir, "in.cc")
	out := filepath.Join(dir, "out.o")
	require.NoError(t, os.WriteFile(in, []byte("int main(){}"), 0644))

	c := NewCluster(1)
	req := transport.ExecRequest{
		CxxName:       cxx,
		InputFile:     in,
		OutputFile:    out,
		RequiredFiles: []transport.RequiredFile{{Filename: "header.h", HashKey: common.SHA256{B0_7: 5}}},
		Embedded:      map[string][]byte{"header.h": []byte("content")},
	}

	done := make(chan transport.ExecResponse, 1)
	c.ExecAsync(req, func(resp transport.ExecResponse, st transport.ExecStatus) {
		done <- resp
	})

	select {
	case resp := <-done:
		assert.Empty(t, resp.MissingInputs)
	case <-time.After(5 * time.Second):
		t.Fatal("ExecAsync never completed")
	}
}

func TestClusterUploadAndComputeKeyDedup(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "shared.h")
	require.NoError(t, os.WriteFile(p, []byte("shared content"), 0644))

	c := NewCluster(1)
	key, err := c.ComputeKey(p)
	require.NoError(t, err)

	require.NoError(t, c.Upload(p, key))
	require.NoError(t, c.Upload(p, key))
	assert.Equal(t, 1, c.BlobCount(), "re-uploading the same key must not grow the blob store")
}

func TestClusterEmbedReadsContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "small.h")
	require.NoError(t, os.WriteFile(p, []byte("tiny"), 0644))

	c := NewCluster(1)
	data, err := c.Embed(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), data)
}

func TestClusterDownloadWritesDestPath(t *testing.T) {
	dir := t.TempDir()
	cxx := writeFakeCxx(t, dir)
	in := filepath.Join(dir, "in.cc")
	out := filepath.Join(dir, "out.o")
	require.NoError(t, os.WriteFile(in, []byte("compiled bytes"), 0644))

	c := NewCluster(1)
	req := transport.ExecRequest{CxxName: cxx, InputFile: in, OutputFile: out}

	done := make(chan transport.ExecResponse, 1)
	c.ExecAsync(req, func(resp transport.ExecResponse, st transport.ExecStatus) {
		done <- resp
	})
	resp := <-done
	require.Len(t, resp.Outputs, 1)

	dest := filepath.Join(dir, "downloaded.o")
	require.NoError(t, c.Download(resp.Outputs[0], dest, 0644))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "compiled bytes", string(content))
}

func TestClusterDownloadInBufferMissingOutputErrors(t *testing.T) {
	c := NewCluster(1)
	_, err := c.DownloadInBuffer(transport.OutputDescriptor{Filename: "never-staged.o"})
	assert.Error(t, err)
}

func TestClusterExecAsyncThrottledExecsAllComplete(t *testing.T) {
	dir := t.TempDir()
	cxx := writeFakeCxx(t, dir)

	c := NewCluster(1)
	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		in := filepath.Join(dir, "in"+string(rune('a'+i))+".cc")
		out := filepath.Join(dir, "out"+string(rune('a'+i))+".o")
		require.NoError(t, os.WriteFile(in, []byte("x"), 0644))
		req := transport.ExecRequest{CxxName: cxx, InputFile: in, OutputFile: out}
		c.ExecAsync(req, func(resp transport.ExecResponse, st transport.ExecStatus) {
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("throttled execs never all completed")
	}
}
