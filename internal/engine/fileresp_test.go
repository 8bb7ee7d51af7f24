package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

type fakeDownloader struct {
	content map[string][]byte
	failFor map[string]bool
}

func (f fakeDownloader) Download(output transport.OutputDescriptor, destPath string, mode uint32) error {
	if f.failFor[output.Filename] {
		return errors.New("simulated download failure")
	}
	return os.WriteFile(destPath, f.content[output.Filename], os.FileMode(mode))
}

func (f fakeDownloader) DownloadInBuffer(output transport.OutputDescriptor) ([]byte, error) {
	if f.failFor[output.Filename] {
		return nil, errors.New("simulated download failure")
	}
	return f.content[output.Filename], nil
}

func directWriteEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.OutputBufferBudget = 0 // force every output to StageDirectWrite
	return testEngine(t, cfg)
}

func TestFileResponseDownloadsEveryOutputDirectlyAndCommits(t *testing.T) {
	e := directWriteEngine(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "a.o")

	e.Downloader = fakeDownloader{content: map[string][]byte{outPath: []byte("object code")}}

	task := e.NewTask(dir, nil, newFakeReplySink())
	task.remoteResp = transport.ExecResponse{
		ExitCode: 0,
		Outputs:  []transport.OutputDescriptor{{Filename: outPath, Mode: 0644, Size: 11}},
	}

	task.FileResponse()

	<-task.Done()
	assert.Equal(t, StateFinished, task.State())
	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "object code", string(got))
}

func TestFileResponseFailsTaskWhenADownloadErrors(t *testing.T) {
	e := directWriteEngine(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "a.o")

	e.Downloader = fakeDownloader{failFor: map[string]bool{outPath: true}}

	task := e.NewTask(dir, nil, newFakeReplySink())
	task.remoteResp = transport.ExecResponse{
		ExitCode: 0,
		Outputs:  []transport.OutputDescriptor{{Filename: outPath, Mode: 0644, Size: 11}},
	}

	task.FileResponse()

	require.Eventually(t, func() bool {
		return task.State() == StateFinished
	}, time.Second, 5*time.Millisecond)
	_, err := os.Stat(outPath)
	assert.True(t, os.IsNotExist(err), "a failed download must not leave a partial output behind")
}

func TestFileResponseDownloadsMultipleOutputsInParallel(t *testing.T) {
	e := directWriteEngine(t)
	dir := t.TempDir()
	out1 := filepath.Join(dir, "a.o")
	out2 := filepath.Join(dir, "b.o")

	e.Downloader = fakeDownloader{content: map[string][]byte{
		out1: []byte("first"),
		out2: []byte("second"),
	}}

	task := e.NewTask(dir, nil, newFakeReplySink())
	task.remoteResp = transport.ExecResponse{
		ExitCode: 0,
		Outputs: []transport.OutputDescriptor{
			{Filename: out1, Mode: 0644, Size: 5},
			{Filename: out2, Mode: 0644, Size: 6},
		},
	}

	task.FileResponse()

	<-task.Done()
	got1, err := os.ReadFile(out1)
	require.NoError(t, err)
	got2, err := os.ReadFile(out2)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got1))
	assert.Equal(t, "second", string(got2))
}
