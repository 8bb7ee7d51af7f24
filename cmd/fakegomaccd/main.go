// Command fakegomaccd runs the daemon wired against an in-process fake
// remote cluster (internal/fakeremote) instead of a real one, for manual
// end-to-end testing without a reachable build cluster: point a compiler
// wrapper at its socket/pipe and watch tasks race an in-process "remote"
// that just runs the real local compiler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/engine"
	"github.com/gomacc-proxy/gomaccd/internal/fakeremote"
	"github.com/gomacc-proxy/gomaccd/internal/ipc"
)

func failedStart(err interface{}) {
	_, _ = fmt.Fprintln(os.Stderr, "[fakegomaccd]", err)
	os.Exit(1)
}

func main() {
	sockPath := pflag.String("sock", "/tmp/fakegomaccd.sock", "unix socket path (ignored on windows)")
	pipeName := pflag.String("pipe", `\\.\pipe\fakegomaccd`, "named pipe path (windows only)")
	logFile := pflag.String("log-filename", "stderr", "log file, or 'stderr'")
	verbosity := pflag.Int64("log-verbosity", 1, "log verbosity, -1..2")
	maxParallelCxx := pflag.Int("parallel", runtime.NumCPU(), "max concurrent fake-cluster compiler launches")
	pflag.Parse()

	logger, err := common.MakeLogger(*logFile, *verbosity, false, false)
	if err != nil {
		failedStart(err)
	}
	log := logger.WithFields(nil)

	cluster := fakeremote.NewCluster(*maxParallelCxx)
	cfg := config.Default()
	e := engine.New(cfg, log, cluster, cluster, cluster)

	watch := e.WatchStalledTasks()
	defer watch.Cancel()

	transport, err := newLocalTransport(*sockPath, *pipeName)
	if err != nil {
		failedStart(err)
	}

	server := ipc.NewServer(transport, ipc.EngineDispatcher{Engine: e}, 0, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		e.Pool.Quit()
		os.Exit(0)
	}()

	log.WithField("addr", transport.Addr()).Info("fakegomaccd listening")
	if err := server.Serve(); err != nil {
		failedStart(err)
	}
}
