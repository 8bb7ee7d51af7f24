// Command gomaccd is the compiler-proxy daemon: it accepts compile
// invocations from the gomacc wrapper over a local IPC endpoint, races them
// against a remote build cluster, and commits whichever side finishes the
// task. Flags are bound via cobra/pflag start/version subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gomacc-proxy/gomaccd/internal/common"
	"github.com/gomacc-proxy/gomaccd/internal/compilerinfo"
	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/engine"
	"github.com/gomacc-proxy/gomaccd/internal/ipc"
	"github.com/gomacc-proxy/gomaccd/internal/transport"
)

func failedStart(err interface{}) {
	_, _ = fmt.Fprintln(os.Stderr, "gomaccd:", err)
	os.Exit(1)
}

type startFlags struct {
	remoteHostPort string
	sockPath       string
	pipeName       string
	logFile        string
	verbosity      int64
	compilerInfoFile string

	fallback      bool
	useLocal      bool
	verifyOutput  bool
	rampUp        int
	workerThreads int
	enableGchHack bool
}

func main() {
	root := &cobra.Command{
		Use:   "gomaccd",
		Short: "Local compiler-proxy daemon offloading gcc/clang/cl.exe/javac to a remote cluster",
	}
	root.AddCommand(newStartCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		failedStart(err)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gomaccd (dev build)")
		},
	}
}

func newStartCommand() *cobra.Command {
	f := &startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon(f)
		},
	}

	flagsSet := cmd.Flags()
	flagsSet.StringVar(&f.remoteHostPort, "remote", "", "remote cluster host:port (required)")
	flagsSet.StringVar(&f.sockPath, "sock", "/tmp/gomaccd.sock", "unix socket path (ignored on windows)")
	flagsSet.StringVar(&f.pipeName, "pipe", `\\.\pipe\gomaccd`, "named pipe path (windows only)")
	flagsSet.StringVar(&f.logFile, "log-filename", "stderr", "log file, or 'stderr'")
	flagsSet.Int64Var(&f.verbosity, "log-verbosity", 1, "log verbosity, -1..2")
	flagsSet.StringVar(&f.compilerInfoFile, "compiler-info-cache", "", "path to persist the compiler-info cache (disabled if empty)")
	flagsSet.BoolVar(&f.fallback, "fallback", true, "allow falling back to local compilation on remote failure")
	flagsSet.BoolVar(&f.useLocal, "use-local", true, "allow racing/launching a local compile at all")
	flagsSet.BoolVar(&f.verifyOutput, "verify-output", false, "run both sides and byte-compare outputs")
	flagsSet.IntVar(&f.rampUp, "ramp-up", 100, "0-100, percentage of tasks that attempt remote")
	flagsSet.IntVar(&f.workerThreads, "worker-threads", runtime.NumCPU(), "worker pool thread count, used for the IPC backpressure formula")
	flagsSet.BoolVar(&f.enableGchHack, "enable-gch-hack", false, "let precompiled-header tasks race local/remote instead of always running local-only")

	return cmd
}

func runDaemon(f *startFlags) {
	if f.remoteHostPort == "" {
		failedStart("--remote is required")
	}

	logger, err := common.MakeLogger(f.logFile, f.verbosity, false, false)
	if err != nil {
		failedStart(err)
	}
	log := logger.WithFields(nil)

	client, err := transport.DialRemote(f.remoteHostPort)
	if err != nil {
		failedStart(err)
	}
	defer client.Close()

	cfg := config.Default()
	cfg.Fallback = f.fallback
	cfg.UseLocal = f.useLocal
	cfg.VerifyOutput = f.verifyOutput
	cfg.RampUp = f.rampUp
	cfg.EnableGchHack = f.enableGchHack

	e := engine.New(cfg, log, client, client, client)
	if f.compilerInfoFile != "" {
		e.CompilerInfoCache = compilerinfo.New(compilerinfo.DefaultProber{}, f.compilerInfoFile, log)
	}

	watch := e.WatchStalledTasks()
	defer watch.Cancel()

	transportListener, err := newLocalTransport(f.sockPath, f.pipeName)
	if err != nil {
		failedStart(err)
	}

	server := ipc.NewServer(transportListener, ipc.EngineDispatcher{Engine: e}, connCapFor(f.workerThreads), log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		shutdown(server, e)
		os.Exit(0)
	}()

	log.WithField("addr", transportListener.Addr()).WithField("remote", f.remoteHostPort).Info("gomaccd listening")
	if err := server.Serve(); err != nil {
		log.WithError(err).Error("serve failed")
		os.Exit(1)
	}
}

// shutdown stops accepting new IPC connections, waits for in-flight tasks
// (bounded by a grace period) or times out, persists the compiler-info
// cache, then returns for the caller to exit 0.
func shutdown(server *ipc.Server, e *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		e.Log.WithError(err).Warn("shutdown deadline exceeded, in-flight tasks may be abandoned")
	}
	if e.CompilerInfoCache != nil {
		if err := e.CompilerInfoCache.Close(); err != nil {
			e.Log.WithError(err).Warn("failed to persist compiler-info cache")
		}
	}
	e.Pool.Quit()
}

func connCapFor(workerThreads int) int {
	const maxTotalFDs = 4096
	return ipc.ComputeConnCap(maxTotalFDs, workerThreads)
}
