package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gomacc-proxy/gomaccd/internal/flags"
)

// resolveCompilerPath resolves argv[0] against the requester-provided PATH
// exactly as a shell would, falling back to exec.LookPath.
func resolveCompilerPath(argv0 string, pathEnv string) (string, error) {
	if strings.Contains(argv0, "/") {
		return argv0, nil
	}
	for _, dir := range strings.Split(pathEnv, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + argv0
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	if p, err := exec.LookPath(argv0); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("cannot resolve compiler %q on PATH", argv0)
}

func familyFor(compilerName string) flags.CompilerFamily {
	base := strings.ToLower(compilerName)
	switch {
	case strings.HasSuffix(base, "cl.exe") || base == "cl":
		return flags.FamilyMSVC
	case strings.HasSuffix(base, "javac"):
		return flags.FamilyJavac
	default:
		return flags.FamilyGCCClang
	}
}

// computeVerifyOutput, computeShouldFallback and computeWeight implement
// Start's three orthogonal predicates.
func computeVerifyOutput(e *Engine) bool {
	return e.Config.VerifyOutput
}

func computeShouldFallback(e *Engine, pf flags.ParsedFlags) bool {
	if pf.Err != nil {
		return true
	}
	switch pf.Kind {
	case flags.KindUnsupported:
		return true
	case flags.KindLink:
		// remote-link is disabled by default in this engine.
		return true
	case flags.KindPrecompileHeader:
		// precompile falls back unless the gch-hack is enabled, in which
		// case Start's own switch races it like an ordinary compile.
		return !e.Config.EnableGchHack
	}
	if pf.InputFile == "-" {
		return true // stdin input
	}
	return false
}

func computeWeight(pf flags.ParsedFlags) Weight {
	if pf.Kind == flags.KindLink {
		return WeightHeavy
	}
	return WeightLight
}

// Start is the INIT entry.
func (t *Task) Start() {
	t.setState(StateInit)

	pathEnv := os.Getenv("PATH")
	family := familyFor(firstNonEmpty(t.argv))
	parser, ok := t.engine.Parsers[family]
	if !ok {
		t.fallbackAndFinish(fmt.Errorf("unsupported compiler family"))
		return
	}
	t.parsed = parser.Parse(t.cwd, t.argv)

	t.verifyOutput = computeVerifyOutput(t.engine)
	t.shouldFallback = computeShouldFallback(t.engine, t.parsed)
	t.weight = computeWeight(t.parsed)
	t.localAllowed = t.engine.Config.UseLocal

	if t.parsed.Err == nil {
		if _, err := resolveCompilerPath(t.parsed.CompilerName, pathEnv); err != nil {
			t.failLocalEnvironment(err)
			return
		}
	}

	// Whether and when to start the local subprocess, evaluated in order:
	switch {
	case t.verifyOutput:
		// 1: schedule local subprocess AND proceed to SETUP.
		if t.localAllowed {
			t.startLocal()
		}
		t.Setup()

	case t.shouldFallback:
		// 2: schedule local subprocess; do NOT proceed to SETUP.
		if t.localAllowed {
			t.startLocal()
		}
		t.finishLocalOnly()

	case t.engine.rollHTTPDisabled():
		// 3: ramp_up roll failed, treat as HTTP-disabled.
		if t.localAllowed {
			t.startLocal()
		}
		t.finishLocalOnly()

	case t.parsed.Kind == flags.KindPrecompileHeader:
		// 4: gch-hack enabled, so case 2 didn't already catch this pch task:
		// schedule local AND proceed to SETUP in parallel, same as case 1.
		if t.localAllowed {
			t.startLocal()
		}
		t.Setup()

	case !t.localAllowed:
		// 5: requester opted out of local fallback.
		t.Setup()

	case t.weight == WeightHeavy:
		// 6: heavy weight — local starts later, from CallExec.
		t.Setup()

	case !t.engine.anyLocalPending() || t.engine.recentlyFailedRemotely(requiredInputHint(t.parsed)) || !t.engine.remoteHealthy():
		// 7: schedule local immediately.
		t.startLocal()
		t.Setup()

	default:
		// 8: delayed local launch.
		t.engine.Pool.RunDelayedClosureInThread(int(t.id), t.engine.localRampDelay(), func() {
			if t.State() < StateFinished {
				t.startLocal()
			}
		})
		t.Setup()
	}
}

func firstNonEmpty(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}

// requiredInputHint gives rule 7's "this task's input" a value before Setup
// has computed the full required-files set.
func requiredInputHint(pf flags.ParsedFlags) []string {
	if pf.InputFile == "" {
		return nil
	}
	return []string{pf.InputFile}
}

// Setup resolves CompilerInfo and computes the required-files set.
func (t *Task) Setup() {
	if t.checkCanceled() {
		return
	}
	t.setState(StateSetup)

	if t.engine.CompilerInfoCache != nil {
		info, err := t.engine.CompilerInfoCache.Lookup(context.Background(), t.parsed.CompilerName, nil)
		if err != nil {
			t.fallbackFromSetup(err, KindCommandSpecMismatch)
			return
		}
		t.compilerInfo = info
	}

	inputAbs := t.parsed.InputAbs(t.cwd)
	var requiredAbs []string
	if inputAbs != "" {
		requiredAbs = append(requiredAbs, inputAbs)
	}
	if t.engine.IncludeProc != nil && inputAbs != "" {
		hFiles, err := t.engine.IncludeProc.CollectDependentIncludes(inputAbs, t.parsed.IncludeDirs)
		if err != nil {
			t.fallbackFromSetup(err, KindInputUploadError)
			return
		}
		for _, h := range hFiles {
			requiredAbs = append(requiredAbs, h.AbsPath)
		}
	}
	requiredAbs = append(requiredAbs, t.parsed.IncludeDirs.ForcedFiles...)

	t.inputs = make([]*inputSlot, 0, len(requiredAbs))
	for _, abs := range requiredAbs {
		t.inputs = append(t.inputs, &inputSlot{absPath: abs})
	}

	t.FileRequest()
}

// fallbackFromSetup rewinds a task from SETUP back to INIT so it retries as
// local-only: kind classifies why Setup bailed (CompilerInfo lookup vs.
// required-input collection) for the logged error.
func (t *Task) fallbackFromSetup(err error, kind ErrorKind) {
	t.logTaskError(kind, err)
	t.setState(StateInit)
	t.shouldFallback = true
	if t.localAllowed && !t.localHasStarted() {
		t.startLocal()
	}
	t.finishLocalOnly()
}

func (t *Task) failLocalEnvironment(err error) {
	te := t.logTaskError(KindLocalEnvironmentError, err)
	t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: " + te.Error()), Diagnostics: []string{te.Error()}})
	t.finish(StateFinished)
}

func (t *Task) fallbackAndFinish(err error) {
	te := t.logTaskError(KindParseError, err)
	if t.engine.Config.Fallback {
		t.startLocal()
		t.finishLocalOnly()
		return
	}
	t.replyWith(Reply{ExitCode: 1, Stderr: []byte("gomacc: unsupported command\n"), Diagnostics: []string{te.Error()}})
	t.finish(StateFinished)
}

// finishLocalOnly waits for the already-scheduled local subprocess and
// replies from it exclusively, never touching the remote path at all.
func (t *Task) finishLocalOnly() {
	t.setState(StateLocalRun)
	go func() {
		res := t.waitLocal()
		t.replyFromLocal(res)
		t.finish(StateLocalFinished)
	}()
}

func (t *Task) checkCanceled() bool {
	if t.IsCanceled() {
		t.finish(StateFinished)
		return true
	}
	select {
	case <-t.reply.Closed():
		t.logTaskError(KindClientCanceled, errClientGone)
		t.setCanceled()
		t.finish(StateFinished)
		return true
	default:
		return false
	}
}

var errClientGone = errors.New("ipc peer disconnected before reply")

func (e *Engine) rollHTTPDisabled() bool {
	if e.Config.RampUp >= 100 {
		return false
	}
	return e.rng.Intn(100) >= e.Config.RampUp
}

func (e *Engine) anyLocalPending() bool {
	return e.pendingLocalCount() > 0
}

func (e *Engine) localRampDelay() time.Duration {
	return 200 * time.Millisecond // tuned by recent remote latency in a fuller implementation
}
