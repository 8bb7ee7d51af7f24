package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomacc-proxy/gomaccd/internal/config"
	"github.com/gomacc-proxy/gomaccd/internal/flags"
	"github.com/gomacc-proxy/gomaccd/internal/upload"
)

func TestComputeShouldFallbackUnsupportedAlwaysFallsBack(t *testing.T) {
	e := testEngine(t, config.Default())
	assert.True(t, computeShouldFallback(e, flags.ParsedFlags{Kind: flags.KindUnsupported}))
}

func TestComputeShouldFallbackParseErrorAlwaysFallsBack(t *testing.T) {
	e := testEngine(t, config.Default())
	pf := flags.ParsedFlags{Err: assertError("bad command line")}
	assert.True(t, computeShouldFallback(e, pf))
}

func TestComputeShouldFallbackLinkAlwaysFallsBack(t *testing.T) {
	e := testEngine(t, config.Default())
	assert.True(t, computeShouldFallback(e, flags.ParsedFlags{Kind: flags.KindLink}))
}

func TestComputeShouldFallbackStdinInputFallsBack(t *testing.T) {
	e := testEngine(t, config.Default())
	pf := flags.ParsedFlags{Kind: flags.KindCompile, InputFile: "-"}
	assert.True(t, computeShouldFallback(e, pf))
}

func TestComputeShouldFallbackPrecompileHeaderFallsBackWithoutGchHack(t *testing.T) {
	cfg := config.Default()
	cfg.EnableGchHack = false
	e := testEngine(t, cfg)
	assert.True(t, computeShouldFallback(e, flags.ParsedFlags{Kind: flags.KindPrecompileHeader}))
}

func TestComputeShouldFallbackPrecompileHeaderProceedsWithGchHackEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.EnableGchHack = true
	e := testEngine(t, cfg)
	assert.False(t, computeShouldFallback(e, flags.ParsedFlags{Kind: flags.KindPrecompileHeader}))
}

func precompileEngine(t *testing.T, enableGchHack bool) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.EnableGchHack = enableGchHack
	e := testEngine(t, cfg)
	e.Parsers = map[flags.CompilerFamily]flags.Parser{
		flags.FamilyGCCClang: flags.GCCClangParser{},
	}
	e.Transport = fakeExecTransport{}
	e.Coordinator = upload.New(e.HashCache, fakeUploader{}, cfg)
	return e
}

func TestStartPrecompileHeaderWithoutGchHackRunsLocalOnly(t *testing.T) {
	e := precompileEngine(t, false)
	task := e.NewTask(t.TempDir(), []string{"/bin/true", "-c", "foo.h", "-o", "foo.h.gch"}, newFakeReplySink())

	task.Start()

	require.Eventually(t, func() bool {
		return task.State() == StateLocalRun || task.State() == StateLocalFinished
	}, time.Second, 2*time.Millisecond)
	assert.True(t, task.shouldFallback)
	assert.Empty(t, task.inputs, "case 2 must never reach Setup, so no required-inputs are computed")
}

func TestStartPrecompileHeaderWithGchHackRacesLocalAndRemote(t *testing.T) {
	e := precompileEngine(t, true)
	task := e.NewTask(t.TempDir(), []string{"/bin/true", "-c", "foo.h", "-o", "foo.h.gch"}, newFakeReplySink())

	task.Start()

	assert.False(t, task.shouldFallback)
	assert.True(t, task.localHasStarted(), "the gch-hack path still schedules a local compile in parallel")
	assert.NotEmpty(t, task.inputs, "case 4 must reach Setup/FileRequest instead of being caught by case 2")
}
