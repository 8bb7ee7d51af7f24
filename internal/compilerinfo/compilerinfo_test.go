package compilerinfo

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

type stubProber struct {
	calls int32
	info  Info
	err   error
}

func (p *stubProber) Probe(ctx context.Context, compilerPath string, extraFlags []string) (Info, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.info, p.err
}

func TestLookupCachesPositiveResult(t *testing.T) {
	prober := &stubProber{info: Info{CompilerPath: "/usr/bin/g++", Version: "g++ 12.2"}}
	c := New(prober, "", nil)

	info1, err := c.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)
	info2, err := c.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)

	assert.Equal(t, info1.Version, info2.Version)
	assert.EqualValues(t, 1, atomic.LoadInt32(&prober.calls), "a cached positive lookup must not re-probe")
}

func TestLookupCachesNegativeResult(t *testing.T) {
	prober := &stubProber{err: errors.New("exec: not found")}
	c := New(prober, "", nil)

	_, err1 := c.Lookup(context.Background(), "/usr/bin/ghost", nil)
	_, err2 := c.Lookup(context.Background(), "/usr/bin/ghost", nil)

	require.Error(t, err1)
	require.Error(t, err2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&prober.calls), "a still-fresh negative entry must not re-probe")
}

func TestLookupDistinguishesExtraFlags(t *testing.T) {
	prober := &stubProber{info: Info{CompilerPath: "/usr/bin/cc"}}
	c := New(prober, "", nil)

	_, err := c.Lookup(context.Background(), "/usr/bin/cc", nil)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "/usr/bin/cc", []string{"-m32"})
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&prober.calls), "distinct extraFlags must key a distinct cache entry")
}

func TestDropEvictsEntry(t *testing.T) {
	prober := &stubProber{info: Info{CompilerPath: "/usr/bin/g++"}}
	c := New(prober, "", nil)

	_, err := c.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	c.Drop("/usr/bin/g++", nil)
	assert.Equal(t, 0, c.Len())

	_, err = c.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&prober.calls), "after Drop, the next Lookup must re-probe")
}

func TestDisablePermanentlyFailsLookup(t *testing.T) {
	prober := &stubProber{info: Info{CompilerPath: "/usr/bin/g++"}}
	c := New(prober, "", nil)

	_, err := c.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)

	reason := errors.New("compiler identity mismatch")
	c.Disable("/usr/bin/g++", reason)

	_, err = c.Lookup(context.Background(), "/usr/bin/g++", nil)
	assert.Equal(t, reason, err)

	_, err = c.Lookup(context.Background(), "/usr/bin/g++", []string{"-m32"})
	assert.Equal(t, reason, err, "Disable must apply to every extraFlags variant of the compiler path")
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "compiler-info.json")

	prober := &stubProber{info: Info{CompilerPath: "/usr/bin/g++", Version: "g++ 12.2", Target: "x86_64-linux-gnu"}}
	c1 := New(prober, cacheFile, nil)
	_, err := c1.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	prober2 := &stubProber{}
	c2 := New(prober2, cacheFile, nil)
	defer c2.Close()

	info, err := c2.Lookup(context.Background(), "/usr/bin/g++", nil)
	require.NoError(t, err)
	assert.Equal(t, "g++ 12.2", info.Version)
	assert.EqualValues(t, 0, atomic.LoadInt32(&prober2.calls), "a reloaded positive entry must not re-probe")
}
