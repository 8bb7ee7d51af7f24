package flags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCCClangParseBasicCompile(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-c", "foo.cc", "-o", "foo.o", "-I", "inc"})
	require.NoError(t, pf.Err)
	assert.Equal(t, FamilyGCCClang, pf.Family)
	assert.Equal(t, KindCompile, pf.Kind)
	assert.Equal(t, "foo.cc", pf.InputFile)
	assert.Equal(t, "foo.o", pf.OutputFile)
	assert.Equal(t, []string{"/work/inc"}, pf.IncludeDirs.DirsI)
	assert.Contains(t, pf.Args, "-c")
}

func TestGCCClangParseEmptyArgv(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", nil)
	require.Error(t, pf.Err)
}

func TestGCCClangParseAttachedIncludeFlag(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-Iinc", "-c", "foo.cc", "-o", "foo.o"})
	require.NoError(t, pf.Err)
	assert.Equal(t, []string{"/work/inc"}, pf.IncludeDirs.DirsI)
}

func TestGCCClangParseAbsoluteIncludeUnchanged(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-I", "/usr/include", "-c", "foo.cc", "-o", "foo.o"})
	require.NoError(t, pf.Err)
	assert.Equal(t, []string{"/usr/include"}, pf.IncludeDirs.DirsI)
}

func TestGCCClangParseMarchNativeUnsupported(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-march=native", "-c", "foo.cc", "-o", "foo.o"})
	require.Error(t, pf.Err)
	assert.Contains(t, pf.Err.Error(), "-march=native")
}

func TestGCCClangParseMDSetsDepFile(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-c", "foo.cc", "-o", "foo.o", "-MD"})
	require.NoError(t, pf.Err)
	assert.True(t, pf.WantsDepFile)
	assert.Empty(t, pf.DepFileOverride)
}

func TestGCCClangParseMFSetsDepFileOverride(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-c", "foo.cc", "-o", "foo.o", "-MF", "foo.d"})
	require.NoError(t, pf.Err)
	assert.True(t, pf.WantsDepFile)
	assert.Equal(t, "/work/foo.d", pf.DepFileOverride)
}

func TestGCCClangParseMUnsupported(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-M", "foo.cc"})
	require.Error(t, pf.Err)
}

func TestGCCClangParseMultipleInputFilesRejected(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-c", "foo.cc", "bar.cc", "-o", "foo.o"})
	require.Error(t, pf.Err)
	assert.Contains(t, pf.Err.Error(), "multiple input")
}

func TestGCCClangParseNoInputFile(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-c", "-o", "foo.o"})
	require.Error(t, pf.Err)
	assert.Contains(t, pf.Err.Error(), "no input file")
}

func TestGCCClangParseUnsupportedOutputExtension(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "foo.cc", "-o", "foo.exe"})
	require.Error(t, pf.Err)
}

func TestGCCClangParsePrecompiledHeader(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "foo.h", "-o", "foo.h.gch"})
	require.NoError(t, pf.Err)
	assert.Equal(t, KindPrecompileHeader, pf.Kind)
}

func TestGCCClangParseLinkModeOnObjectArg(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "main.o", "util.a", "-o", "app"})
	assert.Equal(t, KindLink, pf.Kind)
	assert.NoError(t, pf.Err)
}

func TestGCCClangParseXclangPassesThroughUnknownArg(t *testing.T) {
	pf := GCCClangParser{}.Parse("/work", []string{"g++", "-c", "foo.cc", "-o", "foo.o", "-Xclang", "-fsome-flag"})
	require.NoError(t, pf.Err)
	assert.Contains(t, pf.Args, "-Xclang")
	assert.Contains(t, pf.Args, "-fsome-flag")
}

func TestIncludeDirsMergeWith(t *testing.T) {
	d := IncludeDirs{DirsI: []string{"a"}}
	d.MergeWith(IncludeDirs{DirsI: []string{"b"}, DirsIquote: []string{"c"}})
	assert.Equal(t, []string{"a", "b"}, d.DirsI)
	assert.Equal(t, []string{"c"}, d.DirsIquote)
}

func TestReplaceExt(t *testing.T) {
	assert.Equal(t, "foo.d", ReplaceExt("foo.o", ".d"))
	assert.Equal(t, "foo.bar.d", ReplaceExt("foo.bar.o", ".d"))
}

func TestParsedFlagsInputAbs(t *testing.T) {
	pf := ParsedFlags{InputFile: "foo.cc"}
	assert.Equal(t, "/work/foo.cc", pf.InputAbs("/work"))

	abs := ParsedFlags{InputFile: "/abs/foo.cc"}
	assert.Equal(t, "/abs/foo.cc", abs.InputAbs("/work"))

	empty := ParsedFlags{}
	assert.Equal(t, "", empty.InputAbs("/work"))
}
