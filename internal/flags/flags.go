// Package flags implements the command-line flag parser: turning one
// invocation's argv into the input file, expected outputs, include search
// dirs, and the handful of decision bits the engine consults
// (reproducible-build flag, dep-file requests, compiler family). A Parser
// interface lets g++/clang, MSVC, and javac each supply their own grammar
// while sharing ParsedFlags' shape.
package flags

import (
	"path/filepath"
	"strings"
)

// CompilerFamily identifies which grammar produced a ParsedFlags.
type CompilerFamily int

const (
	FamilyUnknown CompilerFamily = iota
	FamilyGCCClang
	FamilyMSVC
	FamilyJavac
)

// InvocationKind classifies the parsed command line, with an Unsupported
// case so the engine can fall back to local compilation immediately on
// parse failure.
type InvocationKind int

const (
	KindUnsupported InvocationKind = iota
	KindCompile
	KindPrecompileHeader
	KindLink
)

// IncludeDirs holds the include search path split into -I / -iquote /
// -isystem / forced -include buckets, since the include processor's search
// order depends on which bucket a dir came from.
type IncludeDirs struct {
	DirsI       []string
	DirsIquote  []string
	DirsIsystem []string
	ForcedFiles []string
}

// MergeWith appends another IncludeDirs' entries (used to add a compiler's
// own default search path on top of the invocation's explicit -I/-isystem).
func (d *IncludeDirs) MergeWith(other IncludeDirs) {
	d.DirsI = append(d.DirsI, other.DirsI...)
	d.DirsIquote = append(d.DirsIquote, other.DirsIquote...)
	d.DirsIsystem = append(d.DirsIsystem, other.DirsIsystem...)
	d.ForcedFiles = append(d.ForcedFiles, other.ForcedFiles...)
}

// ParsedFlags is the Parser collaborator's output.
type ParsedFlags struct {
	Family  CompilerFamily
	Kind    InvocationKind
	Err     error // unsupported option / malformed cmd line; caller falls back to local
	ErrHint string

	CompilerName string   // argv[0]: g++, clang++, cl.exe, javac...
	InputFile    string   // as given on the command line, not yet made absolute
	OutputFile   string   // -o / -Fo / destination class dir
	Args         []string // remaining args forwarded to the remote compiler as-is

	IncludeDirs IncludeDirs

	// WantsDepFile is true if -MD/-MF (or equivalent) asked for a generated
	// dependency file.
	WantsDepFile    bool
	DepFileOverride string // -MF target, empty if derived from OutputFile

	// ReproducibleBuild is MSVC's /Brepro; always false for non-MSVC families.
	ReproducibleBuild bool
}

func (p ParsedFlags) InputAbs(cwd string) string {
	if p.InputFile == "" || filepath.IsAbs(p.InputFile) {
		return p.InputFile
	}
	return filepath.Join(cwd, p.InputFile)
}

// Parser is the Flag Parser external collaborator interface:
// one concrete type per supported compiler family.
type Parser interface {
	Parse(cwd string, argv []string) ParsedFlags
}

// ReplaceExt mirrors common.ReplaceFileExt, duplicated here to keep this
// package's compiler grammars free of a dependency on internal/common's
// filesystem helpers (they operate on names only, never touch disk).
func ReplaceExt(fileName, newExt string) string {
	ext := filepath.Ext(fileName)
	return strings.TrimSuffix(fileName, ext) + newExt
}
