// Package includes implements the include processor: given a source file
// and its include search path, find every header it transitively pulls
// in, the way a preprocessor would, without actually running one. A quote
// include (#include "x.h") resolves against the including file's own
// directory, then -iquote, then -I, then -isystem; an angle include
// (#include <x.h>) skips the first two and searches only -I then
// -isystem, via a byte-scanning #include detector. Hashing of discovered
// headers is left to internal/hashcache rather than computed eagerly here.
package includes

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomacc-proxy/gomaccd/internal/flags"
)

// IncludedFile is one header found while walking a source file's includes.
type IncludedFile struct {
	AbsPath string
}

// Cache memoizes angle-include resolution (<foo.h> -> absolute path) across
// invocations sharing the same compiler + -isystem set.
type Cache struct {
	resolved map[string]string // "" marks a known-absent include
}

func NewCache() *Cache {
	return &Cache{resolved: make(map[string]string)}
}

type includedArg struct {
	inside        string
	isQuote       bool
	isIncludeNext bool
}

type walker struct {
	dirs    flags.IncludeDirs
	cache   *Cache
	seen    map[string]bool
	ordered []IncludedFile
	err     error
	buf     []byte
}

// Processor is the Include Processor interface.
type Processor interface {
	CollectDependentIncludes(inputAbs string, dirs flags.IncludeDirs) ([]IncludedFile, error)
}

// OwnParser collects includes with a hand-rolled scanner instead of
// shelling out to the real preprocessor.
type OwnParser struct {
	Cache *Cache
}

func NewOwnParser() *OwnParser {
	return &OwnParser{Cache: NewCache()}
}

func (p *OwnParser) CollectDependentIncludes(inputAbs string, dirs flags.IncludeDirs) ([]IncludedFile, error) {
	w := &walker{
		dirs:    dirs,
		cache:   p.Cache,
		seen:    make(map[string]bool, 32),
		ordered: make([]IncludedFile, 0, 16),
		buf:     make([]byte, 32*1024),
	}

	for _, forced := range dirs.ForcedFiles {
		w.resolveAndWalk(inputAbs, includedArg{inside: forced}, true)
	}

	data, err := os.ReadFile(inputAbs)
	if err != nil {
		return nil, err
	}
	for _, arg := range scanIncludeStatements(data) {
		w.resolveAndWalk(inputAbs, arg, false)
	}
	return w.ordered, w.err
}

func (w *walker) resolveAndWalk(currentFile string, arg includedArg, isAbsoluteGiven bool) {
	isAngle := !arg.isQuote && !arg.isIncludeNext

	if isAbsoluteGiven || strings.HasPrefix(arg.inside, "/") {
		w.tryPath(arg.inside)
		return
	}

	if isAngle {
		if cached, ok := w.cache.resolved[arg.inside]; ok {
			if cached != "" {
				w.tryPath(cached)
			}
			return
		}
	}

	var candidates []string
	if arg.isQuote {
		candidates = append(candidates, filepath.Join(filepath.Dir(currentFile), arg.inside))
		for _, dir := range w.dirs.DirsIquote {
			candidates = append(candidates, filepath.Join(dir, arg.inside))
		}
	}
	for _, dir := range w.dirs.DirsI {
		candidates = append(candidates, filepath.Join(dir, arg.inside))
	}
	for _, dir := range w.dirs.DirsIsystem {
		candidates = append(candidates, filepath.Join(dir, arg.inside))
	}

	for _, cand := range candidates {
		if w.tryPath(cand) {
			if isAngle {
				w.cache.resolved[arg.inside] = cand
			}
			return
		}
	}
	if isAngle {
		w.cache.resolved[arg.inside] = ""
	}
}

// tryPath records a successful resolution, recursing into the found file's
// own includes exactly once per absolute path.
func (w *walker) tryPath(absPath string) bool {
	if seen, ok := w.seenResult(absPath); ok {
		return seen
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		w.seen[absPath] = false
		return false
	}
	w.seen[absPath] = true
	w.ordered = append(w.ordered, IncludedFile{AbsPath: absPath})
	for _, nested := range scanIncludeStatements(data) {
		w.resolveAndWalk(absPath, nested, false)
	}
	return true
}

func (w *walker) seenResult(absPath string) (exists bool, known bool) {
	v, ok := w.seen[absPath]
	return v, ok
}

// scanIncludeStatements finds every #include/#include_next directive in
// source text, respecting // and /* */ comments, via a byte-offset state
// machine.
func scanIncludeStatements(buffer []byte) []includedArg {
	const (
		stateNone = iota
		stateAfterHash
		stateAfterInclude
		stateInsideQuote
		stateInsideAngle
	)
	var out []includedArg
	state := stateNone
	isNext := false
	start := 0
	n := len(buffer)

	for offset := 0; offset < n; offset++ {
		switch state {
		case stateNone:
			switch buffer[offset] {
			case '#':
				state = stateAfterHash
			case '/':
				if offset+1 < n && buffer[offset+1] == '/' {
					if idx := bytes.IndexByte(buffer[offset:], '\n'); idx >= 0 {
						offset += idx
					} else {
						offset = n
					}
				} else if offset+1 < n && buffer[offset+1] == '*' {
					if idx := bytes.Index(buffer[offset+2:], []byte("*/")); idx >= 0 {
						offset += idx + 3
					} else {
						offset = n
					}
				}
			}

		case stateAfterHash:
			switch buffer[offset] {
			case ' ', '\t':
			default:
				if n > offset+12 && string(buffer[offset:offset+12]) == "include_next" {
					state = stateAfterInclude
					offset += 11
					isNext = true
				} else if n > offset+7 && string(buffer[offset:offset+7]) == "include" {
					state = stateAfterInclude
					offset += 6
					isNext = false
				} else {
					state = stateNone
				}
			}

		case stateAfterInclude:
			switch buffer[offset] {
			case ' ', '\t':
			case '<':
				start = offset + 1
				state = stateInsideAngle
			case '"':
				start = offset + 1
				state = stateInsideQuote
			default:
				state = stateNone
			}

		case stateInsideAngle:
			switch buffer[offset] {
			case '\n':
				state = stateNone
			case '>':
				out = append(out, includedArg{inside: string(buffer[start:offset]), isQuote: false, isIncludeNext: isNext})
				state = stateNone
			}

		case stateInsideQuote:
			switch buffer[offset] {
			case '\n':
				state = stateNone
			case '"':
				out = append(out, includedArg{inside: string(buffer[start:offset]), isQuote: true, isIncludeNext: isNext})
				state = stateNone
			}
		}
	}
	return out
}
