package flags

import (
	"fmt"
	"path/filepath"
	"strings"
)

// GCCClangParser implements Parser for g++/gcc/clang/clang++ as a pure
// argv -> ParsedFlags function; per-task bookkeeping (upload tracking,
// summaries, ...) belongs to the engine, not the parser.
type GCCClangParser struct{}

func isSourceFileName(name string) bool {
	for _, ext := range []string{".cpp", ".cc", ".cxx", ".c"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func isHeaderFileName(name string) bool {
	for _, ext := range []string{".h", ".hh", ".hxx", ".hpp"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func (GCCClangParser) Parse(cwd string, argv []string) ParsedFlags {
	pf := ParsedFlags{Family: FamilyGCCClang, Args: make([]string, 0, len(argv))}
	if len(argv) == 0 {
		pf.Err = fmt.Errorf("empty command line")
		return pf
	}
	pf.CompilerName = argv[0]

	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cwd, p)
	}

	argFile := func(key, arg string, i *int) (string, bool) {
		if arg == key {
			if *i+1 < len(argv) {
				*i++
				if argv[*i] == "-Xclang" && *i+1 < len(argv) {
					*i++
				}
				return argv[*i], true
			}
			pf.Err = fmt.Errorf("no argument after %s", arg)
			return "", false
		}
		if strings.HasPrefix(arg, key) && len(arg) > len(key) {
			return arg[len(key):], true
		}
		return "", false
	}

	argStr := func(key, arg string, i *int) (string, bool) {
		if arg != key {
			return "", false
		}
		if *i+1 < len(argv) {
			*i++
			return argv[*i], true
		}
		pf.Err = fmt.Errorf("no argument after %s", arg)
		return "", false
	}

	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		if arg == "" {
			continue
		}
		if arg[0] == '-' {
			if oFile, ok := argFile("-o", arg, &i); ok {
				pf.OutputFile = oFile
				continue
			} else if pf.Err != nil {
				return pf
			}
			if dir, ok := argFile("-I", arg, &i); ok {
				pf.IncludeDirs.DirsI = append(pf.IncludeDirs.DirsI, abs(dir))
				continue
			} else if dir, ok := argFile("-iquote", arg, &i); ok {
				pf.IncludeDirs.DirsIquote = append(pf.IncludeDirs.DirsIquote, abs(dir))
				continue
			} else if dir, ok := argFile("-isystem", arg, &i); ok {
				pf.IncludeDirs.DirsIsystem = append(pf.IncludeDirs.DirsIsystem, abs(dir))
				continue
			} else if f, ok := argFile("-include", arg, &i); ok {
				pf.IncludeDirs.ForcedFiles = append(pf.IncludeDirs.ForcedFiles, abs(f))
				continue
			}
			switch {
			case arg == "-march=native":
				pf.Err = fmt.Errorf("-march=native can't be launched remotely")
				return pf
			case arg == "-I-" || arg == "-E" || arg == "-nostdinc" || arg == "-nostdinc++" ||
				strings.HasPrefix(arg, "-iprefix") || strings.HasPrefix(arg, "-idirafter") || strings.HasPrefix(arg, "--sysroot"):
				pf.Err = fmt.Errorf("unsupported option: %s", arg)
				return pf
			case arg == "-MF":
				if v, ok := argStr("-MF", arg, &i); ok {
					pf.WantsDepFile = true
					pf.DepFileOverride = abs(v)
					continue
				}
				return pf
			case arg == "-MD" || arg == "-MMD":
				pf.WantsDepFile = true
				continue
			case arg == "-M" || arg == "-MM" || arg == "-MG":
				pf.Err = fmt.Errorf("unsupported option: %s", arg)
				return pf
			case arg == "-Xclang" && i < len(argv)-1:
				xArg := argv[i+1]
				if xArg == "-I" || xArg == "-iquote" || xArg == "-isystem" || xArg == "-include" {
					continue
				}
				pf.Args = append(pf.Args, "-Xclang", xArg)
				i++
				continue
			}
			pf.Args = append(pf.Args, arg)
			continue
		}
		if isSourceFileName(arg) || isHeaderFileName(arg) {
			if pf.InputFile != "" {
				pf.Err = fmt.Errorf("multiple input source files")
				return pf
			}
			pf.InputFile = arg
			continue
		}
		if strings.HasSuffix(arg, ".o") || strings.HasSuffix(arg, ".so") || strings.HasSuffix(arg, ".a") {
			pf.Kind = KindLink
			return pf
		}
		pf.Args = append(pf.Args, arg)
	}

	if pf.Err != nil {
		return pf
	}
	switch {
	case pf.InputFile == "":
		pf.Err = fmt.Errorf("no input file specified")
	case strings.HasSuffix(pf.OutputFile, ".o"):
		pf.Kind = KindCompile
	case strings.Contains(pf.OutputFile, ".gch") || strings.Contains(pf.OutputFile, ".pch"):
		pf.Kind = KindPrecompileHeader
	default:
		pf.Err = fmt.Errorf("unsupported output file extension: %s", pf.OutputFile)
	}
	return pf
}
