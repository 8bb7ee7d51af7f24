package flags

import (
	"fmt"
	"strings"
)

// MSVCParser implements Parser for cl.exe, following the same "switch on
// prefix, accumulate into ParsedFlags, bail with pf.Err on the first
// unsupported flag" shape as GCCClangParser. /Brepro recognition feeds
// internal/commit's COFF timestamp rewrite gate directly.
type MSVCParser struct{}

func (MSVCParser) Parse(cwd string, argv []string) ParsedFlags {
	pf := ParsedFlags{Family: FamilyMSVC, Args: make([]string, 0, len(argv))}
	if len(argv) == 0 {
		pf.Err = fmt.Errorf("empty command line")
		return pf
	}
	pf.CompilerName = argv[0]

	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "":
			continue
		case strings.HasPrefix(arg, "/Fo") || strings.HasPrefix(arg, "-Fo"):
			pf.OutputFile = arg[3:]
			continue
		case strings.HasPrefix(arg, "/I") || strings.HasPrefix(arg, "-I"):
			dir := arg[2:]
			if dir == "" && i+1 < len(argv) {
				i++
				dir = argv[i]
			}
			pf.IncludeDirs.DirsI = append(pf.IncludeDirs.DirsI, dir)
			continue
		case arg == "/Brepro" || arg == "-Brepro":
			pf.ReproducibleBuild = true
			continue
		case strings.HasSuffix(arg, ".cpp") || strings.HasSuffix(arg, ".cc") || strings.HasSuffix(arg, ".c"):
			if pf.InputFile != "" {
				pf.Err = fmt.Errorf("multiple input source files")
				return pf
			}
			pf.InputFile = arg
			continue
		case arg == "/showIncludes":
			pf.WantsDepFile = true
			continue
		}
		pf.Args = append(pf.Args, arg)
	}

	if pf.Err != nil {
		return pf
	}
	if pf.InputFile == "" {
		pf.Err = fmt.Errorf("no input file specified")
		return pf
	}
	if pf.OutputFile == "" {
		pf.OutputFile = ReplaceExt(pf.InputFile, ".obj")
	}
	pf.Kind = KindCompile
	return pf
}
