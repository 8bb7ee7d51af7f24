package flags

import (
	"fmt"
	"strings"
)

// JavacParser implements Parser for javac. javac's invocation surface the engine cares about is much
// smaller than a C/C++ compiler's: one or more .java inputs, a -d output
// directory, and a classpath that plays the same role -I does for C/C++
// (it is handled as IncludeDirs.DirsI so the include processor/upload
// coordinator can treat classpath entries uniformly with header search
// dirs). Kept light.
type JavacParser struct{}

func (JavacParser) Parse(cwd string, argv []string) ParsedFlags {
	pf := ParsedFlags{Family: FamilyJavac, Args: make([]string, 0, len(argv))}
	if len(argv) == 0 {
		pf.Err = fmt.Errorf("empty command line")
		return pf
	}
	pf.CompilerName = argv[0]

	for i := 1; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-d":
			if i+1 >= len(argv) {
				pf.Err = fmt.Errorf("no argument after -d")
				return pf
			}
			i++
			pf.OutputFile = argv[i]
		case arg == "-cp" || arg == "-classpath":
			if i+1 >= len(argv) {
				pf.Err = fmt.Errorf("no argument after %s", arg)
				return pf
			}
			i++
			for _, entry := range strings.Split(argv[i], ":") {
				pf.IncludeDirs.DirsI = append(pf.IncludeDirs.DirsI, entry)
			}
		case strings.HasSuffix(arg, ".java"):
			if pf.InputFile != "" {
				pf.Err = fmt.Errorf("multiple input source files")
				return pf
			}
			pf.InputFile = arg
		default:
			pf.Args = append(pf.Args, arg)
		}
	}

	if pf.InputFile == "" {
		pf.Err = fmt.Errorf("no input file specified")
		return pf
	}
	if pf.OutputFile == "" {
		pf.OutputFile = "."
	}
	pf.Kind = KindCompile
	return pf
}
