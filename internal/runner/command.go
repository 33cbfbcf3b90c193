package runner

import "sort"

// Result artifact names the test runner writes into the output directory.
// The engine reports these paths to downstream result parsing.
const (
	ResultFile = "output.xml"
	LogFile    = "log.html"
	ReportFile = "report.html"
)

// Args builds the test-runner CLI argument list. outputDir and target are
// passed explicitly because the container substrate maps them to in-container
// paths while the subprocess substrate uses the host paths from the spec.
//
// Variables are emitted in sorted key order so the same spec always produces
// the same argv.
func Args(spec Spec, outputDir, target string) []string {
	args := []string{"--outputdir", outputDir}

	for _, tag := range spec.IncludeTags {
		args = append(args, "--include", tag)
	}
	for _, tag := range spec.ExcludeTags {
		args = append(args, "--exclude", tag)
	}

	keys := make([]string, 0, len(spec.Variables))
	for k := range spec.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--variable", k+":"+spec.Variables[k])
	}

	return append(args, target)
}
