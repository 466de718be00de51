package makegen

import (
	"bytes"
	"strings"
	"testing"

	"benchkit/internal/scan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseTag = "gcr.io/test"

var ossFuzzBenchmarks = []scan.OSSFuzzBenchmark{{
	Name:        "systemd_fuzz-link",
	Project:     "systemd",
	FuzzTarget:  "fuzz-link",
	BuilderHash: "ab12cd34",
}}

func targetIndex(t *testing.T, targets []Target) map[string]Target {
	t.Helper()
	index := make(map[string]Target, len(targets))
	for _, target := range targets {
		_, seen := index[target.Name]
		require.False(t, seen, "duplicate target %s", target.Name)
		index[target.Name] = target
	}
	return index
}

func TestGenerateStandardChain(t *testing.T) {
	generator := NewGenerator(testBaseTag)
	_, targets := generator.Generate(
		[]scan.Fuzzer{{Name: "afl"}}, []string{"libxml_parse"}, nil)
	index := targetIndex(t, targets)

	builder, ok := index[".afl-libxml_parse-builder"]
	require.True(t, ok)
	assert.Equal(t, []string{".afl-builder"}, builder.Deps)
	require.Len(t, builder.Commands, 1)
	assert.Contains(t, builder.Commands[0], "--build-arg fuzzer=afl")
	assert.Contains(t, builder.Commands[0], "--build-arg benchmark=libxml_parse")
	assert.Contains(t, builder.Commands[0], "gcr.io/test/builders/afl/libxml_parse")

	runner, ok := index[".afl-libxml_parse-runner"]
	require.True(t, ok)
	assert.Equal(t,
		[]string{".afl-libxml_parse-builder", ".afl-libxml_parse-intermediate-runner"},
		runner.Deps)

	build, ok := index["build-afl-libxml_parse"]
	require.True(t, ok)
	assert.Equal(t, []string{".afl-libxml_parse-runner"}, build.Deps)
	assert.Empty(t, build.Commands)

	pull, ok := index["pull-afl-libxml_parse"]
	require.True(t, ok)
	assert.Equal(t, []string{".pull-afl-libxml_parse-runner"}, pull.Deps)

	run, ok := index["run-afl-libxml_parse"]
	require.True(t, ok)
	require.Len(t, run.Commands, 1)
	assert.Contains(t, run.Commands[0], "docker run --cpus=1")
	assert.Contains(t, run.Commands[0], "-e FUZZER=afl")
	assert.Contains(t, run.Commands[0], "-e BENCHMARK=libxml_parse")
	assert.Contains(t, run.Commands[0], "-it gcr.io/test/runners/afl/libxml_parse")
	assert.NotContains(t, run.Commands[0], "FORCE_LOCAL")

	testRun, ok := index["test-run-afl-libxml_parse"]
	require.True(t, ok)
	assert.Contains(t, testRun.Commands[0], "-e MAX_TOTAL_TIME=20")

	umbrella, ok := index["build-afl-all"]
	require.True(t, ok)
	assert.Equal(t, []string{"build-afl-libxml_parse"}, umbrella.Deps)

	all, ok := index["build-all"]
	require.True(t, ok)
	assert.Equal(t, []string{"build-afl-all"}, all.Deps)
}

func TestGenerateOSSFuzzChain(t *testing.T) {
	generator := NewGenerator(testBaseTag)
	vars, targets := generator.Generate(
		[]scan.Fuzzer{{Name: "afl"}}, nil, ossFuzzBenchmarks)
	index := targetIndex(t, targets)

	assert.Contains(t, vars, Var{"systemd_fuzz-link-project-name", "systemd"})
	assert.Contains(t, vars, Var{"systemd_fuzz-link-fuzz-target", "fuzz-link"})
	assert.Contains(t, vars, Var{"systemd_fuzz-link-oss-fuzz-builder-hash", "ab12cd34"})

	intermediate, ok := index[".afl-systemd_fuzz-link-oss-fuzz-builder-intermediate"]
	require.True(t, ok)
	assert.Empty(t, intermediate.Deps)
	require.Len(t, intermediate.Commands, 1)
	assert.Contains(t, intermediate.Commands[0],
		"--build-arg parent_image=gcr.io/test/oss-fuzz/$(systemd_fuzz-link-project-name)@sha256:$(systemd_fuzz-link-oss-fuzz-builder-hash)")

	builder, ok := index[".afl-systemd_fuzz-link-oss-fuzz-builder"]
	require.True(t, ok)
	assert.Equal(t, []string{".afl-systemd_fuzz-link-oss-fuzz-builder-intermediate"}, builder.Deps)

	run, ok := index["run-afl-systemd_fuzz-link"]
	require.True(t, ok)
	require.Len(t, run.Commands, 1)
	assert.Contains(t, run.Commands[0], "-e FORCE_LOCAL=1")
	assert.Contains(t, run.Commands[0], "-e FUZZ_TARGET=$(systemd_fuzz-link-fuzz-target)")
}

func TestGenerateCoverageOnlyFuzzer(t *testing.T) {
	generator := NewGenerator(testBaseTag)
	_, targets := generator.Generate(
		[]scan.Fuzzer{{Name: "coverage", CoverageOnly: true}},
		[]string{"libxml_parse"}, ossFuzzBenchmarks)
	index := targetIndex(t, targets)

	build, ok := index["build-coverage-libxml_parse"]
	require.True(t, ok)
	assert.Equal(t, []string{".coverage-libxml_parse-builder"}, build.Deps)

	for _, name := range []string{
		"run-coverage-libxml_parse",
		"run-coverage-systemd_fuzz-link",
		".coverage-libxml_parse-runner",
		".coverage-libxml_parse-intermediate-runner",
	} {
		_, ok := index[name]
		assert.False(t, ok, "unexpected target %s", name)
	}
}

func TestGenerateVariants(t *testing.T) {
	fuzzers := []scan.Fuzzer{{
		Name: "afl",
		Variants: []scan.Variant{{
			Name: "afl_fast",
			Env:  map[string]string{"AFL_FAST_CAL": "1"},
		}},
	}}

	generator := NewGenerator(testBaseTag)
	_, targets := generator.Generate(fuzzers, []string{"libxml_parse"}, nil)
	index := targetIndex(t, targets)

	// Variants run the parent fuzzer's images.
	run, ok := index["run-afl_fast-libxml_parse"]
	require.True(t, ok)
	assert.Equal(t, []string{".afl-libxml_parse-runner"}, run.Deps)
	assert.Contains(t, run.Commands[0], "-e AFL_FAST_CAL=1")
	assert.Contains(t, run.Commands[0], "-it gcr.io/test/runners/afl/libxml_parse")

	// the parent fuzzer's own run target does not pick up the overrides
	parentRun, ok := index["run-afl-libxml_parse"]
	require.True(t, ok)
	assert.NotContains(t, parentRun.Commands[0], "AFL_FAST_CAL")

	for name := range index {
		assert.False(t, strings.HasPrefix(name, ".afl_fast"),
			"variant got its own image target %s", name)
	}

	all, ok := index["build-all"]
	require.True(t, ok)
	assert.Equal(t, []string{"build-afl-all", "build-afl_fast-all"}, all.Deps)
}

// Every dependency must be defined before the target that names it, so
// consumers can process the stream in one pass and no cycle can exist.
func TestGenerateDependenciesPrecedeUse(t *testing.T) {
	fuzzers := []scan.Fuzzer{
		{Name: "afl", Variants: []scan.Variant{{Name: "afl_fast"}}},
		{Name: "coverage", CoverageOnly: true},
		{Name: "libfuzzer"},
	}

	generator := NewGenerator(testBaseTag)
	_, targets := generator.Generate(fuzzers,
		[]string{"libxml_parse", "zlib_compress"}, ossFuzzBenchmarks)

	defined := make(map[string]bool)
	for _, target := range targets {
		for _, dep := range target.Deps {
			assert.True(t, defined[dep], "%s depends on not-yet-defined %s", target.Name, dep)
		}
		defined[target.Name] = true
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	fuzzers := []scan.Fuzzer{
		{Name: "afl", Variants: []scan.Variant{{
			Name: "afl_fast",
			Env:  map[string]string{"B": "2", "A": "1", "C": "3"},
		}}},
		{Name: "coverage", CoverageOnly: true},
	}
	standard := []string{"libxml_parse", "zlib_compress"}

	render := func() []byte {
		generator := NewGenerator(testBaseTag)
		vars, targets := generator.Generate(fuzzers, standard, ossFuzzBenchmarks)
		var buf bytes.Buffer
		require.NoError(t, WriteRules(&buf, vars, targets))
		return buf.Bytes()
	}

	first := render()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, render())
	}
}

func TestFormatEnvOverrides(t *testing.T) {
	flags := formatEnvOverrides(map[string]string{
		"ZZZ":       "last",
		"AFL_ARGS":  "-x dict",
		"THRESHOLD": "0.5",
	})
	assert.Equal(t, []string{
		"-e AFL_ARGS='-x dict'",
		"-e THRESHOLD=0.5",
		"-e ZZZ=last",
	}, flags)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'two words'", shellQuote("two words"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
	assert.Equal(t, "'$(HOME)'", shellQuote("$(HOME)"))
}
