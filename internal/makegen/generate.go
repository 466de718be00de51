package makegen

import (
	"fmt"
	"sort"
	"strings"

	"benchkit/internal/scan"
)

// Generator produces the build-target graph for every combination of
// fuzzer, fuzzer variant and benchmark. It is a pure function of its
// inputs: two runs over the same scan produce identical output.
type Generator struct {
	// BaseTag prefixes every generated image tag, e.g. "gcr.io/benchkit".
	BaseTag string
}

func NewGenerator(baseTag string) *Generator {
	return &Generator{BaseTag: baseTag}
}

// Generate returns the make variables and the ordered target sequence
// for the given scan results. Callers wanting reproducible output must
// pass sorted fuzzer and benchmark sets; the scanner already does.
func (g *Generator) Generate(fuzzers []scan.Fuzzer, standard []string, ossFuzz []scan.OSSFuzzBenchmark) ([]Var, []Target) {
	e := &emitter{baseTag: g.BaseTag}

	for _, benchmark := range ossFuzz {
		e.vars = append(e.vars,
			Var{benchmark.Name + "-project-name", benchmark.Project},
			Var{benchmark.Name + "-fuzz-target", benchmark.FuzzTarget},
			Var{benchmark.Name + "-oss-fuzz-builder-hash", benchmark.BuilderHash},
		)
	}

	e.baseTargets()

	var umbrellas []string
	for _, fuzzer := range fuzzers {
		e.fuzzerBuilder(fuzzer.Name)

		for _, benchmark := range standard {
			e.benchmarkChain(fuzzer, benchmark)
		}
		for _, benchmark := range ossFuzz {
			e.ossFuzzChain(fuzzer, benchmark.Name)
		}
		e.umbrella(fuzzer.Name, standard, ossFuzz)
		umbrellas = append(umbrellas, fuzzer.Name)

		// Variants reuse the parent fuzzer's images and only get their
		// own run-target namespace and umbrella.
		for _, variant := range fuzzer.Variants {
			for _, benchmark := range standard {
				e.runGroup(fuzzer, variant.Name, variant.Env, benchmark, false)
			}
			for _, benchmark := range ossFuzz {
				e.runGroup(fuzzer, variant.Name, variant.Env, benchmark.Name, true)
			}
			e.umbrella(variant.Name, standard, ossFuzz)
			umbrellas = append(umbrellas, variant.Name)
		}
	}

	buildAll := make([]string, len(umbrellas))
	pullAll := make([]string, len(umbrellas))
	for i, name := range umbrellas {
		buildAll[i] = "build-" + name + "-all"
		pullAll[i] = "pull-" + name + "-all"
	}
	e.target("build-all", buildAll)
	e.target("pull-all", pullAll)

	return e.vars, e.targets
}

type emitter struct {
	baseTag string
	vars    []Var
	targets []Target
}

func (e *emitter) target(name string, deps []string, commands ...string) {
	e.targets = append(e.targets, Target{Name: name, Deps: deps, Commands: commands})
}

func (e *emitter) baseTargets() {
	for _, base := range []string{"base-builder", "base-runner"} {
		image := e.baseTag + "/" + base
		e.target(base, nil, fmt.Sprintf(
			"docker build --tag %s --file docker/%s/Dockerfile $(call cache_from,%s) docker/%s",
			image, base, image, base))
		e.target("pull-"+base, nil, "docker pull "+image)
	}
}

func (e *emitter) fuzzerBuilder(fuzzer string) {
	image := e.builderTag(fuzzer)
	e.target("."+fuzzer+"-builder", []string{"base-builder"}, fmt.Sprintf(
		"docker build --tag %s --file fuzzers/%s/builder.Dockerfile $(call cache_from,%s) fuzzers/%s",
		image, fuzzer, image, fuzzer))
	e.target(".pull-"+fuzzer+"-builder", []string{"pull-base-builder"}, "docker pull "+image)
}

// benchmarkChain emits the builder -> intermediate-runner -> runner
// chain for a standard benchmark, then the convenience run group.
// Coverage-only fuzzers stop at the builder.
func (e *emitter) benchmarkChain(fuzzer scan.Fuzzer, benchmark string) {
	pair := fuzzer.Name + "-" + benchmark
	builderImage := e.builderTag(fuzzer.Name) + "/" + benchmark

	e.target("."+pair+"-builder", []string{"." + fuzzer.Name + "-builder"}, fmt.Sprintf(
		"docker build --tag %s --build-arg fuzzer=%s --build-arg benchmark=%s $(call cache_from,%s) --file docker/benchmark-builder/Dockerfile .",
		builderImage, fuzzer.Name, benchmark, builderImage))
	e.target(".pull-"+pair+"-builder", []string{".pull-" + fuzzer.Name + "-builder"},
		"docker pull "+builderImage)

	if fuzzer.CoverageOnly {
		// Coverage builds don't need runners.
		e.target("build-"+pair, []string{"." + pair + "-builder"})
		e.target("pull-"+pair, []string{".pull-" + pair + "-builder"})
		return
	}

	e.runnerChain(fuzzer.Name, benchmark, pair, "."+pair+"-builder", ".pull-"+pair+"-builder",
		"docker/benchmark-runner/Dockerfile")
	e.runGroup(fuzzer, fuzzer.Name, nil, benchmark, false)
}

// ossFuzzChain emits the chain for an oss-fuzz benchmark. The extra
// builder-intermediate target builds atop the benchmark's own pinned
// project image instead of the shared base-builder; its parent image
// reference is left as make variables resolved at build time.
func (e *emitter) ossFuzzChain(fuzzer scan.Fuzzer, benchmark string) {
	pair := fuzzer.Name + "-" + benchmark
	intermediateImage := e.builderTag(fuzzer.Name) + "/" + benchmark + "-intermediate"
	builderImage := e.builderTag(fuzzer.Name) + "/" + benchmark

	e.target("."+pair+"-oss-fuzz-builder-intermediate", nil, fmt.Sprintf(
		"docker build --tag %s --file=fuzzers/%s/builder.Dockerfile --build-arg parent_image=%s/oss-fuzz/$(%s-project-name)@sha256:$(%s-oss-fuzz-builder-hash) $(call cache_from,%s) fuzzers/%s",
		intermediateImage, fuzzer.Name, e.baseTag, benchmark, benchmark, intermediateImage, fuzzer.Name))
	e.target(".pull-"+pair+"-oss-fuzz-builder-intermediate", nil, "docker pull "+intermediateImage)

	e.target("."+pair+"-oss-fuzz-builder", []string{"." + pair + "-oss-fuzz-builder-intermediate"}, fmt.Sprintf(
		"docker build --tag %s --file=docker/oss-fuzz-builder/Dockerfile --build-arg parent_image=%s --build-arg fuzzer=%s --build-arg benchmark=%s $(call cache_from,%s) .",
		builderImage, intermediateImage, fuzzer.Name, benchmark, builderImage))
	e.target(".pull-"+pair+"-oss-fuzz-builder", []string{".pull-" + pair + "-oss-fuzz-builder-intermediate"},
		"docker pull "+builderImage)

	if fuzzer.CoverageOnly {
		e.target("build-"+pair, []string{"." + pair + "-oss-fuzz-builder"})
		e.target("pull-"+pair, []string{".pull-" + pair + "-oss-fuzz-builder"})
		return
	}

	e.runnerChain(fuzzer.Name, benchmark, pair+"-oss-fuzz",
		"."+pair+"-oss-fuzz-builder", ".pull-"+pair+"-oss-fuzz-builder",
		"docker/oss-fuzz-runner/Dockerfile")
	e.runGroup(fuzzer, fuzzer.Name, nil, benchmark, true)
}

// runnerChain emits the intermediate-runner and runner targets shared
// by both benchmark kinds. chainName qualifies the target names while
// the image tags stay per fuzzer/benchmark pair.
func (e *emitter) runnerChain(fuzzer, benchmark, chainName, builderDep, pullBuilderDep, dockerfile string) {
	runnerImage := e.runnerTag(fuzzer, benchmark)
	intermediateImage := runnerImage + "-intermediate"

	e.target("."+chainName+"-intermediate-runner", []string{"base-runner"}, fmt.Sprintf(
		"docker build --tag %s --file fuzzers/%s/runner.Dockerfile $(call cache_from,%s) fuzzers/%s",
		intermediateImage, fuzzer, intermediateImage, fuzzer))
	e.target(".pull-"+chainName+"-intermediate-runner", []string{"pull-base-runner"},
		"docker pull "+intermediateImage)

	e.target("."+chainName+"-runner",
		[]string{builderDep, "." + chainName + "-intermediate-runner"}, fmt.Sprintf(
			"docker build --tag %s --build-arg fuzzer=%s --build-arg benchmark=%s $(call cache_from,%s) --file %s .",
			runnerImage, fuzzer, benchmark, runnerImage, dockerfile))
	e.target(".pull-"+chainName+"-runner",
		[]string{pullBuilderDep, ".pull-" + chainName + "-intermediate-runner"},
		"docker pull "+runnerImage)
}

// runGroup emits the public build/pull/run/test-run/debug targets under
// the given namespace (the fuzzer's own name, or a variant's). Coverage
// only fuzzers never reach here for their own namespace and get no run
// targets for variants either.
func (e *emitter) runGroup(fuzzer scan.Fuzzer, namespace string, env map[string]string, benchmark string, isOSSFuzz bool) {
	pair := fuzzer.Name + "-" + benchmark
	chainName := pair
	if isOSSFuzz {
		chainName = pair + "-oss-fuzz"
	}
	runner := "." + chainName + "-runner"
	pullRunner := ".pull-" + chainName + "-runner"
	if fuzzer.CoverageOnly {
		runner = "." + chainName + "-builder"
		pullRunner = ".pull-" + chainName + "-builder"
	}

	e.target("build-"+namespace+"-"+benchmark, []string{runner})
	e.target("pull-"+namespace+"-"+benchmark, []string{pullRunner})

	if fuzzer.CoverageOnly {
		return
	}

	runnerImage := e.runnerTag(fuzzer.Name, benchmark)
	baseEnv := []string{
		"-e FUZZ_OUTSIDE_EXPERIMENT=1",
	}
	if isOSSFuzz {
		baseEnv = append(baseEnv, "-e FORCE_LOCAL=1")
	}
	baseEnv = append(baseEnv,
		"-e TRIAL_ID=1",
		"-e FUZZER="+fuzzer.Name,
		"-e BENCHMARK="+benchmark,
	)
	if isOSSFuzz {
		baseEnv = append(baseEnv, fmt.Sprintf("-e FUZZ_TARGET=$(%s-fuzz-target)", benchmark))
	}
	overrides := formatEnvOverrides(env)

	run := func(extra ...string) string {
		parts := []string{"docker run"}
		parts = append(parts, extra...)
		parts = append(parts, "--cap-add SYS_NICE", "--cap-add SYS_PTRACE")
		parts = append(parts, baseEnv...)
		return strings.Join(parts, " ")
	}

	e.target("run-"+namespace+"-"+benchmark, []string{runner},
		strings.Join(append([]string{run("--cpus=1")}, append(overrides, "-it "+runnerImage)...), " "))
	e.target("test-run-"+namespace+"-"+benchmark, []string{runner},
		strings.Join(append([]string{run(), "-e MAX_TOTAL_TIME=20", "-e SNAPSHOT_PERIOD=10"},
			append(overrides, runnerImage)...), " "))
	e.target("debug-"+namespace+"-"+benchmark, []string{runner},
		strings.Join(append([]string{run("--cpus=1")},
			append(overrides, "--entrypoint \"/bin/bash\"", "-it "+runnerImage)...), " "))
}

// umbrella emits the per-namespace build-all/pull-all aggregates over
// every benchmark just emitted, in emission order.
func (e *emitter) umbrella(namespace string, standard []string, ossFuzz []scan.OSSFuzzBenchmark) {
	var buildDeps, pullDeps []string
	for _, benchmark := range standard {
		buildDeps = append(buildDeps, "build-"+namespace+"-"+benchmark)
		pullDeps = append(pullDeps, "pull-"+namespace+"-"+benchmark)
	}
	for _, benchmark := range ossFuzz {
		buildDeps = append(buildDeps, "build-"+namespace+"-"+benchmark.Name)
		pullDeps = append(pullDeps, "pull-"+namespace+"-"+benchmark.Name)
	}
	e.target("build-"+namespace+"-all", buildDeps)
	e.target("pull-"+namespace+"-all", pullDeps)
}

func (e *emitter) builderTag(fuzzer string) string {
	return e.baseTag + "/builders/" + fuzzer
}

func (e *emitter) runnerTag(fuzzer, benchmark string) string {
	return e.baseTag + "/runners/" + fuzzer + "/" + benchmark
}

// formatEnvOverrides renders a variant's environment overrides as
// docker -e flags, shell-quoted, in sorted key order so generation is
// deterministic.
func formatEnvOverrides(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	flags := make([]string, 0, len(keys))
	for _, key := range keys {
		flags = append(flags, fmt.Sprintf("-e %s=%s", key, shellQuote(env[key])))
	}
	return flags
}

// shellQuote single-quotes a value for use in a shell command unless it
// is already a safe token.
func shellQuote(value string) string {
	if value != "" && !strings.ContainsAny(value, " \t\n\"'`$\\!*?[]{}()<>|&;~#") {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
