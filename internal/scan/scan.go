// Package scan derives the fuzzer and benchmark descriptors for one
// generation run by inspecting the persisted directory layout. Nothing
// here outlives the scan: descriptors are rebuilt from scratch every
// time the build graph is regenerated.
package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"benchkit/internal/types"

	"go.uber.org/zap"
)

// Fuzzers flagged coverage-only build measurement images but never a
// runnable one.
var coverageOnlyFuzzers = map[string]bool{
	"coverage":              true,
	"coverage_source_based": true,
}

type Fuzzer struct {
	Name         string
	CoverageOnly bool
	Variants     []Variant
}

// OSSFuzzBenchmark is a benchmark imported from the upstream oss-fuzz
// tree, described by its pinned integration manifest.
type OSSFuzzBenchmark struct {
	Name        string
	Project     string
	FuzzTarget  string
	BuilderHash string
}

type Scanner struct {
	logger *zap.Logger
}

func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{logger: logger}
}

// Benchmarks partitions the benchmark directories by kind. A directory
// with an integration manifest is an oss-fuzz benchmark; one with only
// a build.sh is a standard benchmark. The manifest wins when both
// markers are present: integrated benchmarks carry the upstream
// build.sh next to the manifest, and a benchmark must land in exactly
// one set or the generator would emit its targets twice. Directories
// with neither marker are skipped. Results are sorted by name so the
// generated rule stream does not depend on filesystem iteration order.
func (s *Scanner) Benchmarks(benchmarksDir string) ([]string, []OSSFuzzBenchmark, error) {
	entries, err := os.ReadDir(benchmarksDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read benchmarks dir: %w", err)
	}

	var standard []string
	var ossFuzz []OSSFuzzBenchmark
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		benchmarkDir := filepath.Join(benchmarksDir, entry.Name())

		manifestPath := filepath.Join(benchmarkDir, types.ManifestFilename)
		if _, err := os.Stat(manifestPath); err == nil {
			manifest, err := types.LoadManifest(manifestPath)
			if err != nil {
				s.logger.Warn("skipping benchmark with unreadable manifest",
					zap.String("benchmark", entry.Name()),
					zap.Error(err))
				continue
			}
			ossFuzz = append(ossFuzz, OSSFuzzBenchmark{
				Name:        entry.Name(),
				Project:     manifest.Project,
				FuzzTarget:  manifest.FuzzTarget,
				BuilderHash: manifest.BuilderHash,
			})
			continue
		}

		if _, err := os.Stat(filepath.Join(benchmarkDir, "build.sh")); err == nil {
			standard = append(standard, entry.Name())
		}
	}

	sort.Strings(standard)
	sort.Slice(ossFuzz, func(i, j int) bool { return ossFuzz[i].Name < ossFuzz[j].Name })
	return standard, ossFuzz, nil
}

// Fuzzers returns the fuzzer descriptors, sorted by name. A fuzzer
// whose variant config is malformed is dropped from this run; the
// remaining fuzzers are still returned.
func (s *Scanner) Fuzzers(fuzzersDir string) ([]Fuzzer, error) {
	entries, err := os.ReadDir(fuzzersDir)
	if err != nil {
		return nil, fmt.Errorf("read fuzzers dir: %w", err)
	}

	var fuzzers []Fuzzer
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		variants, err := LoadVariants(filepath.Join(fuzzersDir, entry.Name(), VariantsFilename))
		if err != nil {
			s.logger.Error("dropping fuzzer with malformed variant config",
				zap.String("fuzzer", entry.Name()),
				zap.Error(err))
			continue
		}

		fuzzers = append(fuzzers, Fuzzer{
			Name:         entry.Name(),
			CoverageOnly: coverageOnlyFuzzers[entry.Name()],
			Variants:     variants,
		})
	}

	sort.Slice(fuzzers, func(i, j int) bool { return fuzzers[i].Name < fuzzers[j].Name })
	return fuzzers, nil
}
