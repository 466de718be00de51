package measurer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"benchkit/internal/types"
	"benchkit/pkg/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultFuzzTarget = "fuzz-target"
	snapshotBatchSize = 100
	coveredPCPrefix   = "NEW_PC: "
)

// corpusUnit is one input file from an extracted corpus archive,
// addressed by the content hash used in the Redis bookkeeping sets.
type corpusUnit struct {
	path string
	hash string
}

// measureTrial measures consecutive snapshot cycles of one trial,
// starting at req.Cycle, until the next corpus archive has not been
// written yet or the trial's time budget is exhausted.
func (m *Measurer) measureTrial(ctx context.Context, req types.MeasureRequest) error {
	snapshots := make([]*database.Snapshot, 0, snapshotBatchSize)
	flush := func() error {
		if err := database.SaveSnapshots(ctx, m.db, snapshots); err != nil {
			return fmt.Errorf("failed to save snapshots: %w", err)
		}
		snapshots = snapshots[:0]
		return nil
	}

	for cycle := req.Cycle; cycle <= m.maxCycle; cycle++ {
		snapshot, err := m.measureCycle(ctx, req, cycle)
		if err != nil {
			// keep what we already measured
			if ferr := flush(); ferr != nil {
				m.logger.Error("Failed to save partial snapshot batch", zap.Error(ferr))
			}
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
		if snapshot == nil {
			// the runner has not produced this archive yet
			break
		}

		snapshots = append(snapshots, snapshot)
		if len(snapshots) >= snapshotBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// measureCycle replays the cycle's corpus archive through the
// benchmark's coverage binary and records the cumulative coverage.
// Returns (nil, nil) when the archive does not exist.
func (m *Measurer) measureCycle(ctx context.Context, req types.MeasureRequest, cycle int) (*database.Snapshot, error) {
	trialDir := filepath.Join(m.workDir, "experiment-folders",
		fmt.Sprintf("%s-%s", req.Benchmark, req.Fuzzer),
		fmt.Sprintf("trial-%d", req.TrialID))
	archive := filepath.Join(trialDir, "corpus",
		fmt.Sprintf("corpus-archive-%04d.tar.gz", cycle))

	if _, err := os.Stat(archive); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat corpus archive: %w", err)
	}

	extractDir := filepath.Join(os.TempDir(), "benchkit-corpus-"+uuid.New().String())
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction dir: %w", err)
	}
	defer os.RemoveAll(extractDir)

	cmd := exec.CommandContext(ctx, "tar", "-xzf", archive, "-C", extractDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w: %s", archive, err, output)
	}

	units, err := m.newUnits(ctx, req.Benchmark, req.TrialID, extractDir)
	if err != nil {
		return nil, err
	}

	coveredKey := fmt.Sprintf(coveredBranchKey, req.TrialID)
	if len(units) > 0 {
		if err := m.runCoverage(ctx, req, units, coveredKey); err != nil {
			return nil, err
		}
	}

	edges, err := m.redisClient.SCard(ctx, coveredKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count covered branches: %w", err)
	}

	return &database.Snapshot{
		Time:         cycle * int(m.snapshotPeriod.Seconds()),
		TrialID:      req.TrialID,
		EdgesCovered: int(edges),
	}, nil
}

// newUnits lists the corpus files of the extracted archive that have
// neither been measured for this trial nor blacklisted as crashing
// for this benchmark.
func (m *Measurer) newUnits(ctx context.Context, benchmark string, trialID int, dir string) ([]corpusUnit, error) {
	crashKey := fmt.Sprintf(crashingUnitsKey, benchmark)
	measuredKey := fmt.Sprintf(measuredUnitsKey, trialID)

	var units []corpusUnit
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read corpus unit: %w", err)
		}
		hash := fmt.Sprintf("%x", sha256.Sum256(content))

		measured, err := m.redisClient.SIsMember(ctx, measuredKey, hash).Result()
		if err != nil {
			return fmt.Errorf("failed to check measured set: %w", err)
		}
		if measured {
			return nil
		}
		crashing, err := m.redisClient.SIsMember(ctx, crashKey, hash).Result()
		if err != nil {
			return fmt.Errorf("failed to check crashing set: %w", err)
		}
		if crashing {
			return nil
		}

		units = append(units, corpusUnit{path: path, hash: hash})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// runCoverage executes the benchmark's coverage binary over the new
// units, records the covered program counters in Redis and marks the
// units as measured. A crashing batch falls back to per-unit runs so
// the crashing units can be blacklisted individually.
func (m *Measurer) runCoverage(ctx context.Context, req types.MeasureRequest, units []corpusUnit, coveredKey string) error {
	binary := filepath.Join(m.coverageBinariesDir, req.Benchmark, m.fuzzTargetName(req.Benchmark))

	paths := make([]string, len(units))
	for i, unit := range units {
		paths[i] = unit.path
	}

	pcs, runErr := m.coveragePCs(ctx, binary, paths)
	if runErr != nil {
		m.logger.Warn("Coverage batch crashed, rerunning per unit",
			zap.String("benchmark", req.Benchmark),
			zap.Int("trial_id", req.TrialID),
			zap.Error(runErr))
		return m.runCoveragePerUnit(ctx, req, binary, units, coveredKey)
	}

	if err := m.recordCoverage(ctx, coveredKey, pcs); err != nil {
		return err
	}

	measuredKey := fmt.Sprintf(measuredUnitsKey, req.TrialID)
	for _, unit := range units {
		if err := m.redisClient.SAdd(ctx, measuredKey, unit.hash).Err(); err != nil {
			return fmt.Errorf("failed to mark unit measured: %w", err)
		}
	}
	return nil
}

func (m *Measurer) runCoveragePerUnit(ctx context.Context, req types.MeasureRequest, binary string, units []corpusUnit, coveredKey string) error {
	crashKey := fmt.Sprintf(crashingUnitsKey, req.Benchmark)
	measuredKey := fmt.Sprintf(measuredUnitsKey, req.TrialID)

	for _, unit := range units {
		pcs, err := m.coveragePCs(ctx, binary, []string{unit.path})
		if err != nil {
			m.logger.Warn("Corpus unit crashed the coverage binary, blacklisting",
				zap.String("benchmark", req.Benchmark),
				zap.String("unit", unit.hash),
				zap.Error(err))
			if err := m.redisClient.SAdd(ctx, crashKey, unit.hash).Err(); err != nil {
				return fmt.Errorf("failed to blacklist crashing unit: %w", err)
			}
			continue
		}
		if err := m.recordCoverage(ctx, coveredKey, pcs); err != nil {
			return err
		}
		if err := m.redisClient.SAdd(ctx, measuredKey, unit.hash).Err(); err != nil {
			return fmt.Errorf("failed to mark unit measured: %w", err)
		}
	}
	return nil
}

// coveragePCs runs the coverage binary over the given inputs and
// parses the program counters it reports.
func (m *Measurer) coveragePCs(ctx context.Context, binary string, inputs []string) ([]string, error) {
	args := append([]string{"-print_pcs=1", "-runs=0"}, inputs...)
	cmd := exec.CommandContext(ctx, binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// Coverage binaries report PCs on both streams depending on the
	// sanitizer runtime. Parse whatever was produced before failing.
	pcs := parseCoveredPCs(io.MultiReader(&stdout, &stderr))
	if runErr != nil {
		return pcs, fmt.Errorf("coverage run failed: %w: %s", runErr, lastLine(stderr.Bytes()))
	}
	return pcs, nil
}

func (m *Measurer) recordCoverage(ctx context.Context, coveredKey string, pcs []string) error {
	if len(pcs) == 0 {
		return nil
	}
	members := make([]interface{}, len(pcs))
	for i, pc := range pcs {
		members[i] = pc
	}
	if err := m.redisClient.SAdd(ctx, coveredKey, members...).Err(); err != nil {
		return fmt.Errorf("failed to record covered branches: %w", err)
	}
	return nil
}

// fuzzTargetName resolves the coverage binary name of a benchmark.
// Externally-derived benchmarks name their target in the manifest;
// everything else builds the conventional binary name.
func (m *Measurer) fuzzTargetName(benchmark string) string {
	manifest, err := types.LoadManifest(filepath.Join(m.benchmarksDir, benchmark, types.ManifestFilename))
	if err == nil && manifest.FuzzTarget != "" {
		return manifest.FuzzTarget
	}
	return defaultFuzzTarget
}

func parseCoveredPCs(r io.Reader) []string {
	var pcs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, coveredPCPrefix) {
			continue
		}
		pc := strings.TrimSpace(strings.TrimPrefix(line, coveredPCPrefix))
		if pc != "" {
			pcs = append(pcs, pc)
		}
	}
	return pcs
}

func lastLine(output []byte) string {
	lines := bytes.Split(bytes.TrimSpace(output), []byte("\n"))
	return string(lines[len(lines)-1])
}
