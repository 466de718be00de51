// Package integrate materializes one reproducible benchmark
// definition: it copies the upstream project files as of a historical
// commit, pins the base-builder image to the digest current at that
// date, and persists the integration manifest.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"benchkit/config"
	"benchkit/internal/gitrepo"
	"benchkit/internal/registry"
	"benchkit/internal/types"
	"benchkit/internal/utils"
	"benchkit/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Request describes one benchmark onboarding.
type Request struct {
	Project    string
	FuzzTarget string
	Commit     string    // project commit hash inside the upstream image
	Date       time.Time // date of that commit, UTC
	RepoPath   string    // project repo path inside the image, e.g. /src/systemd

	// BenchmarkName overrides the default <project>_<fuzz_target> name.
	BenchmarkName string
}

func (r Request) benchmarkName() string {
	if r.BenchmarkName != "" {
		return r.BenchmarkName
	}
	return r.Project + "_" + r.FuzzTarget
}

type Integrator struct {
	logger   *zap.Logger
	tracers  *telemetry.TracerFactory
	git      gitrepo.SourceControl
	registry registry.Client

	ossFuzzDir       string
	benchmarksDir    string
	baseBuilderImage string
}

type IntegratorParams struct {
	fx.In

	Logger   *zap.Logger
	Config   *config.AppConfig
	Git      gitrepo.SourceControl
	Registry registry.Client
	Tracers  *telemetry.TracerFactory
}

func NewIntegrator(p IntegratorParams) *Integrator {
	return &Integrator{
		logger:           p.Logger,
		tracers:          p.Tracers,
		git:              p.Git,
		registry:         p.Registry,
		ossFuzzDir:       p.Config.OSSFuzzDir,
		benchmarksDir:    p.Config.BenchmarksDir,
		baseBuilderImage: p.Config.BaseBuilderImage,
	}
}

// Integrate runs the full onboarding for one benchmark. A failed copy
// or a missing prior commit aborts the operation; a partially written
// benchmark directory is left on disk for the operator to inspect.
func (i *Integrator) Integrate(ctx context.Context, req Request) error {
	name := req.benchmarkName()
	benchmarkDir := filepath.Join(i.benchmarksDir, name)

	tracer := i.tracers.NewTracer(ctx, "integrating benchmark")
	tracer.Start()
	tracer.SetAttribute("benchmark", name)
	defer tracer.End()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	i.logger.Info("integrating benchmark",
		zap.String("benchmark", name),
		zap.String("project", req.Project),
		zap.Time("date", req.Date))

	commit, err := i.copyProjectFiles(ctx, req, benchmarkDir)
	if err != nil {
		tracer.SetStatus(codes.Error, "copying project files failed")
		return fmt.Errorf("copy project files for %s: %w", name, err)
	}

	builderHash, err := i.pinBaseBuilder(ctx, benchmarkDir, req.Date)
	if err != nil {
		tracer.SetStatus(codes.Error, "pinning base-builder failed")
		return fmt.Errorf("pin base-builder for %s: %w", name, err)
	}

	manifest := &types.Manifest{
		Project:     req.Project,
		FuzzTarget:  req.FuzzTarget,
		Commit:      commit,
		CommitDate:  req.Date.UTC(),
		RepoPath:    req.RepoPath,
		BuilderHash: builderHash,
	}
	if err := manifest.Write(filepath.Join(benchmarkDir, types.ManifestFilename)); err != nil {
		tracer.SetStatus(codes.Error, "writing manifest failed")
		return fmt.Errorf("persist manifest for %s: %w", name, err)
	}

	tracer.SetStatus(codes.Ok, "benchmark integrated")
	i.logger.Info("benchmark integrated", zap.String("benchmark", name))
	return nil
}

// copyProjectFiles checks out the project subtree as of the requested
// commit, or of the last upstream commit before the requested date,
// and copies it into benchmarkDir. The shared working tree is reset
// unconditionally before returning. Returns the commit used.
func (i *Integrator) copyProjectFiles(ctx context.Context, req Request, benchmarkDir string) (string, error) {
	span := telemetry.FromContext(ctx).Spawn("copying project files")
	span.Start()
	defer span.End()

	projectsPath := path.Join("projects", req.Project)

	commit := req.Commit
	if commit == "" {
		var err error
		commit, err = i.git.LogBefore(ctx, req.Date, projectsPath)
		if err != nil {
			if errors.Is(err, gitrepo.ErrNoPriorCommit) {
				i.logger.Warn("no suitable earlier upstream commit found",
					zap.String("project", req.Project),
					zap.Time("date", req.Date))
			}
			return "", err
		}
	}
	i.logger.Info("using upstream commit", zap.String("commit", commit))

	// The checkout mutates the shared working tree; undo it no matter
	// how the copy goes.
	defer func() {
		if err := i.git.ResetHard(ctx); err != nil {
			i.logger.Error("failed to reset upstream working tree", zap.Error(err))
		}
	}()

	if err := i.git.Checkout(ctx, commit, projectsPath); err != nil {
		return "", err
	}
	if err := utils.CopyDir(filepath.Join(i.ossFuzzDir, projectsPath), benchmarkDir); err != nil {
		return "", err
	}
	return commit, nil
}

// pinBaseBuilder rewrites the benchmark's build descriptor so its
// parent image is the base-builder digest current at date. Pinning is
// best effort: a missing registry client or an absent early-enough
// digest downgrades to a warning and leaves the mutable reference in
// place. Returns the pinned digest without its "sha256:" prefix, or
// empty when pinning was skipped.
func (i *Integrator) pinBaseBuilder(ctx context.Context, benchmarkDir string, date time.Time) (string, error) {
	span := telemetry.FromContext(ctx).Spawn("pinning base-builder")
	span.Start()
	defer span.End()

	entries, err := i.registry.ListTags(ctx, i.baseBuilderImage)
	if err != nil {
		if errors.Is(err, registry.ErrToolMissing) {
			i.logger.Warn("registry client not installed, proceeding without image pinning")
			return "", nil
		}
		i.logger.Warn("registry listing failed, proceeding without image pinning", zap.Error(err))
		return "", nil
	}

	index := &registry.DigestIndex{}
	for _, entry := range entries {
		index.Add(entry.Timestamp, entry.Digest)
	}

	digest, err := index.LatestBefore(date)
	if err != nil {
		if errors.Is(err, registry.ErrNoSuitableArtifact) {
			i.logger.Warn("no base-builder digest predates the commit, keeping mutable reference",
				zap.Time("date", date))
			return "", nil
		}
		return "", err
	}

	i.logger.Info("using base-builder digest", zap.String("digest", digest))
	if err := ReplaceParentImage(filepath.Join(benchmarkDir, "Dockerfile"), i.baseBuilderImage, digest); err != nil {
		return "", err
	}
	return strings.TrimPrefix(digest, "sha256:"), nil
}
