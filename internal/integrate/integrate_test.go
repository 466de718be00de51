package integrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"benchkit/config"
	"benchkit/internal/gitrepo"
	"benchkit/internal/registry"
	"benchkit/internal/types"
	"benchkit/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGit struct {
	commit       string
	logBeforeErr error

	checkouts []string
	resets    int
}

func (f *fakeGit) LogBefore(ctx context.Context, before time.Time, pathScope string) (string, error) {
	if f.logBeforeErr != nil {
		return "", f.logBeforeErr
	}
	return f.commit, nil
}

func (f *fakeGit) Checkout(ctx context.Context, commit, pathScope string) error {
	f.checkouts = append(f.checkouts, commit)
	return nil
}

func (f *fakeGit) ResetHard(ctx context.Context) error {
	f.resets++
	return nil
}

type fakeRegistry struct {
	entries []registry.TagEntry
	err     error
}

func (f *fakeRegistry) ListTags(ctx context.Context, image string) ([]registry.TagEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func newTestIntegrator(t *testing.T, git gitrepo.SourceControl, reg registry.Client) (*Integrator, string, string) {
	t.Helper()
	root := t.TempDir()
	ossFuzzDir := filepath.Join(root, "oss-fuzz")
	benchmarksDir := filepath.Join(root, "benchmarks")
	require.NoError(t, os.MkdirAll(benchmarksDir, 0755))

	integrator := NewIntegrator(IntegratorParams{
		Logger: zap.NewNop(),
		Config: &config.AppConfig{
			OSSFuzzDir:       ossFuzzDir,
			BenchmarksDir:    benchmarksDir,
			BaseBuilderImage: baseBuilder,
		},
		Git:      git,
		Registry: reg,
		Tracers:  telemetry.NewTracerFactory(telemetry.TracerFactoryParams{}),
	})
	return integrator, ossFuzzDir, benchmarksDir
}

func seedProject(t *testing.T, ossFuzzDir, project string) {
	t.Helper()
	projectDir := filepath.Join(ossFuzzDir, "projects", project)
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "Dockerfile"),
		[]byte("FROM "+baseBuilder+"\nRUN compile\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "build.sh"),
		[]byte("#!/bin/bash\n"), 0755))
}

var integrationDate = time.Date(2020, 2, 5, 0, 0, 0, 0, time.UTC)

func testRequest() Request {
	return Request{
		Project:    "systemd",
		FuzzTarget: "fuzz-link",
		Date:       integrationDate,
		RepoPath:   "/src/systemd",
	}
}

func TestIntegrate(t *testing.T) {
	git := &fakeGit{commit: "abc123"}
	reg := &fakeRegistry{entries: []registry.TagEntry{
		{Timestamp: integrationDate.Add(-48 * time.Hour), Digest: "sha256:older"},
		{Timestamp: integrationDate.Add(-24 * time.Hour), Digest: "sha256:newest-before"},
		{Timestamp: integrationDate.Add(24 * time.Hour), Digest: "sha256:too-new"},
	}}
	integrator, ossFuzzDir, benchmarksDir := newTestIntegrator(t, git, reg)
	seedProject(t, ossFuzzDir, "systemd")

	require.NoError(t, integrator.Integrate(context.Background(), testRequest()))

	benchmarkDir := filepath.Join(benchmarksDir, "systemd_fuzz-link")

	// project files copied
	assert.FileExists(t, filepath.Join(benchmarkDir, "build.sh"))

	// parent image pinned to the newest digest at or before the date
	dockerfile, err := os.ReadFile(filepath.Join(benchmarkDir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "FROM "+baseBuilder+"@sha256:newest-before")

	// manifest written last, recording the checked-out commit
	manifest, err := types.LoadManifest(filepath.Join(benchmarkDir, types.ManifestFilename))
	require.NoError(t, err)
	assert.Equal(t, "systemd", manifest.Project)
	assert.Equal(t, "fuzz-link", manifest.FuzzTarget)
	assert.Equal(t, "abc123", manifest.Commit)
	assert.Equal(t, "/src/systemd", manifest.RepoPath)
	assert.Equal(t, "newest-before", manifest.BuilderHash)

	// working tree restored after the checkout
	assert.Equal(t, []string{"abc123"}, git.checkouts)
	assert.Equal(t, 1, git.resets)
}

func TestIntegrateExplicitCommitSkipsLog(t *testing.T) {
	git := &fakeGit{logBeforeErr: gitrepo.ErrNoPriorCommit}
	integrator, ossFuzzDir, benchmarksDir := newTestIntegrator(t, git, &fakeRegistry{err: registry.ErrToolMissing})
	seedProject(t, ossFuzzDir, "systemd")

	req := testRequest()
	req.Commit = "def456"
	require.NoError(t, integrator.Integrate(context.Background(), req))

	manifest, err := types.LoadManifest(
		filepath.Join(benchmarksDir, "systemd_fuzz-link", types.ManifestFilename))
	require.NoError(t, err)
	assert.Equal(t, "def456", manifest.Commit)
	assert.Equal(t, []string{"def456"}, git.checkouts)
}

// No commit old enough exists: the onboarding aborts before copying
// anything and no manifest appears.
func TestIntegrateNoPriorCommit(t *testing.T) {
	git := &fakeGit{logBeforeErr: gitrepo.ErrNoPriorCommit}
	integrator, ossFuzzDir, benchmarksDir := newTestIntegrator(t, git, &fakeRegistry{})
	seedProject(t, ossFuzzDir, "systemd")

	err := integrator.Integrate(context.Background(), testRequest())
	assert.ErrorIs(t, err, gitrepo.ErrNoPriorCommit)

	assert.Empty(t, git.checkouts)
	assert.NoFileExists(t,
		filepath.Join(benchmarksDir, "systemd_fuzz-link", types.ManifestFilename))
	assert.NoDirExists(t, filepath.Join(benchmarksDir, "systemd_fuzz-link"))
}

// The registry client being unavailable downgrades pinning to a no-op
// instead of failing the onboarding.
func TestIntegrateWithoutRegistryClient(t *testing.T) {
	git := &fakeGit{commit: "abc123"}
	integrator, ossFuzzDir, benchmarksDir := newTestIntegrator(t, git, &fakeRegistry{err: registry.ErrToolMissing})
	seedProject(t, ossFuzzDir, "systemd")

	require.NoError(t, integrator.Integrate(context.Background(), testRequest()))

	benchmarkDir := filepath.Join(benchmarksDir, "systemd_fuzz-link")

	dockerfile, err := os.ReadFile(filepath.Join(benchmarkDir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "FROM "+baseBuilder+"\n")

	manifest, err := types.LoadManifest(filepath.Join(benchmarkDir, types.ManifestFilename))
	require.NoError(t, err)
	assert.Empty(t, manifest.BuilderHash)
}

// Every indexed digest is newer than the commit date: the mutable
// reference stays.
func TestIntegrateNoEarlyEnoughDigest(t *testing.T) {
	git := &fakeGit{commit: "abc123"}
	reg := &fakeRegistry{entries: []registry.TagEntry{
		{Timestamp: integrationDate.Add(24 * time.Hour), Digest: "sha256:too-new"},
	}}
	integrator, ossFuzzDir, benchmarksDir := newTestIntegrator(t, git, reg)
	seedProject(t, ossFuzzDir, "systemd")

	require.NoError(t, integrator.Integrate(context.Background(), testRequest()))

	manifest, err := types.LoadManifest(
		filepath.Join(benchmarksDir, "systemd_fuzz-link", types.ManifestFilename))
	require.NoError(t, err)
	assert.Empty(t, manifest.BuilderHash)
}

func TestIntegrateBenchmarkNameOverride(t *testing.T) {
	git := &fakeGit{commit: "abc123"}
	integrator, ossFuzzDir, benchmarksDir := newTestIntegrator(t, git, &fakeRegistry{err: registry.ErrToolMissing})
	seedProject(t, ossFuzzDir, "systemd")

	req := testRequest()
	req.BenchmarkName = "systemd_latest"
	require.NoError(t, integrator.Integrate(context.Background(), req))

	assert.DirExists(t, filepath.Join(benchmarksDir, "systemd_latest"))
	assert.NoDirExists(t, filepath.Join(benchmarksDir, "systemd_fuzz-link"))
}
