package main

import (
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, err := parseRequest([]string{
		"-p", "systemd",
		"-f", "fuzz-link",
		"-r", "/src/systemd",
		"-d", "2020-06-01T00:00:00Z",
		"-n", "systemd_fuzz-link",
	})
	require.NoError(t, err)

	assert.Equal(t, "systemd", req.Project)
	assert.Equal(t, "fuzz-link", req.FuzzTarget)
	assert.Equal(t, "/src/systemd", req.RepoPath)
	assert.Equal(t, "systemd_fuzz-link", req.BenchmarkName)
	assert.Empty(t, req.Commit)
	assert.Equal(t, time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC), req.Date)
}

// A malformed invocation must surface an error so main can exit
// non-zero instead of reporting success.
func TestParseRequestMissingFlags(t *testing.T) {
	_, err := parseRequest([]string{"-p", "systemd"})
	require.Error(t, err)

	var flagsErr *flags.Error
	require.ErrorAs(t, err, &flagsErr)
	assert.False(t, flags.WroteHelp(err))
}

func TestParseRequestBadDate(t *testing.T) {
	_, err := parseRequest([]string{
		"-p", "systemd",
		"-f", "fuzz-link",
		"-r", "/src/systemd",
		"-d", "yesterday",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RFC3339")
}

func TestParseRequestHelp(t *testing.T) {
	_, err := parseRequest([]string{"--help"})
	require.Error(t, err)
	assert.True(t, flags.WroteHelp(err))
}
