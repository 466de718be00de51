// Package gitrepo wraps the external git client used to pin benchmark
// integrations to historical commits. The repository root is an
// explicit field on the Repo so no caller ever has to change the
// process working directory.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoPriorCommit reports that no commit touching the requested
// subtree exists at or before the target date.
var ErrNoPriorCommit = errors.New("no prior commit")

// CommandError carries the failing command line and its captured
// stderr so the operator can retry by hand.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// SourceControl is the collaborator surface the pinning resolver
// needs. Implemented by Repo; faked in tests.
type SourceControl interface {
	LogBefore(ctx context.Context, before time.Time, pathScope string) (string, error)
	Checkout(ctx context.Context, commit, pathScope string) error
	ResetHard(ctx context.Context) error
}

type Repo struct {
	dir    string
	logger *zap.Logger
}

func NewRepo(dir string, logger *zap.Logger) *Repo {
	return &Repo{dir: dir, logger: logger}
}

func (r *Repo) Dir() string { return r.dir }

// LogBefore returns the most recent commit at or before the given
// instant that touched pathScope, or ErrNoPriorCommit.
func (r *Repo) LogBefore(ctx context.Context, before time.Time, pathScope string) (string, error) {
	out, err := r.git(ctx, "log", "--before="+before.UTC().Format(time.RFC3339), "-n1", "--format=%H", "--", pathScope)
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(out)
	if commit == "" {
		return "", fmt.Errorf("%w: nothing touches %s before %s", ErrNoPriorCommit, pathScope, before.UTC().Format(time.RFC3339))
	}
	return commit, nil
}

// Checkout materializes pathScope as of the given commit in the
// working tree. Callers must pair this with ResetHard: the mutation is
// visible to every other user of the same checkout.
func (r *Repo) Checkout(ctx context.Context, commit, pathScope string) error {
	_, err := r.git(ctx, "checkout", commit, "--", pathScope)
	return err
}

// ResetHard restores the shared working tree. Run unconditionally
// after a Checkout, success or failure.
func (r *Repo) ResetHard(ctx context.Context) error {
	_, err := r.git(ctx, "reset", "--hard")
	return err
}

// git runs one git command in the repository, blocking until both
// output streams are fully drained.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running git command", zap.String("command", cmd.String()))
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	if stderr.Len() > 0 {
		r.logger.Debug("git stderr", zap.String("stderr", stderr.String()))
	}
	return stdout.String(), nil
}
