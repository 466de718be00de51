package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ErrToolMissing reports that the registry client is not installed.
// Callers treat this as a recoverable condition: image pinning is
// best effort.
var ErrToolMissing = errors.New("gcloud not found in PATH")

// TagEntry is one (timestamp, digest) pair of an image tag listing.
type TagEntry struct {
	Timestamp time.Time
	Digest    string
}

// Client lists the tags of an image sorted ascending by timestamp.
type Client interface {
	ListTags(ctx context.Context, image string) ([]TagEntry, error)
}

type gcloudClient struct {
	logger *zap.Logger
}

func NewGCloudClient(logger *zap.Logger) Client {
	return &gcloudClient{logger: logger}
}

// listTagsResult mirrors the JSON emitted by
// `gcloud container images list-tags --format=json`.
type listTagsResult []struct {
	Digest    string `json:"digest"`
	Timestamp struct {
		Datetime string `json:"datetime"`
	} `json:"timestamp"`
}

func (c *gcloudClient) ListTags(ctx context.Context, image string) ([]TagEntry, error) {
	gcloudPath, err := exec.LookPath("gcloud")
	if err != nil {
		return nil, ErrToolMissing
	}

	cmd := exec.CommandContext(ctx, gcloudPath,
		"container", "images", "list-tags", image,
		"--format=json",
		"--sort-by=timestamp",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("listing image tags", zap.String("command", cmd.String()))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list tags of %s: %w: %s", image, err, stderr.String())
	}

	var result listTagsResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("parse tag listing of %s: %w", image, err)
	}

	entries := make([]TagEntry, 0, len(result))
	for _, tag := range result {
		timestamp, err := parseRegistryTime(tag.Timestamp.Datetime)
		if err != nil {
			c.logger.Warn("skipping tag with unparseable timestamp",
				zap.String("digest", tag.Digest),
				zap.String("timestamp", tag.Timestamp.Datetime))
			continue
		}
		entries = append(entries, TagEntry{Timestamp: timestamp.UTC(), Digest: tag.Digest})
	}
	return entries, nil
}

// registryTimeLayouts are the datetime renderings gcloud is known to
// emit, most common first.
var registryTimeLayouts = []string{
	"2006-01-02 15:04:05-07:00",
	"2006-01-02T15:04:05-07:00",
	time.RFC3339,
}

func parseRegistryTime(value string) (time.Time, error) {
	for _, layout := range registryTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized registry timestamp %q", value)
}
