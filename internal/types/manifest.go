package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFilename marks a benchmark directory as externally derived.
const ManifestFilename = "oss-fuzz.yaml"

// Manifest pins an externally-derived benchmark to the exact upstream
// state it was integrated from. Written once at integration time.
type Manifest struct {
	Project    string    `yaml:"project"`
	FuzzTarget string    `yaml:"fuzz_target"`
	Commit     string    `yaml:"commit"`
	CommitDate time.Time `yaml:"commit_date"`
	RepoPath   string    `yaml:"repo_path"`

	// BuilderHash is the pinned base-builder digest, without the
	// "sha256:" prefix. Empty when pinning was skipped.
	BuilderHash string `yaml:"oss_fuzz_builder_hash,omitempty"`
}

func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) Write(path string) error {
	content, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
