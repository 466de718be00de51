package utils

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// CopyFile copies a file from src to dst, overwriting dst if it exists.
func CopyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer source.Close()

	sourceInfo, err := source.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sourceInfo.Mode())
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		return fmt.Errorf("copy file contents: %w", err)
	}

	return nil
}

// CopyDir copies the contents of src into dst, creating dst if needed.
// Paths already present in dst are overwritten when they collide with a
// path in src; everything else in dst is left alone.
func CopyDir(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return fmt.Errorf("source directory does not exist: %w", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	cmd := exec.Command("cp", "-r", src+"/.", dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("copy directory: %w: %s", err, output)
	}
	return nil
}
