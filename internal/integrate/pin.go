package integrate

import (
	"bytes"
	"fmt"
	"os"
)

// parentImageMarker starts the declarative parent-image line of a
// build descriptor.
var parentImageMarker = []byte("FROM")

// ReplaceParentImage rewrites the first parent-image line of the build
// descriptor at path so it references image pinned to digest instead
// of a mutable tag. Every other byte of the file, including line
// endings, passes through unchanged.
func ReplaceParentImage(path, image, digest string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read build descriptor: %w", err)
	}

	rewritten, ok := rewriteFirstParentLine(content, image, digest)
	if !ok {
		return fmt.Errorf("no parent-image line in %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat build descriptor: %w", err)
	}
	if err := os.WriteFile(path, rewritten, info.Mode()); err != nil {
		return fmt.Errorf("write build descriptor: %w", err)
	}
	return nil
}

func rewriteFirstParentLine(content []byte, image, digest string) ([]byte, bool) {
	var out bytes.Buffer
	rest := content
	for len(rest) > 0 {
		line, tail := nextLine(rest)
		body, ending := splitLineEnding(line)
		if bytes.HasPrefix(bytes.TrimLeft(body, " \t"), parentImageMarker) {
			out.WriteString("FROM " + image + "@" + digest)
			out.Write(ending)
			out.Write(tail)
			return out.Bytes(), true
		}
		out.Write(line)
		rest = tail
	}
	return nil, false
}

// nextLine splits off the first line including its line ending.
func nextLine(content []byte) (line, tail []byte) {
	if i := bytes.IndexByte(content, '\n'); i >= 0 {
		return content[:i+1], content[i+1:]
	}
	return content, nil
}

func splitLineEnding(line []byte) (body, ending []byte) {
	if bytes.HasSuffix(line, []byte("\r\n")) {
		return line[:len(line)-2], line[len(line)-2:]
	}
	if bytes.HasSuffix(line, []byte("\n")) {
		return line[:len(line)-1], line[len(line)-1:]
	}
	return line, nil
}
