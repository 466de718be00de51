package makegen

import (
	"fmt"
	"io"
	"strings"
)

// boilerplate shared by generated build commands: image layer caching
// is only pulled in on CI.
const boilerplate = "cache_from = $(if ${RUNNING_ON_CI},--cache-from $(1),)\n"

// WriteRules serializes the variable definitions and the ordered
// target sequence as make rules. The output is a deterministic
// function of its input.
func WriteRules(w io.Writer, vars []Var, targets []Target) error {
	if _, err := io.WriteString(w, boilerplate); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}

	for _, v := range vars {
		if _, err := fmt.Fprintf(w, "%s = %s\n", v.Name, v.Value); err != nil {
			return fmt.Errorf("write rules: %w", err)
		}
	}

	for _, target := range targets {
		var b strings.Builder
		b.WriteByte('\n')
		b.WriteString(target.Name)
		b.WriteByte(':')
		for _, dep := range target.Deps {
			b.WriteByte(' ')
			b.WriteString(dep)
		}
		b.WriteByte('\n')
		for _, command := range target.Commands {
			b.WriteByte('\t')
			b.WriteString(command)
			b.WriteByte('\n')
		}
		if _, err := io.WriteString(w, b.String()); err != nil {
			return fmt.Errorf("write rules: %w", err)
		}
	}
	return nil
}
