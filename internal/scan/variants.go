package scan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VariantsFilename is the optional per-fuzzer variant config.
const VariantsFilename = "variants.yaml"

// ErrMalformedVariant reports a variant descriptor missing a required
// field.
var ErrMalformedVariant = errors.New("malformed variant config")

// Variant is a named configuration of its parent fuzzer. It reuses the
// parent's builder and runner images and only overrides the runtime
// environment of the run targets.
type Variant struct {
	Name string
	Env  map[string]string
}

type variantsFile struct {
	Variants []struct {
		Name string         `yaml:"name"`
		Env  map[string]any `yaml:"env"`
	} `yaml:"variants"`
}

// LoadVariants parses a variants.yaml. A missing file means the fuzzer
// simply has no variants.
func LoadVariants(path string) ([]Variant, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read variants config: %w", err)
	}

	var parsed variantsFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVariant, err)
	}
	if parsed.Variants == nil {
		return nil, fmt.Errorf("%w: missing variants list", ErrMalformedVariant)
	}

	variants := make([]Variant, 0, len(parsed.Variants))
	for i, raw := range parsed.Variants {
		if raw.Name == "" {
			return nil, fmt.Errorf("%w: variant %d has no name", ErrMalformedVariant, i)
		}
		env := make(map[string]string, len(raw.Env))
		for key, value := range raw.Env {
			env[key] = fmt.Sprint(value)
		}
		variants = append(variants, Variant{Name: raw.Name, Env: env})
	}
	return variants, nil
}
