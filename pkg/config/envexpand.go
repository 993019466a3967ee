package config

import (
	"fmt"
	"os"
	"regexp"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnvValue resolves ${VAR} references in a single config value.
// Returns ErrMissingEnvVar when a referenced variable is not set: the
// caller disables the owning server rather than passing an empty secret
// to a child process.
func ExpandEnvValue(value string) (string, error) {
	var missing string
	expanded := envRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: %s", ErrMissingEnvVar, missing)
	}
	return expanded, nil
}

// ExpandEnvMap resolves ${VAR} references in every value of an env map.
// The input map is not modified. The first missing variable aborts the
// expansion.
func ExpandEnvMap(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		expanded, err := ExpandEnvValue(v)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}
