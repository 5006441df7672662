// Package config loads the user-supplied redaction rule file.
package config

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"scrubproxy/pkg/redact"
)

type patternEntry struct {
	Pattern struct {
		Name  string `yaml:"name"`
		Regex string `yaml:"regex"`
	} `yaml:"pattern"`
}

// LoadPatternFile reads redaction rules from a YAML document shaped as a
// top-level list of {pattern: {name, regex}} entries. Any failure (no
// path, unreadable file, bad YAML) returns nil so the registry falls back
// to its built-ins: a broken config degrades the proxy to fewer patterns,
// it never stops it.
func LoadPatternFile(path string) []redact.Rule {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		zap.S().Warnf("cannot read pattern file %v: %v", path, err)
		return nil
	}
	var entries []patternEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		zap.S().Warnf("cannot parse pattern file %v: %v", path, err)
		return nil
	}
	rules := make([]redact.Rule, 0, len(entries))
	for _, e := range entries {
		if e.Pattern.Name == "" || e.Pattern.Regex == "" {
			continue
		}
		rules = append(rules, redact.Rule{Name: e.Pattern.Name, Regex: e.Pattern.Regex})
	}
	return rules
}
