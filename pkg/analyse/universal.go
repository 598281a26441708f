// Package analyse implements the fingerprinting rule engine: banner-pattern
// rules for FTP/SSH and Wappalyzer-shape rules for HTTP. Rule sets are
// immutable after compilation and safe to share across tasks.
package analyse

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
)

// UniversalRule matches a service name and optional version capture against
// a single text input such as an FTP greeting or an SSH software field.
type UniversalRule struct {
	Name           string
	pattern        *regexp.Regexp
	versionCapture int // 0 means no version capture
}

type universalRuleSpec struct {
	Pattern string `json:"pattern"`
	Version *int   `json:"version,omitempty"`
}

// ParseUniversalRules compiles a rule file of the form
// {"name": {"pattern": "...", "version": n}, ...}. Rules that fail to
// compile are dropped with a warning.
func ParseUniversalRules(data []byte, logger zerolog.Logger) ([]UniversalRule, error) {
	var specs map[string]universalRuleSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	rules := make([]UniversalRule, 0, len(specs))
	for name, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			logger.Warn().Err(err).Str("rule", name).Msg("Failed to compile rule, skipping")
			continue
		}
		rule := UniversalRule{Name: name, pattern: re}
		if spec.Version != nil {
			rule.versionCapture = *spec.Version
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Match runs the rule against text. On a match it returns the captured
// version (empty when the rule has no capture or the group did not match)
// and true.
func (r *UniversalRule) Match(text string) (string, bool) {
	m := r.pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	if r.versionCapture > 0 && r.versionCapture < len(m) {
		return m[r.versionCapture], true
	}
	return "", true
}
