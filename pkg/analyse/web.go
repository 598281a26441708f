package analyse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/types"
)

// webPattern is one compiled Wappalyzer pattern with its optional version
// capture group.
type webPattern struct {
	re             *regexp.Regexp
	versionCapture int // 0 means no version tag
}

// parseWebPattern compiles a pattern string "{regex}[\\;tag...]". Tags are
// separated by the literal two-character sequence `\;`; only the version tag
// is honored. The regex part is unescaped (`\/`, `\'`, `\"`) before
// compilation.
func parseWebPattern(s string) (*webPattern, error) {
	slices := strings.Split(s, `\;`)
	raw := slices[0]
	raw = strings.ReplaceAll(raw, `\/`, `/`)
	raw = strings.ReplaceAll(raw, `\'`, `'`)
	raw = strings.ReplaceAll(raw, `\"`, `"`)
	re, err := regexp.Compile(raw)
	if err != nil {
		return nil, err
	}
	p := &webPattern{re: re}
	for _, tag := range slices[1:] {
		if strings.HasPrefix(tag, "version:") {
			if idx, err := strconv.Atoi(strings.TrimPrefix(tag, "version:")); err == nil {
				p.versionCapture = idx
			}
		}
	}
	return p, nil
}

// match runs the pattern against data, returning the captured version and
// whether the pattern matched.
func (p *webPattern) match(data string) (string, bool) {
	m := p.re.FindStringSubmatch(data)
	if m == nil {
		return "", false
	}
	if p.versionCapture > 0 && p.versionCapture < len(m) {
		return m[p.versionCapture], true
	}
	return "", true
}

// WebRule is one compiled technology rule: header and cookie patterns keyed
// by lowercased name, plus body patterns. Header patterns are frozen into a
// slice ordered by header name so matching is deterministic.
type WebRule struct {
	Name    string
	cookies map[string]*webPattern
	headers []headerPattern
	body    []*webPattern
}

// headerPattern pairs a lowercased header name with its compiled pattern.
type headerPattern struct {
	header  string
	pattern *webPattern
}

// stringOrList accepts both the single-string and list forms used by the
// rule file for body patterns.
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type webRuleSpec struct {
	Cookies map[string]string `json:"cookies,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	HTML    stringOrList      `json:"html,omitempty"`
}

type webRuleFile struct {
	Technologies map[string]webRuleSpec `json:"technologies"`
}

// ParseWebRules compiles a Wappalyzer-shape rule file. Patterns that fail to
// compile are dropped with a warning; the rest of the rule set stands.
func ParseWebRules(data []byte, logger zerolog.Logger) (map[string]*WebRule, error) {
	var file webRuleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	rules := make(map[string]*WebRule, len(file.Technologies))
	for name, spec := range file.Technologies {
		rule := &WebRule{Name: name}
		if len(spec.Cookies) > 0 {
			rule.cookies = make(map[string]*webPattern, len(spec.Cookies))
			for cookie, pattern := range spec.Cookies {
				p, err := parseWebPattern(pattern)
				if err != nil {
					logger.Warn().Err(err).Str("rule", name).Str("cookie", cookie).Msg("Failed to compile cookie pattern")
					continue
				}
				rule.cookies[strings.ToLower(cookie)] = p
			}
		}
		if len(spec.Headers) > 0 {
			rule.headers = make([]headerPattern, 0, len(spec.Headers))
			for header, pattern := range spec.Headers {
				p, err := parseWebPattern(pattern)
				if err != nil {
					logger.Warn().Err(err).Str("rule", name).Str("header", header).Msg("Failed to compile header pattern")
					continue
				}
				rule.headers = append(rule.headers, headerPattern{header: strings.ToLower(header), pattern: p})
			}
			sort.Slice(rule.headers, func(i, j int) bool { return rule.headers[i].header < rule.headers[j].header })
		}
		for _, pattern := range spec.HTML {
			p, err := parseWebPattern(pattern)
			if err != nil {
				logger.Warn().Err(err).Str("rule", name).Msg("Failed to compile body pattern")
				continue
			}
			rule.body = append(rule.body, p)
		}
		rules[name] = rule
	}
	return rules, nil
}

// Match runs the rule against an HTTP payload: header patterns first (in
// header-name order), body patterns second; first match wins. Cookie
// patterns are compiled but not matched against probe output.
func (r *WebRule) Match(data *types.HTTPResponseData) (string, bool) {
	for _, hp := range r.headers {
		for _, value := range data.Headers[hp.header] {
			if version, ok := hp.pattern.match(value); ok {
				return version, true
			}
		}
	}
	for _, pattern := range r.body {
		if version, ok := pattern.match(data.Body); ok {
			return version, true
		}
	}
	return "", false
}
