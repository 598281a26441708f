package analyse

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscan/pkg/types"
)

func TestParseWebPattern(t *testing.T) {
	p, err := parseWebPattern(`nginx/([\d.]+)\;version:1`)
	require.NoError(t, err)
	version, ok := p.match("nginx/1.19.0")
	assert.True(t, ok)
	assert.Equal(t, "1.19.0", version)
}

func TestParseWebPatternNoVersionTag(t *testing.T) {
	p, err := parseWebPattern(`X-Powered-By: PHP`)
	require.NoError(t, err)
	version, ok := p.match("X-Powered-By: PHP")
	assert.True(t, ok)
	assert.Equal(t, "", version)
}

func TestParseWebPatternUnescaping(t *testing.T) {
	// The rule file escapes slashes and quotes; they must be literal after
	// unescaping.
	p, err := parseWebPattern(`content="WordPress ([\d.]+)"\;version:1`)
	require.NoError(t, err)
	version, ok := p.match(`<meta name="generator" content="WordPress 6.0">`)
	assert.True(t, ok)
	assert.Equal(t, "6.0", version)

	p, err = parseWebPattern(`\/wp-content\/`)
	require.NoError(t, err)
	_, ok = p.match("src=/wp-content/themes/a.css")
	assert.True(t, ok)
}

func TestParseWebPatternUnmatchedCaptureGroup(t *testing.T) {
	p, err := parseWebPattern(`Apache(?:/([\d.]+))?\;version:1`)
	require.NoError(t, err)
	version, ok := p.match("Apache")
	assert.True(t, ok)
	assert.Equal(t, "", version)
}

const testWebRules = `{
	"technologies": {
		"nginx": {
			"headers": {"Server": "nginx(?:/([\\d.]+))?\\;version:1"}
		},
		"WordPress": {
			"html": ["<meta name=\"generator\" content=\"WordPress ([\\d.]+)\"\\;version:1"]
		},
		"PHP": {
			"cookies": {"PHPSESSID": ""},
			"headers": {"X-Powered-By": "php(?:/([\\d.]+))?\\;version:1"}
		}
	}
}`

func loadTestWebRules(t *testing.T) map[string]*WebRule {
	t.Helper()
	rules, err := ParseWebRules([]byte(testWebRules), zerolog.Nop())
	require.NoError(t, err)
	return rules
}

func TestWebRuleHeaderMatch(t *testing.T) {
	rules := loadTestWebRules(t)
	data := &types.HTTPResponseData{
		Status: 200,
		Headers: map[string][]string{
			"server": {"nginx/1.19.0"},
		},
	}
	version, ok := rules["nginx"].Match(data)
	assert.True(t, ok)
	assert.Equal(t, "1.19.0", version)

	_, ok = rules["WordPress"].Match(data)
	assert.False(t, ok)
}

func TestWebRuleBodyMatch(t *testing.T) {
	rules := loadTestWebRules(t)
	data := &types.HTTPResponseData{
		Status:  200,
		Headers: map[string][]string{},
		Body:    `<html><head><meta name="generator" content="WordPress 6.0"></head></html>`,
	}
	version, ok := rules["WordPress"].Match(data)
	assert.True(t, ok)
	assert.Equal(t, "6.0", version)
}

func TestWebRuleHeaderBeatsBody(t *testing.T) {
	rules, err := ParseWebRules([]byte(`{
		"technologies": {
			"both": {
				"headers": {"Server": "srv/([\\d.]+)\\;version:1"},
				"html": "srv ([\\d.]+)\\;version:1"
			}
		}
	}`), zerolog.Nop())
	require.NoError(t, err)

	data := &types.HTTPResponseData{
		Headers: map[string][]string{"server": {"srv/2.0"}},
		Body:    "running srv 9.9",
	}
	version, ok := rules["both"].Match(data)
	assert.True(t, ok)
	assert.Equal(t, "2.0", version)
}

func TestEngineAnalyseWebScenario(t *testing.T) {
	// The single-address scenario: Server: nginx/1.19.0 must fingerprint
	// nginx 1.19.0 with an empty vulnerability list.
	engine := NewEngine(loadTestWebRules(t), nil, nil)
	data := &types.HTTPResponseData{
		Status:  200,
		Headers: map[string][]string{"server": {"nginx/1.19.0"}},
	}
	services := make(map[string]types.ServiceAnalyseResult)
	engine.AnalyseWeb(data, services)

	require.Contains(t, services, "nginx")
	assert.Equal(t, "nginx", services["nginx"].Name)
	assert.Equal(t, "1.19.0", services["nginx"].Version)
	assert.Empty(t, services["nginx"].Vulns)
	assert.NotContains(t, services, "WordPress")
}

func TestEngineDeterminism(t *testing.T) {
	engine := NewEngine(loadTestWebRules(t), nil, nil)
	data := &types.HTTPResponseData{
		Status: 200,
		Headers: map[string][]string{
			"server":       {"nginx/1.19.0"},
			"x-powered-by": {"PHP/8.1.2"},
		},
		Body: `<meta name="generator" content="WordPress 6.0">`,
	}

	run := func() map[string]types.ServiceAnalyseResult {
		services := make(map[string]types.ServiceAnalyseResult)
		engine.AnalyseWeb(data, services)
		return services
	}
	first := run()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, run())
	}
}

func TestWebRuleCompetingHeaderPatternsDeterministic(t *testing.T) {
	// One rule with two header patterns that both match the payload but
	// capture different versions. Matching must settle on the same pattern
	// every run: the lowest header name wins.
	rules, err := ParseWebRules([]byte(`{
		"technologies": {
			"dual": {
				"headers": {
					"X-Backend": "backend/([\\d.]+)\\;version:1",
					"Server": "srv/([\\d.]+)\\;version:1"
				}
			}
		}
	}`), zerolog.Nop())
	require.NoError(t, err)

	data := &types.HTTPResponseData{
		Headers: map[string][]string{
			"server":    {"srv/2.0"},
			"x-backend": {"backend/9.9"},
		},
	}
	for i := 0; i < 50; i++ {
		version, ok := rules["dual"].Match(data)
		require.True(t, ok)
		assert.Equal(t, "2.0", version)
	}
}

func TestParseWebRulesSkipsBrokenPattern(t *testing.T) {
	rules, err := ParseWebRules([]byte(`{
		"technologies": {
			"bad": {"headers": {"Server": "(unclosed\\;version:1"}},
			"good": {"headers": {"Server": "good"}}
		}
	}`), zerolog.Nop())
	require.NoError(t, err)

	// The broken pattern is dropped; the rule and the rest of the set stand.
	data := &types.HTTPResponseData{Headers: map[string][]string{"server": {"good (unclosed"}}}
	_, ok := rules["bad"].Match(data)
	assert.False(t, ok)
	_, ok = rules["good"].Match(data)
	assert.True(t, ok)
}
