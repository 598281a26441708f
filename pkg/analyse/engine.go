package analyse

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/log"
	"github.com/cuemby/nscan/pkg/types"
)

// Engine bundles the compiled rule sets for all fingerprinting families.
// It is immutable after construction and shared by reference.
type Engine struct {
	web map[string]*WebRule
	ftp []UniversalRule
	ssh []UniversalRule
}

// LoadEngine reads and compiles the three rule files named by cfg.
func LoadEngine(cfg *config.RulesConfig) (*Engine, error) {
	logger := log.WithComponent("rule-engine")
	web, err := loadWebRules(cfg.Wappanalyser, logger)
	if err != nil {
		return nil, err
	}
	ftp, err := loadUniversalRules(cfg.FTP, logger)
	if err != nil {
		return nil, err
	}
	ssh, err := loadUniversalRules(cfg.SSH, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{web: web, ftp: ftp, ssh: ssh}, nil
}

// NewEngine builds an engine from already-compiled rule sets.
func NewEngine(web map[string]*WebRule, ftp, ssh []UniversalRule) *Engine {
	return &Engine{web: web, ftp: ftp, ssh: ssh}
}

func loadWebRules(path string, logger zerolog.Logger) (map[string]*WebRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	return ParseWebRules(data, logger)
}

func loadUniversalRules(path string, logger zerolog.Logger) ([]UniversalRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	rules, err := ParseUniversalRules(data, logger)
	if err != nil {
		return nil, err
	}
	// Deterministic match order regardless of map iteration during parse.
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

// AnalyseWeb runs every web rule against an HTTP payload and merges matches
// into services.
func (e *Engine) AnalyseWeb(data *types.HTTPResponseData, services map[string]types.ServiceAnalyseResult) {
	for name, rule := range e.web {
		version, ok := rule.Match(data)
		if !ok {
			continue
		}
		if existing, found := services[name]; found {
			existing.Version = version
			services[name] = existing
			continue
		}
		services[name] = types.NewServiceAnalyseResult(name, version)
	}
}

// AnalyseFTP matches the FTP greeting text against the banner rules.
func (e *Engine) AnalyseFTP(result *types.FTPScanResult, services map[string]types.ServiceAnalyseResult) {
	for i := range e.ftp {
		rule := &e.ftp[i]
		if version, ok := rule.Match(result.HandshakeText); ok {
			services[rule.Name] = types.NewServiceAnalyseResult(rule.Name, version)
		}
	}
}

// AnalyseSSH matches the software and comments fields of the SSH banner,
// each tried independently.
func (e *Engine) AnalyseSSH(result *types.SSHScanResult, services map[string]types.ServiceAnalyseResult) {
	for i := range e.ssh {
		rule := &e.ssh[i]
		if version, ok := rule.Match(result.Protocol.Software); ok {
			services[rule.Name] = types.NewServiceAnalyseResult(rule.Name, version)
		}
		if version, ok := rule.Match(result.Protocol.Comments); ok {
			services[rule.Name] = types.NewServiceAnalyseResult(rule.Name, version)
		}
	}
}
