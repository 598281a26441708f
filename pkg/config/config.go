// Package config loads the node configuration from a single JSON or YAML
// document. The Config value is constructed once at startup and passed by
// reference into each component; nothing mutates it afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeRole selects which services the process runs.
type NodeRole string

const (
	RoleMaster     NodeRole = "Master"
	RoleWorker     NodeRole = "Worker"
	RoleStandalone NodeRole = "Standalone"
)

// Config is the root configuration document.
type Config struct {
	MongoDB   string          `json:"mongodb" yaml:"mongodb"`
	Redis     string          `json:"redis" yaml:"redis"`
	Listen    string          `json:"listen" yaml:"listen"`
	Role      NodeRole        `json:"role" yaml:"role"`
	Workers   []string        `json:"workers,omitempty" yaml:"workers,omitempty"`
	ProxyPool ProxyPoolConfig `json:"proxy_pool" yaml:"proxy_pool"`
	Scanner   ScannerConfig   `json:"scanner" yaml:"scanner"`
	Analyser  AnalyserConfig  `json:"analyser" yaml:"analyser"`
	Stats     StatsConfig     `json:"stats" yaml:"stats"`
}

// StatsConfig controls snapshot intervals.
type StatsConfig struct {
	SchedulerUpdateInterval uint64 `json:"scheduler_update_interval" yaml:"scheduler_update_interval"` // seconds
}

// ProxyPoolConfig configures the outbound proxy pool.
type ProxyPoolConfig struct {
	UpdateHTTPProxy bool          `json:"update_http_proxy" yaml:"update_http_proxy"`
	FetchAddr       string        `json:"fetch_addr" yaml:"fetch_addr"`
	UpdateInterval  uint64        `json:"update_interval" yaml:"update_interval"` // seconds
	HTTPValidate    []ProxyVerify `json:"http_validate" yaml:"http_validate"`
	HTTPSValidate   string        `json:"https_validate" yaml:"https_validate"`
	Socks5          Socks5Config  `json:"socks5" yaml:"socks5"`
}

// ProxyVerify is one proxy validation step: either a plain URL expected to
// answer 200, or an echo endpoint where {challenge} must round-trip.
type ProxyVerify struct {
	Plain   string `json:"plain,omitempty" yaml:"plain,omitempty"`
	Base    string `json:"base,omitempty" yaml:"base,omitempty"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// UnmarshalJSON accepts both the bare-string and {base, pattern} forms.
func (p *ProxyVerify) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		p.Plain = plain
		return nil
	}
	type alias struct {
		Base    string `json:"base"`
		Pattern string `json:"pattern"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.Base, p.Pattern = a.Base, a.Pattern
	return nil
}

// Socks5Config configures the SOCKS5 proxy sub-pool.
type Socks5Config struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Fetch    string   `json:"fetch,omitempty" yaml:"fetch,omitempty"`
	PoolSize int      `json:"pool_size" yaml:"pool_size"`
	Validate string   `json:"validate,omitempty" yaml:"validate,omitempty"`
	Servers  []string `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// ProbeConfig is the universal per-protocol probe block.
type ProbeConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	UseProxy bool   `json:"use_proxy" yaml:"use_proxy"`
	Socks5   bool   `json:"socks5,omitempty" yaml:"socks5,omitempty"`
	Timeout  uint64 `json:"timeout" yaml:"timeout"` // seconds
}

// TCPConfig enables raw TCP probing and maps ports to probe names.
type TCPConfig struct {
	Enabled bool                `json:"enabled" yaml:"enabled"`
	Ports   map[uint16][]string `json:"ports" yaml:"ports"`
}

// SchedulerConfig is the per-scheduler worker block.
type SchedulerConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	MaxTasks       int  `json:"max_tasks" yaml:"max_tasks"`
	FetchCount     int  `json:"fetch_count" yaml:"fetch_count"`
	FetchThreshold int  `json:"fetch_threshold" yaml:"fetch_threshold"`
}

// SaveConfig names the result collection(s). The JSON form is either a
// single string or {http, https, tcp}.
type SaveConfig struct {
	Collection string `yaml:"collection,omitempty"`
	HTTP       string `yaml:"http,omitempty"`
	HTTPS      string `yaml:"https,omitempty"`
	TCP        string `yaml:"tcp,omitempty"`
}

// Single reports whether results go to one collection.
func (s SaveConfig) Single() bool {
	return s.Collection != ""
}

func (s *SaveConfig) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Collection = name
		return nil
	}
	type alias struct {
		HTTP  string `json:"http"`
		HTTPS string `json:"https"`
		TCP   string `json:"tcp"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.HTTP, s.HTTPS, s.TCP = a.HTTP, a.HTTPS, a.TCP
	return nil
}

// ScannerConfig configures the scan side of a worker.
type ScannerConfig struct {
	HTTP      ProbeConfig     `json:"http" yaml:"http"`
	HTTPS     ProbeConfig     `json:"https" yaml:"https"`
	SSH       ProbeConfig     `json:"ssh" yaml:"ssh"`
	FTP       ProbeConfig     `json:"ftp" yaml:"ftp"`
	TCP       TCPConfig       `json:"tcp" yaml:"tcp"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Save      SaveConfig      `json:"save" yaml:"save"`
}

// Probe returns the probe block registered under name, if any.
func (s *ScannerConfig) Probe(name string) (ProbeConfig, bool) {
	switch name {
	case "http":
		return s.HTTP, true
	case "tls", "https":
		return s.HTTPS, true
	case "ssh":
		return s.SSH, true
	case "ftp":
		return s.FTP, true
	}
	return ProbeConfig{}, false
}

// RulesConfig names the rule files consumed by the analyser.
type RulesConfig struct {
	Wappanalyser string `json:"wappanalyser" yaml:"wappanalyser"`
	FTP          string `json:"ftp" yaml:"ftp"`
	SSH          string `json:"ssh" yaml:"ssh"`
}

// VulnSearchConfig names the vulnerability catalog collection(s).
type VulnSearchConfig struct {
	ExploitDB string `json:"exploitdb" yaml:"exploitdb"`
}

// AnalyserConfig configures the analysis side of a worker.
type AnalyserConfig struct {
	AnalyseOnScan bool             `json:"analyse_on_scan" yaml:"analyse_on_scan"`
	Rules         RulesConfig      `json:"rules" yaml:"rules"`
	Scheduler     SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Save          string           `json:"save" yaml:"save"`
	VulnSearch    VulnSearchConfig `json:"vuln_search" yaml:"vuln_search"`
}

// Load reads and validates a configuration file. YAML is selected by file
// extension, JSON otherwise.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate refuses configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleMaster, RoleWorker, RoleStandalone:
	default:
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Redis == "" {
		return fmt.Errorf("redis endpoint is required")
	}
	if c.Role != RoleMaster && c.MongoDB == "" {
		return fmt.Errorf("mongodb endpoint is required")
	}
	if c.Role != RoleMaster {
		if c.Scanner.Scheduler.Enabled && c.Scanner.Scheduler.MaxTasks <= 0 {
			return fmt.Errorf("scanner.scheduler.max_tasks must be positive")
		}
		if c.Analyser.Scheduler.Enabled && c.Analyser.Scheduler.MaxTasks <= 0 {
			return fmt.Errorf("analyser.scheduler.max_tasks must be positive")
		}
		if c.Scanner.TCP.Enabled && len(c.Scanner.TCP.Ports) == 0 {
			return fmt.Errorf("scanner.tcp.ports must not be empty when tcp scanning is enabled")
		}
	}
	return nil
}
