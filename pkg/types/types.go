// Package types holds the shared data model for scan and analysis records.
package types

import (
	"time"
)

// ScanStatus tags a probe outcome as success or failure.
type ScanStatus string

const (
	ScanOk  ScanStatus = "Ok"
	ScanErr ScanStatus = "Err"
)

// HTTPResponseData is the payload of a successful HTTP probe.
type HTTPResponseData struct {
	Status  int                 `bson:"status" json:"status"`
	Headers map[string][]string `bson:"headers" json:"headers"`
	Body    string              `bson:"body" json:"body"`
}

// TLSResponse is the payload of a successful TLS probe: the PEM-encoded
// server leaf certificate.
type TLSResponse struct {
	Cert string `bson:"cert" json:"cert"`
}

// FTPAccess classifies the access level discovered by the FTP probe.
type FTPAccess string

const (
	FTPAccessFailed         FTPAccess = "Failed"
	FTPAccessLogin          FTPAccess = "Login"
	FTPAccessNoLogin        FTPAccess = "NoLogin"
	FTPAccessAnonymous      FTPAccess = "Anonymous"
	FTPAccessAnonymousEmail FTPAccess = "AnonymousEmail"
)

// FTPScanResult is the payload of a successful FTP probe.
type FTPScanResult struct {
	HandshakeCode int       `bson:"handshake_code" json:"handshake_code"`
	HandshakeText string    `bson:"handshake_text" json:"handshake_text"`
	Access        FTPAccess `bson:"access" json:"access"`
}

// SSHProtocolVersion is the parsed SSH protocol-version line
// "SSH-{version}-{software}[ {comments}]".
type SSHProtocolVersion struct {
	Version  string `bson:"version" json:"version"`
	Software string `bson:"software" json:"software"`
	Comments string `bson:"comments" json:"comments"`
}

// SSHAlgorithmExchange holds the algorithm name-lists from the SSH KEX init
// message. The probe may omit it.
type SSHAlgorithmExchange struct {
	Kex                       []string `bson:"kex" json:"kex"`
	HostKey                   []string `bson:"host_key" json:"host_key"`
	EncryptionClientToServer  []string `bson:"encryption_client_to_server" json:"encryption_client_to_server"`
	EncryptionServerToClient  []string `bson:"encryption_server_to_client" json:"encryption_server_to_client"`
	MacClientToServer         []string `bson:"mac_client_to_server" json:"mac_client_to_server"`
	MacServerToClient         []string `bson:"mac_server_to_client" json:"mac_server_to_client"`
	CompressionClientToServer []string `bson:"compression_client_to_server" json:"compression_client_to_server"`
	CompressionServerToClient []string `bson:"compression_server_to_client" json:"compression_server_to_client"`
}

// SSHScanResult is the payload of a successful SSH probe.
type SSHScanResult struct {
	Protocol  SSHProtocolVersion    `bson:"protocol" json:"protocol"`
	Algorithm *SSHAlgorithmExchange `bson:"algorithm,omitempty" json:"algorithm,omitempty"`
}

// ScanAttempt records one probe execution: the upstream proxy used (may be
// empty), the time, and the tagged outcome. Data holds the protocol payload
// when Result is Ok, Error holds the message when Result is Err.
type ScanAttempt struct {
	Proxy  string      `bson:"proxy" json:"proxy"`
	Time   time.Time   `bson:"time" json:"time"`
	Result ScanStatus  `bson:"result" json:"result"`
	Data   interface{} `bson:"data,omitempty" json:"data,omitempty"`
	Error  string      `bson:"error,omitempty" json:"error,omitempty"`
}

// OkAttempt builds a successful attempt.
func OkAttempt(proxy string, data interface{}) ScanAttempt {
	return ScanAttempt{Proxy: proxy, Time: time.Now().UTC(), Result: ScanOk, Data: data}
}

// ErrAttempt builds a failed attempt.
func ErrAttempt(proxy, msg string) ScanAttempt {
	return ScanAttempt{Proxy: proxy, Time: time.Now().UTC(), Result: ScanErr, Error: msg}
}

// OK reports whether the attempt succeeded.
func (a ScanAttempt) OK() bool {
	return a.Result == ScanOk
}

// ProbeOutcome is one probe attempt addressed to its slot in the host scan
// record. Key is the dotted sub-document path under "scan", e.g. "http",
// "https" or "tcp.21.ftp".
type ProbeOutcome struct {
	Key     string
	Attempt ScanAttempt
}

// TLSResultSet is a typed result set for TLS probes.
type TLSResultSet struct {
	Success int32            `bson:"success" json:"success"`
	Results []TLSScanAttempt `bson:"results" json:"results"`
}

// TLSScanAttempt is a stored TLS attempt.
type TLSScanAttempt struct {
	Proxy  string       `bson:"proxy" json:"proxy"`
	Time   time.Time    `bson:"time" json:"time"`
	Result ScanStatus   `bson:"result" json:"result"`
	Data   *TLSResponse `bson:"data,omitempty" json:"data,omitempty"`
	Error  string       `bson:"error,omitempty" json:"error,omitempty"`
}

// TCPScanResult groups the probe result sets recorded for one TCP port.
type TCPScanResult struct {
	FTP *FTPResultSet `bson:"ftp,omitempty" json:"ftp,omitempty"`
	SSH *SSHResultSet `bson:"ssh,omitempty" json:"ssh,omitempty"`
}

// FTPResultSet is a typed result set for FTP probes.
type FTPResultSet struct {
	Success int32            `bson:"success" json:"success"`
	Results []FTPScanAttempt `bson:"results" json:"results"`
}

// FTPScanAttempt is a stored FTP attempt.
type FTPScanAttempt struct {
	Proxy  string         `bson:"proxy" json:"proxy"`
	Time   time.Time      `bson:"time" json:"time"`
	Result ScanStatus     `bson:"result" json:"result"`
	Data   *FTPScanResult `bson:"data,omitempty" json:"data,omitempty"`
	Error  string         `bson:"error,omitempty" json:"error,omitempty"`
}

// SSHResultSet is a typed result set for SSH probes.
type SSHResultSet struct {
	Success int32            `bson:"success" json:"success"`
	Results []SSHScanAttempt `bson:"results" json:"results"`
}

// SSHScanAttempt is a stored SSH attempt.
type SSHScanAttempt struct {
	Proxy  string         `bson:"proxy" json:"proxy"`
	Time   time.Time      `bson:"time" json:"time"`
	Result ScanStatus     `bson:"result" json:"result"`
	Data   *SSHScanResult `bson:"data,omitempty" json:"data,omitempty"`
	Error  string         `bson:"error,omitempty" json:"error,omitempty"`
}

// HTTPResultSet is a typed result set for HTTP probes.
type HTTPResultSet struct {
	Success int32             `bson:"success" json:"success"`
	Results []HTTPScanAttempt `bson:"results" json:"results"`
}

// HTTPScanAttempt is a stored HTTP attempt.
type HTTPScanAttempt struct {
	Proxy  string            `bson:"proxy" json:"proxy"`
	Time   time.Time         `bson:"time" json:"time"`
	Result ScanStatus        `bson:"result" json:"result"`
	Data   *HTTPResponseData `bson:"data,omitempty" json:"data,omitempty"`
	Error  string            `bson:"error,omitempty" json:"error,omitempty"`
}

// NetScanResult is the nested "scan" document of a host record.
type NetScanResult struct {
	HTTP  *HTTPResultSet           `bson:"http,omitempty" json:"http,omitempty"`
	HTTPS *TLSResultSet            `bson:"https,omitempty" json:"https,omitempty"`
	TCP   map[string]TCPScanResult `bson:"tcp,omitempty" json:"tcp,omitempty"`
}

// NetScanRecord is one host's scan record, keyed by the 32-bit integer form
// of its IPv4 address.
type NetScanRecord struct {
	Addr       string        `bson:"addr" json:"addr"`
	AddrInt    int64         `bson:"addr_int" json:"addr_int"`
	LastUpdate time.Time     `bson:"last_update" json:"last_update"`
	Scan       NetScanResult `bson:"scan" json:"scan"`
}

// ServiceAnalyseResult is one fingerprinted service with its vulnerability
// identifiers.
type ServiceAnalyseResult struct {
	Name    string   `bson:"name" json:"name"`
	Version string   `bson:"version" json:"version"`
	Vulns   []string `bson:"vulns" json:"vulns"`
}

// NewServiceAnalyseResult builds a result with an empty vulnerability list.
func NewServiceAnalyseResult(name, version string) ServiceAnalyseResult {
	return ServiceAnalyseResult{Name: name, Version: version, Vulns: []string{}}
}

// ServiceRecord is one host's analysis record.
type ServiceRecord struct {
	Addr       string                          `bson:"addr" json:"addr"`
	AddrInt    int64                           `bson:"addr_int" json:"addr_int"`
	LastUpdate time.Time                       `bson:"last_update" json:"last_update"`
	System     map[string]ServiceAnalyseResult `bson:"system,omitempty" json:"system,omitempty"`
	Web        map[string]ServiceAnalyseResult `bson:"web,omitempty" json:"web,omitempty"`
	FTP        map[string]ServiceAnalyseResult `bson:"ftp,omitempty" json:"ftp,omitempty"`
	SSH        map[string]ServiceAnalyseResult `bson:"ssh,omitempty" json:"ssh,omitempty"`
}

// VulnInfo is one vulnerability catalog entry.
type VulnInfo struct {
	ID    string `bson:"id" json:"id"`
	Title string `bson:"title" json:"title"`
	URL   string `bson:"url" json:"url"`
}

// SchedulerStats is the public snapshot of one scheduler's throughput.
type SchedulerStats struct {
	TasksPerSecond float64 `json:"tasks_per_second"`
	JobsPerSecond  float64 `json:"jobs_per_second"`
	PendingTasks   int64   `json:"pending_tasks"`
}

// SystemStats is the resource snapshot reported by a worker. Sampling is
// provided by an external collaborator; the zero value is a valid report.
type SystemStats struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	MemoryTotal uint64  `json:"memory_total"`
	NetworkIn   uint64  `json:"network_in"`
	NetworkOut  uint64  `json:"network_out"`
}

// WorkerStats is the composite stats document served at /api/stats/all.
type WorkerStats struct {
	System   SystemStats    `json:"system"`
	Scanner  SchedulerStats `json:"scanner"`
	Analyser SchedulerStats `json:"analyser"`
}
