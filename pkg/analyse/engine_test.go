package analyse

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscan/pkg/types"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	ftp, err := ParseUniversalRules([]byte(`{
		"vsftpd": {"pattern": "vsftpd ([\\d.]+)", "version": 1}
	}`), zerolog.Nop())
	require.NoError(t, err)
	ssh, err := ParseUniversalRules([]byte(`{
		"OpenSSH": {"pattern": "OpenSSH_([\\d.p]+)", "version": 1},
		"Debian": {"pattern": "Debian-([\\w+.]+)", "version": 1}
	}`), zerolog.Nop())
	require.NoError(t, err)
	return NewEngine(loadTestWebRules(t), ftp, ssh)
}

func TestEngineAnalyseFTP(t *testing.T) {
	engine := testEngine(t)
	services := make(map[string]types.ServiceAnalyseResult)
	engine.AnalyseFTP(&types.FTPScanResult{
		HandshakeCode: 220,
		HandshakeText: "(vsftpd 3.0.3)",
		Access:        types.FTPAccessLogin,
	}, services)

	require.Contains(t, services, "vsftpd")
	assert.Equal(t, "3.0.3", services["vsftpd"].Version)
}

func TestEngineAnalyseFTPNoMatch(t *testing.T) {
	engine := testEngine(t)
	services := make(map[string]types.ServiceAnalyseResult)
	engine.AnalyseFTP(&types.FTPScanResult{
		HandshakeCode: 220,
		HandshakeText: "Welcome to GAINET FTP service.",
	}, services)
	assert.Empty(t, services)
}

func TestEngineAnalyseSSH(t *testing.T) {
	engine := testEngine(t)
	services := make(map[string]types.ServiceAnalyseResult)
	engine.AnalyseSSH(&types.SSHScanResult{
		Protocol: types.SSHProtocolVersion{
			Version:  "2.0",
			Software: "OpenSSH_7.9p1",
			Comments: "Debian-10+deb10u2",
		},
	}, services)

	// Software and comments are matched independently.
	require.Contains(t, services, "OpenSSH")
	assert.Equal(t, "7.9p1", services["OpenSSH"].Version)
	require.Contains(t, services, "Debian")
	assert.Equal(t, "10+deb10u2", services["Debian"].Version)
}
