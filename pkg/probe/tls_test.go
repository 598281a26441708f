package probe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert builds a throwaway server certificate.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "scan-target"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

func TestTLSProbe(t *testing.T) {
	cert := selfSignedCert(t)
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close() })

	go func() {
		server := tls.Server(srv, &tls.Config{Certificates: []tls.Certificate{cert}})
		defer server.Close()
		server.Handshake()
	}()

	result, err := TLS(context.Background(), client, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.Cert, "-----BEGIN CERTIFICATE-----"))

	block, _ := pem.Decode([]byte(result.Cert))
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "scan-target", parsed.Subject.CommonName)
}

func TestTLSProbeTimeout(t *testing.T) {
	client, srv := net.Pipe()
	defer srv.Close()

	_, err := TLS(context.Background(), client, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ErrTimeout, err.Error())
}

func TestTLSProbeHandshakeError(t *testing.T) {
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go func() {
		defer srv.Close()
		// Drain the ClientHello so the pipe write below cannot block on it.
		go io.Copy(io.Discard, srv)
		srv.Write([]byte("not a tls server\r\n"))
	}()

	_, err := TLS(context.Background(), client, 2*time.Second)
	require.Error(t, err)
	assert.NotEqual(t, ErrTimeout, err.Error())
}
