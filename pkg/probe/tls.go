package probe

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"net"
	"time"

	"github.com/cuemby/nscan/pkg/types"
)

// TLS performs a client handshake on a connected stream and returns the
// peer's leaf certificate encoded as PEM.
func TLS(ctx context.Context, conn net.Conn, timeout time.Duration) (*types.TLSResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true,
	})
	if err := client.HandshakeContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errors.New(ErrTimeout)
		}
		return nil, err
	}

	certs := client.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, errors.New("No certificate")
	}
	block := pem.Block{Type: "CERTIFICATE", Bytes: certs[0].Raw}
	return &types.TLSResponse{Cert: string(pem.EncodeToMemory(&block))}, nil
}
