package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/nscan/pkg/types"
)

// SSH reads the server's protocol-version announcement from a connected
// stream. Pre-banner lines are skipped until one starts with "SSH". The KEX
// algorithm exchange is modeled in the record but not negotiated here.
func SSH(ctx context.Context, conn net.Conn, timeout time.Duration) (*types.SSHScanResult, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	reader := NewLineReader(conn, ftpLineLimit)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if isTimeout(err) {
				return nil, errors.New(ErrTimeout)
			}
			return nil, fmt.Errorf("failed to read banner: %w", err)
		}
		if bytes.HasPrefix(line, []byte("SSH")) {
			protocol, err := ParseSSHBanner(line)
			if err != nil {
				return nil, err
			}
			return &types.SSHScanResult{Protocol: protocol}, nil
		}
	}
}

// ParseSSHBanner parses "SSH-{version}-{software}[ {comments}]\r\n".
func ParseSSHBanner(line []byte) (types.SSHProtocolVersion, error) {
	s := strings.TrimSuffix(string(line), "\r\n")
	s = strings.TrimSuffix(s, "\n")
	head, comments, _ := strings.Cut(s, " ")
	parts := strings.SplitN(head, "-", 3)
	if len(parts) < 3 {
		return types.SSHProtocolVersion{}, fmt.Errorf("invalid protocol version line %q", s)
	}
	return types.SSHProtocolVersion{
		Version:  parts[1],
		Software: parts[2],
		Comments: comments,
	}, nil
}
