package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSHBanner(t *testing.T) {
	tests := []struct {
		name         string
		line         string
		wantVersion  string
		wantSoftware string
		wantComments string
		wantErr      bool
	}{
		{
			name:         "with comments",
			line:         "SSH-2.0-OpenSSH_7.9p1 Debian-10+deb10u2\r\n",
			wantVersion:  "2.0",
			wantSoftware: "OpenSSH_7.9p1",
			wantComments: "Debian-10+deb10u2",
		},
		{
			name:         "without comments",
			line:         "SSH-2.0-billsSSH_3.6.3q3\r\n",
			wantVersion:  "2.0",
			wantSoftware: "billsSSH_3.6.3q3",
			wantComments: "",
		},
		{
			name:         "protocol 1.99",
			line:         "SSH-1.99-OpenSSH_3.4\r\n",
			wantVersion:  "1.99",
			wantSoftware: "OpenSSH_3.4",
		},
		{
			name:    "missing software",
			line:    "SSH-2.0\r\n",
			wantErr: true,
		},
		{
			name:    "not a banner",
			line:    "hello world\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSSHBanner([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got.Version)
			assert.Equal(t, tt.wantSoftware, got.Software)
			assert.Equal(t, tt.wantComments, got.Comments)
		})
	}
}

func TestSSHProbeSkipsPreBannerLines(t *testing.T) {
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go func() {
		defer srv.Close()
		srv.Write([]byte("Welcome to the jump host\r\n"))
		srv.Write([]byte("SSH-2.0-OpenSSH_8.4p1 Ubuntu-5ubuntu1\r\n"))
	}()

	result, err := SSH(context.Background(), client, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2.0", result.Protocol.Version)
	assert.Equal(t, "OpenSSH_8.4p1", result.Protocol.Software)
	assert.Equal(t, "Ubuntu-5ubuntu1", result.Protocol.Comments)
	assert.Nil(t, result.Algorithm)
}

func TestSSHProbeTimeout(t *testing.T) {
	client, srv := net.Pipe()
	defer srv.Close()
	_, err := SSH(context.Background(), client, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ErrTimeout, err.Error())
}
