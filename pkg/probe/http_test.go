package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "nginx/1.19.0")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	addr := strings.TrimPrefix(server.URL, "http://")
	data, err := HTTP(context.Background(), server.Client(), addr)
	require.NoError(t, err)

	assert.Equal(t, 200, data.Status)
	assert.Equal(t, []string{"nginx/1.19.0"}, data.Headers["server"])
	assert.Equal(t, []string{"a=1", "b=2"}, data.Headers["set-cookie"])
	assert.Equal(t, "", data.Body)
}

func TestHTTPProbeAnyStatusIsOk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	addr := strings.TrimPrefix(server.URL, "http://")
	data, err := HTTP(context.Background(), server.Client(), addr)
	require.NoError(t, err)
	assert.Equal(t, 403, data.Status)
	assert.Equal(t, "nope\n", data.Body)
}

func TestHTTPProbeBodyPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff, 0xfe, 0xfd})
	}))
	defer server.Close()

	addr := strings.TrimPrefix(server.URL, "http://")
	data, err := HTTP(context.Background(), server.Client(), addr)
	require.NoError(t, err)
	assert.Equal(t, bodyPlaceholder, data.Body)
}

func TestHTTPProbeTransportError(t *testing.T) {
	client := &http.Client{Timeout: 200 * time.Millisecond}
	// Reserved TEST-NET-1 address, nothing listens there.
	_, err := HTTP(context.Background(), client, "192.0.2.1:81")
	assert.Error(t, err)
}
