package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/stats"
)

// fakeMaster scripts the master's scheduler endpoints.
type fakeMaster struct {
	mu        sync.Mutex
	batches   [][]string
	completed [][]string
	fetches   int
}

func (f *fakeMaster) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scheduler/scanner/fetch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fetches++
		var batch []string
		if len(f.batches) > 0 {
			batch = f.batches[0]
			f.batches = f.batches[1:]
		}
		json.NewEncoder(w).Encode(batch)
	})
	mux.HandleFunc("POST /api/scheduler/scanner/complete", func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var tokens []string
		require.NoError(t, json.Unmarshal(data, &tokens))
		f.mu.Lock()
		f.completed = append(f.completed, tokens)
		f.mu.Unlock()
	})
	return mux
}

func newTestLocalScheduler(t *testing.T, master *fakeMaster, threshold int) *LocalScheduler {
	t.Helper()
	server := httptest.NewServer(master.handler(t))
	t.Cleanup(server.Close)
	addr := strings.TrimPrefix(server.URL, "http://")
	cfg := &config.SchedulerConfig{Enabled: true, MaxTasks: 4, FetchCount: 3, FetchThreshold: threshold}
	return NewLocalScheduler("scanner", addr, cfg, stats.NewInternal())
}

func TestLocalSchedulerFetchesAndDrains(t *testing.T) {
	master := &fakeMaster{batches: [][]string{{"a/32", "b/32", "c/32"}}}
	local := newTestLocalScheduler(t, master, 1)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		token, err := local.Next(ctx)
		require.NoError(t, err)
		assert.False(t, seen[token], "token handed out twice")
		seen[token] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 0, local.Buffered())
}

func TestLocalSchedulerRefillsBelowThreshold(t *testing.T) {
	master := &fakeMaster{batches: [][]string{
		{"a/32", "b/32", "c/32"},
		{"d/32", "e/32", "f/32"},
	}}
	local := newTestLocalScheduler(t, master, 2)
	ctx := context.Background()

	// First Next triggers the initial fetch; draining below the low-water
	// mark triggers the second.
	for i := 0; i < 5; i++ {
		_, err := local.Next(ctx)
		require.NoError(t, err)
	}
	master.mu.Lock()
	defer master.mu.Unlock()
	assert.Equal(t, 2, master.fetches)
}

func TestLocalSchedulerRetriesEmptyFetch(t *testing.T) {
	// The first fetch answers empty; Next must keep retrying rather than
	// return nothing. A short deadline ends the retry loop.
	master := &fakeMaster{}
	local := newTestLocalScheduler(t, master, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := local.Next(ctx)
	assert.Error(t, err)

	master.mu.Lock()
	defer master.mu.Unlock()
	assert.Equal(t, 1, master.fetches)
}

func TestLocalSchedulerComplete(t *testing.T) {
	master := &fakeMaster{batches: [][]string{{"a/32"}}}
	local := newTestLocalScheduler(t, master, 1)
	ctx := context.Background()

	token, err := local.Next(ctx)
	require.NoError(t, err)
	local.Complete(ctx, token)

	master.mu.Lock()
	defer master.mu.Unlock()
	require.Len(t, master.completed, 1)
	assert.Equal(t, []string{"a/32"}, master.completed[0])
}

func TestLocalSchedulerCompleteFailureIsDropped(t *testing.T) {
	master := &fakeMaster{batches: [][]string{{"a/32"}}}
	local := newTestLocalScheduler(t, master, 1)
	ctx := context.Background()

	token, err := local.Next(ctx)
	require.NoError(t, err)

	// Point completion at a dead master: the failure is logged and dropped.
	local.masterAddr = "127.0.0.1:1"
	local.Complete(ctx, token)
}
