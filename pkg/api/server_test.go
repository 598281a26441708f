package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nscan/pkg/config"
	"github.com/cuemby/nscan/pkg/service"
)

// memListStore scripts just enough Redis list behavior for the control
// plane. Index 0 is the head.
type memListStore struct {
	lists map[string][]string
}

func newMemListStore() *memListStore {
	return &memListStore{lists: make(map[string][]string)}
}

func (f *memListStore) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.lists[key] = append([]string{v.(string)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *memListStore) pop(source, destination string) (string, error) {
	src := f.lists[source]
	if len(src) == 0 {
		return "", redis.Nil
	}
	v := src[len(src)-1]
	f.lists[source] = src[:len(src)-1]
	f.lists[destination] = append([]string{v}, f.lists[destination]...)
	return v, nil
}

func (f *memListStore) BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) *redis.StringCmd {
	v, err := f.pop(source, destination)
	return redis.NewStringResult(v, err)
}

func (f *memListStore) RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd {
	v, err := f.pop(source, destination)
	return redis.NewStringResult(v, err)
}

func (f *memListStore) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	v := value.(string)
	removed := int64(0)
	out := make([]string, 0, len(f.lists[key]))
	for _, item := range f.lists[key] {
		if item == v && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, item)
	}
	f.lists[key] = out
	return redis.NewIntResult(removed, nil)
}

func (f *memListStore) LLen(ctx context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *memListStore) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	list := f.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return redis.NewStringSliceResult(nil, nil)
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return redis.NewStringSliceResult(out, nil)
}

func (f *memListStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	removed := int64(0)
	for _, key := range keys {
		if _, ok := f.lists[key]; ok {
			removed++
			delete(f.lists, key)
		}
	}
	return redis.NewIntResult(removed, nil)
}

func newTestServer(t *testing.T) (*httptest.Server, *memListStore) {
	t.Helper()
	cfg := &config.Config{
		Listen: "127.0.0.1:3000",
		Redis:  "127.0.0.1:6379",
		Role:   config.RoleMaster,
	}
	store := newMemListStore()
	master, err := service.NewMaster(context.Background(), cfg, store)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(master, nil).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, store
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEnqueueAndFetch(t *testing.T) {
	server, store := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/scheduler/scanner/tasks", []string{"10.0.0.0/30"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decode[map[string]uint64](t, resp)
	assert.Equal(t, uint64(4), counts["addrs"])

	resp = postJSON(t, server.URL+"/api/scheduler/scanner/fetch?count=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decode[[]string](t, resp)
	assert.Equal(t, []string{"10.0.0.0/30"}, tokens)

	// The token is leased, not gone.
	assert.Len(t, store.lists["scanner_running_tasks"], 1)
}

func TestCompleteRoundTrip(t *testing.T) {
	server, store := newTestServer(t)

	postJSON(t, server.URL+"/api/scheduler/scanner/tasks", []string{"10.0.0.0/30"})
	postJSON(t, server.URL+"/api/scheduler/scanner/fetch?count=1", nil)

	resp := postJSON(t, server.URL+"/api/scheduler/scanner/complete", []string{"10.0.0.0/30"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, store.lists["scanner_running_tasks"])
}

func TestFetchUnknownTaskKey(t *testing.T) {
	server, _ := newTestServer(t)
	resp := postJSON(t, server.URL+"/api/scheduler/bogus/fetch", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchInvalidCount(t *testing.T) {
	server, _ := newTestServer(t)
	resp := postJSON(t, server.URL+"/api/scheduler/scanner/fetch?count=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndClearTasks(t *testing.T) {
	server, _ := newTestServer(t)

	postJSON(t, server.URL+"/api/scheduler/analyser/tasks", []string{"10.0.0.1", "10.0.0.2"})

	resp, err := http.Get(server.URL + "/api/scheduler/analyser/tasks?skip=0&count=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	page := decode[struct {
		Total int      `json:"total"`
		Tasks []string `json:"tasks"`
	}](t, resp)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, page.Tasks)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/scheduler/analyser/tasks", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	cleared := decode[map[string]int](t, delResp)
	assert.Equal(t, 2, cleared["removed"])
}

func TestRemoveTask(t *testing.T) {
	server, _ := newTestServer(t)

	postJSON(t, server.URL+"/api/scheduler/analyser/tasks", []string{"10.0.0.1", "10.0.0.1"})

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/scheduler/analyser/tasks/10.0.0.1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	removed := decode[map[string]int](t, resp)
	assert.Equal(t, 2, removed["removed"])
}

func TestRecoverEndpoint(t *testing.T) {
	server, store := newTestServer(t)

	postJSON(t, server.URL+"/api/scheduler/scanner/tasks", []string{"10.0.0.0/30"})
	postJSON(t, server.URL+"/api/scheduler/scanner/fetch?count=1", nil)
	require.Len(t, store.lists["scanner_running_tasks"], 1)

	resp := postJSON(t, server.URL+"/api/scheduler/scanner/recover", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recovered := decode[map[string]int](t, resp)
	assert.Equal(t, 1, recovered["recovered"])

	// The next fetch returns the recovered token.
	fetchResp := postJSON(t, server.URL+"/api/scheduler/scanner/fetch?count=1", nil)
	tokens := decode[[]string](t, fetchResp)
	assert.Equal(t, []string{"10.0.0.0/30"}, tokens)
}
