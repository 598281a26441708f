package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type httpResponse struct {
	StatusCode int
	Body       string
}

func getWithContext(ctx context.Context, client *http.Client, url string) (*httpResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return &httpResponse{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

func fetchJSON[T any](ctx context.Context, url string) (T, error) {
	var out T
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := getWithContext(ctx, client, url)
	if err != nil {
		return out, err
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		return out, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return out, nil
}

// fetchAddrList fetches a whitespace-separated address list.
func fetchAddrList(ctx context.Context, url string) ([]string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := getWithContext(ctx, client, url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return strings.Fields(resp.Body), nil
}
