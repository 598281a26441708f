package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/cuemby/nscan/pkg/types"
)

// bodyPlaceholder replaces response bodies that do not decode as UTF-8.
const bodyPlaceholder = "Failed to parse body"

// maxBodyBytes bounds the captured response body.
const maxBodyBytes = 4 << 20

// HTTP issues GET http://{addr}/ through the given client and captures
// status, headers and body. Any HTTP response counts as success; transport
// errors and timeouts are probe failures.
func HTTP(ctx context.Context, client *http.Client, addr string) (*types.HTTPResponseData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errors.New(ErrTimeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	headers := make(map[string][]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[strings.ToLower(name)] = values
	}

	body := ""
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err == nil {
		if utf8.Valid(raw) {
			body = string(raw)
		} else {
			body = bodyPlaceholder
		}
	}

	return &types.HTTPResponseData{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    body,
	}, nil
}
