package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBody = 64 << 10

// HTTPTarget POSTs the body as JSON to the destination URL. Non-2xx
// responses are errors.
type HTTPTarget struct {
	Client *http.Client
}

func NewHTTPTarget(timeout time.Duration) HTTPTarget {
	return HTTPTarget{Client: &http.Client{Timeout: timeout}}
}

func (t HTTPTarget) Send(ctx context.Context, destination string, body []byte) (Result, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tributary-dispatch")
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{
		StatusCode:     resp.StatusCode,
		Identification: firstHeader(resp.Header, "X-Request-Id", "X-Correlation-Id", "Location"),
		RawResponse:    string(raw),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("%s returned %d", destination, resp.StatusCode)
	}
	return res, nil
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}
