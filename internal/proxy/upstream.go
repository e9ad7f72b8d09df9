package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UpstreamResponse is a fully buffered upstream reply.
type UpstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Upstream sends a request to the target API. The interface exists so
// tests and the replay endpoint can run the pipeline without a network.
type Upstream interface {
	Send(ctx context.Context, method, url string, header http.Header, body []byte) (*UpstreamResponse, error)
}

// HTTPUpstream is the production implementation, sharing one client
// across requests.
type HTTPUpstream struct {
	client *http.Client
}

// NewHTTPUpstream returns an upstream with a generous timeout; slow
// model responses are normal.
func NewHTTPUpstream() *HTTPUpstream {
	return &HTTPUpstream{
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (u *HTTPUpstream) Send(ctx context.Context, method, url string, header http.Header, body []byte) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &UpstreamResponse{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBody,
	}, nil
}
