// Package gateway fetches plebbit content from an IPFS HTTP gateway.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/goccy/go-json"
)

const defaultGateway = "https://ipfs.io"

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Body)
}

// Client is a domain.Fetcher that reads immutable content from /ipfs/<cid>
// and community snapshots from /ipns/<address>.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.Fetcher = (*Client)(nil)

// NewClient creates a gateway client. If baseURL is empty, it defaults to
// https://ipfs.io.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultGateway
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) GetPage(ctx context.Context, cid string) (*domain.Page, error) {
	var page domain.Page
	if err := c.get(ctx, "/ipfs/"+cid, &page); err != nil {
		return nil, fmt.Errorf("get page %s: %w", cid, err)
	}
	return &page, nil
}

// GetComment returns the comment stored at cid. Content addressed comments
// do not carry their own cid, so it is filled in.
func (c *Client) GetComment(ctx context.Context, cid string) (*domain.Comment, error) {
	var comment domain.Comment
	if err := c.get(ctx, "/ipfs/"+cid, &comment); err != nil {
		return nil, fmt.Errorf("get comment %s: %w", cid, err)
	}
	comment.Cid = cid
	return &comment, nil
}

func (c *Client) GetSubplebbit(ctx context.Context, address string) (*domain.Subplebbit, error) {
	var sub domain.Subplebbit
	if err := c.get(ctx, "/ipns/"+address, &sub); err != nil {
		return nil, fmt.Errorf("get subplebbit %s: %w", address, err)
	}
	if sub.Address == "" {
		sub.Address = address
	}
	return &sub, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
