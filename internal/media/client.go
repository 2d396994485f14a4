// Package media resolves download links for documents stored by the media service.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const downloadPath = "/api/v1/media/internal/download/"

var (
	// ErrUnavailable means the media service is not configured.
	ErrUnavailable = errors.New("media: service not configured")
	// ErrNoLocation means the media service answered without a redirect target.
	ErrNoLocation = errors.New("media: no download location")
)

type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient returns a client for baseURL. An empty baseURL yields a client whose calls
// fail with ErrUnavailable.
func NewClient(baseURL, internalAPIKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rc := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	if internalAPIKey != "" {
		rc.SetHeader("X-Internal-API-Key", internalAPIKey)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: rc}
}

// DownloadURL asks the media service for a short-lived link to mediaID.
func (c *Client) DownloadURL(ctx context.Context, mediaID string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", ErrUnavailable
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.baseURL + downloadPath + url.PathEscape(mediaID))
	if err != nil {
		return "", fmt.Errorf("media: download link: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusFound, http.StatusMovedPermanently, http.StatusTemporaryRedirect:
		if loc := resp.Header().Get("Location"); loc != "" {
			return loc, nil
		}
	}
	return "", fmt.Errorf("%w (status %d)", ErrNoLocation, resp.StatusCode())
}
