package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HostChecker verifies a candidate upstream host is actually a reachable AT Protocol host
// before the relay starts crawling it.
type HostChecker interface {
	CheckHost(ctx context.Context, hostname string, ssl bool) error
}

type httpHostChecker struct {
	client    *retryablehttp.Client
	userAgent string
}

// NewHostClient builds the default HostChecker, which GETs the host's describeServer endpoint.
func NewHostClient(userAgent string) HostChecker {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 1
	c.HTTPClient.Timeout = 10 * time.Second
	return &httpHostChecker{client: c, userAgent: userAgent}
}

func (h *httpHostChecker) CheckHost(ctx context.Context, hostname string, ssl bool) error {
	scheme := "https"
	if !ssl {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s/xrpc/com.atproto.server.describeServer", scheme, hostname)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", h.userAgent)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: host %s unreachable: %w", hostname, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("relay: host %s returned %d", hostname, resp.StatusCode)
	}
	return nil
}
