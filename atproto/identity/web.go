package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/hashicorp/go-retryablehttp"
)

// WebResolver fetches a did:web document from {domain}/.well-known/did.json.
type WebResolver struct {
	client *retryablehttp.Client
}

func NewWebResolver(timeout time.Duration) *WebResolver {
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return &WebResolver{client: c}
}

func (w *WebResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	domain := strings.TrimPrefix(did, "did:web:")
	domain = strings.ReplaceAll(domain, ":", "/")
	if idx := strings.Index(domain, "%3A"); idx >= 0 {
		domain = strings.ReplaceAll(domain, "%3A", ":")
	}
	normalized, err := purell.NormalizeURLString("https://"+domain, purell.FlagsSafe)
	if err != nil {
		return nil, fmt.Errorf("identity: web: normalizing domain %q: %w", domain, err)
	}
	url := strings.TrimSuffix(normalized, "/") + "/.well-known/did.json"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: web: building request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: web: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: web: %s returned %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("identity: web: reading body: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("identity: web: parsing DID document: %w", err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("identity: web: document id %q does not match requested %q", doc.ID, did)
	}
	return &doc, nil
}
