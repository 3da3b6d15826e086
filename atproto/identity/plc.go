package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultPLCURL = "https://plc.directory"

// PLCResolver fetches DID documents from a did:plc directory server, grounded on
// rsky-identity's did_resolver.rs `resolve_no_check` for the plc method.
type PLCResolver struct {
	baseURL string
	client  *retryablehttp.Client
}

func NewPLCResolver(baseURL string, timeout time.Duration) *PLCResolver {
	if baseURL == "" {
		baseURL = defaultPLCURL
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return &PLCResolver{baseURL: baseURL, client: c}
}

func (p *PLCResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	url := p.baseURL + "/" + did
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: plc: building request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: plc: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: plc: %s returned %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("identity: plc: reading body: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("identity: plc: parsing DID document: %w", err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("identity: plc: document id %q does not match requested %q", doc.ID, did)
	}
	return &doc, nil
}
