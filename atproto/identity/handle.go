package identity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	handleTXTSubdomain = "_atproto"
	handleTXTPrefix    = "did="
)

// HandleResolver resolves an atproto handle to its claimed DID, trying a DNS TXT record first
// and falling back to the HTTPS well-known path, then to a set of backup nameservers if the
// system resolver itself is unreachable or censored — grounded on rsky-identity's
// `handle/mod.rs` resolution order (DNS, then HTTP, then backup DNS).
type HandleResolver struct {
	timeout     time.Duration
	client      *http.Client
	resolver    *net.Resolver
	backupNS    []string
}

func NewHandleResolver(timeout time.Duration, backupNameservers []string) *HandleResolver {
	return &HandleResolver{
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		resolver: net.DefaultResolver,
		backupNS: backupNameservers,
	}
}

func (h *HandleResolver) Resolve(ctx context.Context, handle string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if did, err := h.resolveDNS(ctx, h.resolver, handle); err == nil && did != "" {
		return did, nil
	}
	if did, err := h.resolveHTTP(ctx, handle); err == nil && did != "" {
		return did, nil
	}
	return h.resolveBackupDNS(ctx, handle)
}

func (h *HandleResolver) resolveDNS(ctx context.Context, resolver *net.Resolver, handle string) (string, error) {
	name := handleTXTSubdomain + "." + handle
	records, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return "", fmt.Errorf("identity: handle: dns lookup %s: %w", name, err)
	}
	return parseHandleTXT(records), nil
}

func (h *HandleResolver) resolveHTTP(ctx context.Context, handle string) (string, error) {
	url := "https://" + handle + "/.well-known/atproto-did"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("identity: handle: building request: %w", err)
	}
	req.Header.Set("Connection", "Keep-Alive")
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: handle: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: handle: %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("identity: handle: reading body: %w", err)
	}
	first := strings.TrimSpace(strings.SplitN(string(body), "\n", 2)[0])
	if !strings.HasPrefix(first, "did:") {
		return "", fmt.Errorf("identity: handle: %s did not return a DID", url)
	}
	return first, nil
}

// resolveBackupDNS retries the TXT lookup against an operator-configured list of backup
// nameservers, for deployments where the host's system resolver can't reach the public DNS
// root (e.g. a split-horizon or censored network).
func (h *HandleResolver) resolveBackupDNS(ctx context.Context, handle string) (string, error) {
	if len(h.backupNS) == 0 {
		return "", fmt.Errorf("identity: handle: %s: all resolution paths failed", handle)
	}
	for _, ns := range h.backupNS {
		addr := ns
		if !strings.Contains(addr, ":") {
			addr = addr + ":53"
		}
		resolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: h.timeout}
				return d.DialContext(ctx, network, addr)
			},
		}
		if did, err := h.resolveDNS(ctx, resolver, handle); err == nil && did != "" {
			return did, nil
		}
	}
	return "", fmt.Errorf("identity: handle: %s: backup nameservers exhausted", handle)
}

func parseHandleTXT(records []string) string {
	var found []string
	for _, r := range records {
		if strings.HasPrefix(r, handleTXTPrefix) {
			found = append(found, strings.TrimPrefix(r, handleTXTPrefix))
		}
	}
	if len(found) != 1 {
		return ""
	}
	return found[0]
}
