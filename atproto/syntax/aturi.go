package syntax

import (
	"fmt"
	"strings"
)

// ATURI is a parsed "at://{did}/{collection}/{rkey}" resource identifier.
type ATURI struct {
	raw string
}

func ParseATURI(raw string) (ATURI, error) {
	if !strings.HasPrefix(raw, "at://") {
		return ATURI{}, fmt.Errorf("syntax: AT-URI must start with at://: %q", raw)
	}
	return ATURI{raw: raw}, nil
}

// NewATURI builds an AT-URI from a DID and a repo path ("collection/rkey"), matching the
// indexer's `uri = at://{did}/{path}` construction.
func NewATURI(did DID, collection NSID, rkey string) ATURI {
	return ATURI{raw: fmt.Sprintf("at://%s/%s/%s", did.String(), collection.String(), rkey)}
}

func (u ATURI) String() string { return u.raw }

// Authority returns the DID (or handle) portion of the URI.
func (u ATURI) Authority() string {
	rest := strings.TrimPrefix(u.raw, "at://")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// Collection returns the NSID path segment, if present.
func (u ATURI) Collection() string {
	parts := strings.SplitN(strings.TrimPrefix(u.raw, "at://"), "/", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// RecordKey returns the rkey path segment, if present.
func (u ATURI) RecordKey() string {
	parts := strings.SplitN(strings.TrimPrefix(u.raw, "at://"), "/", 3)
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}
