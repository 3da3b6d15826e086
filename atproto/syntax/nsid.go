package syntax

import (
	"fmt"
	"regexp"
	"strings"
)

// NSID is a namespaced identifier for a lexicon schema / record collection, eg
// "app.bsky.feed.post".
type NSID struct {
	raw string
}

var nsidRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*(\.[a-zA-Z][a-zA-Z0-9-]*)+$`)

func ParseNSID(raw string) (NSID, error) {
	if len(raw) > 317 {
		return NSID{}, fmt.Errorf("syntax: NSID too long")
	}
	if !nsidRegex.MatchString(raw) {
		return NSID{}, fmt.Errorf("syntax: invalid NSID syntax: %q", raw)
	}
	return NSID{raw: raw}, nil
}

func (n NSID) String() string { return n.raw }

// recordKeyRegex matches atproto's record key syntax: 1-512 characters from a restricted set.
// The reserved "." and ".." keys match it and are rejected separately by ParseRepoPath.
var recordKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9._:~-]{1,512}$`)

// ParseRepoPath splits a repo MST key of the form "collection/rkey" in to its NSID and record
// key parts, validating both. The key must contain exactly one '/' separator.
func ParseRepoPath(path string) (NSID, string, error) {
	idx := strings.IndexByte(path, '/')
	if idx < 0 || strings.IndexByte(path[idx+1:], '/') >= 0 {
		return NSID{}, "", fmt.Errorf("syntax: repo path must contain exactly one '/': %q", path)
	}
	collection, rkey := path[:idx], path[idx+1:]
	nsid, err := ParseNSID(collection)
	if err != nil {
		return NSID{}, "", err
	}
	if rkey == "" || rkey == "." || rkey == ".." || !recordKeyRegex.MatchString(rkey) {
		return NSID{}, "", fmt.Errorf("syntax: invalid record key: %q", rkey)
	}
	return nsid, rkey, nil
}
