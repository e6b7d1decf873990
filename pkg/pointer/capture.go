// Package pointer defines the Capture record and Collection types shared by
// every stage of the pointer-index pipeline (decode, sort, columnar write,
// index, plan) along with the host_rev canonicalization rules that make
// domain lookups prefix-addressable.
package pointer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Capture is the atomic unit indexed by ccpointer: one archived HTTP
// transaction recorded by a Common Crawl CDX shard.
//
// String-like fields are nullable except url, host_rev and urlkey, which
// are always derivable from the input line. warc_offset and warc_length are
// never null; every other numeric field may be.
type Capture struct {
	URL     string
	HostRev string
	URLKey  string

	// Timestamp is the 14-digit YYYYMMDDHHMMSS capture time.
	Timestamp string

	Status        *int32
	MIME          *string
	MIMEDetected  *string
	Digest        *string
	Length        *int64

	WARCFilename string
	WARCOffset   int64
	WARCLength   int64

	Collection string
	ShardFile  string
}

// ErrEmptyURL is returned when a Capture cannot be built because its URL is
// empty.
var ErrEmptyURL = errors.New("capture url is empty")

// CompositeKey returns the (host_rev, url, timestamp) tuple this Capture
// sorts by, per the shard sort order invariant.
func (c Capture) CompositeKey() (hostRev, url, timestamp string) {
	return c.HostRev, c.URL, c.Timestamp
}

// Less reports whether a sorts strictly before b under the composite
// key (host_rev, url, timestamp), using byte-wise comparison of the UTF-8
// encoding as required by the external sorter's tie-break rule.
func Less(a, b Capture) bool {
	if a.HostRev != b.HostRev {
		return a.HostRev < b.HostRev
	}

	if a.URL != b.URL {
		return a.URL < b.URL
	}

	return a.Timestamp < b.Timestamp
}

// HostRev derives the reversed-label host key from a raw URL: lowercase,
// strip scheme, strip userinfo and port, split on '.', reverse with ',' as
// separator, drop a trailing empty label produced by a trailing dot.
//
// www. is deliberately never stripped here; subdomain semantics in the
// query planner depend on the full label chain surviving into host_rev.
func HostRev(rawURL string) (string, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return "", err
	}

	if host == "" {
		return "", nil
	}

	labels := strings.Split(host, ".")
	if labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}

	reversed := make([]string, len(labels))
	for i, label := range labels {
		reversed[len(labels)-1-i] = label
	}

	return strings.Join(reversed, ","), nil
}

// hostOf extracts the lowercased host (no userinfo, no port) from a raw URL
// or bare host string. It does not require a scheme: "example.com/a" and
// "https://example.com/a" both yield "example.com".
func hostOf(rawURL string) (string, error) {
	if rawURL == "" {
		return "", ErrEmptyURL
	}

	s := strings.ToLower(strings.TrimSpace(rawURL))

	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}

	// Strip userinfo.
	if idx := strings.Index(s, "@"); idx >= 0 {
		// Only treat '@' before the first '/' as userinfo.
		if slash := strings.IndexByte(s, '/'); slash < 0 || idx < slash {
			s = s[idx+1:]
		}
	}

	// Cut off path, query and fragment.
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}

	// IPv6 literal: keep the bracketed form's inner content untouched by the
	// port-stripping logic below.
	if strings.HasPrefix(s, "[") {
		if end := strings.IndexByte(s, ']'); end >= 0 {
			return s[1:end], nil
		}

		return "", fmt.Errorf("error parsing host from %q: unterminated IPv6 literal", rawURL)
	}

	// Strip a trailing port.
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		if _, err := strconv.Atoi(s[idx+1:]); err == nil {
			s = s[:idx]
		}
	}

	return s, nil
}

// NormalizeDomain reduces a raw domain or URL string to a bare host for
// planner lookups: lowercase, scheme/path/port/userinfo stripped. When
// stripWWW is true, a single leading "www." label is also removed, matching
// the query planner's opt-in "bare domain" mode (§4.6 F.2 step 1).
func NormalizeDomain(raw string, stripWWW bool) (string, error) {
	host, err := hostOf(raw)
	if err != nil {
		return "", err
	}

	if stripWWW {
		host = strings.TrimPrefix(host, "www.")
	}

	return host, nil
}
