package cdx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

// parseLegacyCDX parses a whitespace-delimited legacy CDX line. The exact
// field layout varies by CDX flavor, so rather than assume a fixed column
// count this extracts urlkey/timestamp/url positionally from the front and
// scans the remaining tokens for the "key:value" metadata pairs and the
// leading WARC filename token the spec requires (§4.1).
func parseLegacyCDX(line, collection, shardFile string) (pointer.Capture, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return pointer.Capture{}, fmt.Errorf("%w: expected at least 3 whitespace fields, got %d", ErrMalformedRecord, len(fields))
	}

	urlkey := fields[0]
	timestamp := fields[1]

	var (
		url, warcFilename    string
		status, mime, digest string
		offset               string
		warcLen              string
	)

	// The original URL is conventionally the third field in legacy CDX
	// (a b original mimetype statuscode digest ... filename offset length).
	url = fields[2]

	if len(fields) > 3 {
		mime = orDash(fields[3])
	}

	if len(fields) > 4 {
		status = orDash(fields[4])
	}

	if len(fields) > 5 {
		digest = orDash(fields[5])
	}

	for _, tok := range fields[3:] {
		switch {
		case strings.HasPrefix(tok, "offset:"):
			offset = strings.TrimPrefix(tok, "offset:")
		case strings.HasPrefix(tok, "length:"):
			warcLen = strings.TrimPrefix(tok, "length:")
		case strings.HasSuffix(tok, ".warc.gz") || strings.HasSuffix(tok, ".warc"):
			warcFilename = tok
		}
	}

	if offset == "" || warcLen == "" || warcFilename == "" {
		return pointer.Capture{}, fmt.Errorf("%w: legacy cdx record missing warc pointer fields", ErrMalformedRecord)
	}

	warcOffset, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		return pointer.Capture{}, fmt.Errorf("%w: error parsing offset: %w", ErrMalformedRecord, err)
	}

	warcLength, err := strconv.ParseInt(warcLen, 10, 64)
	if err != nil {
		return pointer.Capture{}, fmt.Errorf("%w: error parsing length: %w", ErrMalformedRecord, err)
	}

	hostRev, err := pointer.HostRev(url)
	if err != nil {
		return pointer.Capture{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	return pointer.Capture{
		URL:          url,
		HostRev:      hostRev,
		URLKey:       urlkey,
		Timestamp:    timestamp,
		Status:       intPtr(status),
		MIME:         strPtr(mime),
		Digest:       strPtr(digest),
		WARCFilename: warcFilename,
		WARCOffset:   warcOffset,
		WARCLength:   warcLength,
		Collection:   collection,
		ShardFile:    shardFile,
	}, nil
}

func orDash(s string) string {
	if s == "-" {
		return ""
	}

	return s
}
