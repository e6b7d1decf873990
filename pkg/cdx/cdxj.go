package cdx

import (
	"encoding/json"
	"fmt"

	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

// cdxjRecord mirrors the JSON object carried by a CDXJ line's third field.
type cdxjRecord struct {
	URL          string `json:"url"`
	MIME         string `json:"mime"`
	MIMEDetected string `json:"mime-detected"`
	Status       string `json:"status"`
	Digest       string `json:"digest"`
	Length       string `json:"length"`
	Offset       string `json:"offset"`
	Filename     string `json:"filename"`
}

// parseCDXJ parses one `<surt> <timestamp> <json-object>` line.
func parseCDXJ(surt, timestamp, rawJSON, collection, shardFile string) (pointer.Capture, error) {
	var rec cdxjRecord
	if err := json.Unmarshal([]byte(rawJSON), &rec); err != nil {
		return pointer.Capture{}, fmt.Errorf("%w: error decoding cdxj json: %w", ErrMalformedRecord, err)
	}

	if rec.URL == "" {
		return pointer.Capture{}, fmt.Errorf("%w: cdxj record missing url", ErrMalformedRecord)
	}

	hostRev, err := pointer.HostRev(rec.URL)
	if err != nil {
		return pointer.Capture{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	warcOffset := int64Ptr(rec.Offset)
	warcLength := int64Ptr(rec.Length)

	if warcOffset == nil || warcLength == nil {
		return pointer.Capture{}, fmt.Errorf("%w: cdxj record missing offset/length", ErrMalformedRecord)
	}

	return pointer.Capture{
		URL:          rec.URL,
		HostRev:      hostRev,
		URLKey:       surt,
		Timestamp:    timestamp,
		Status:       intPtr(rec.Status),
		MIME:         strPtr(rec.MIME),
		MIMEDetected: strPtr(rec.MIMEDetected),
		Digest:       strPtr(rec.Digest),
		Length:       int64Ptr(rec.Length),
		WARCFilename: rec.Filename,
		WARCOffset:   *warcOffset,
		WARCLength:   *warcLength,
		Collection:   collection,
		ShardFile:    shardFile,
	}, nil
}
