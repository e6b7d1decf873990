package columnar

import "github.com/commoncrawl-tools/ccpointer/pkg/pointer"

// toRow converts a Capture into the map[string]interface{} shape the
// underlying parquet writer expects, one entry per schema field.
func toRow(c pointer.Capture) map[string]interface{} {
	row := map[string]interface{}{
		FieldHostRev:    []byte(c.HostRev),
		FieldWARCOffset: c.WARCOffset,
		FieldWARCLength: c.WARCLength,
	}

	setOptionalBytes(row, FieldURL, nonEmpty(c.URL))
	setOptionalBytes(row, FieldURLKey, nonEmpty(c.URLKey))
	setOptionalBytes(row, FieldTimestamp, nonEmpty(c.Timestamp))
	setOptionalBytes(row, FieldWARCFilename, nonEmpty(c.WARCFilename))
	setOptionalBytes(row, FieldCollection, nonEmpty(c.Collection))
	setOptionalBytes(row, FieldShardFile, nonEmpty(c.ShardFile))

	if c.Status != nil {
		row[FieldStatus] = *c.Status
	}

	if c.MIME != nil {
		row[FieldMIME] = []byte(*c.MIME)
	}

	if c.MIMEDetected != nil {
		row[FieldMIMEDetected] = []byte(*c.MIMEDetected)
	}

	if c.Digest != nil {
		row[FieldDigest] = []byte(*c.Digest)
	}

	if c.Length != nil {
		row[FieldLength] = *c.Length
	}

	return row
}

// fromRow reconstructs a Capture from a row returned by the parquet reader.
func fromRow(row map[string]interface{}) pointer.Capture {
	c := pointer.Capture{
		HostRev: string(asBytes(row[FieldHostRev])),
		URL:     string(asBytes(row[FieldURL])),
		URLKey:  string(asBytes(row[FieldURLKey])),
	}

	if v, ok := row[FieldTimestamp]; ok {
		c.Timestamp = string(asBytes(v))
	}

	if v, ok := row[FieldStatus]; ok {
		n := asInt32(v)
		c.Status = &n
	}

	if v, ok := row[FieldMIME]; ok {
		s := string(asBytes(v))
		c.MIME = &s
	}

	if v, ok := row[FieldMIMEDetected]; ok {
		s := string(asBytes(v))
		c.MIMEDetected = &s
	}

	if v, ok := row[FieldDigest]; ok {
		s := string(asBytes(v))
		c.Digest = &s
	}

	if v, ok := row[FieldLength]; ok {
		n := asInt64(v)
		c.Length = &n
	}

	if v, ok := row[FieldWARCFilename]; ok {
		c.WARCFilename = string(asBytes(v))
	}

	c.WARCOffset = asInt64(row[FieldWARCOffset])
	c.WARCLength = asInt64(row[FieldWARCLength])

	if v, ok := row[FieldCollection]; ok {
		c.Collection = string(asBytes(v))
	}

	if v, ok := row[FieldShardFile]; ok {
		c.ShardFile = string(asBytes(v))
	}

	return c
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func setOptionalBytes(row map[string]interface{}, field string, v *string) {
	if v == nil {
		return
	}

	row[field] = []byte(*v)
}

func asBytes(v interface{}) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func asInt32(v interface{}) int32 {
	switch n := v.(type) {
	case int32:
		return n
	case int64:
		return int32(n)
	case int:
		return int32(n)
	default:
		return 0
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
