package columnar

import "github.com/fraugster/parquet-go/parquetschema"

// Field name constants, shared by the writer, reader and row-group stats
// extraction so a typo can't silently desync them.
const (
	FieldURL          = "url"
	FieldHostRev      = "host_rev"
	FieldURLKey       = "urlkey"
	FieldTimestamp    = "timestamp"
	FieldStatus       = "status"
	FieldMIME         = "mime"
	FieldMIMEDetected = "mime_detected"
	FieldDigest       = "digest"
	FieldLength       = "length"
	FieldWARCFilename = "warc_filename"
	FieldWARCOffset   = "warc_offset"
	FieldWARCLength   = "warc_length"
	FieldCollection   = "collection"
	FieldShardFile    = "shard_file"
)

// schemaText is the fixed capture schema (§3.1): string-like fields are
// optional, integer fields are optional except warc_offset/warc_length.
const schemaText = `message capture {
	optional binary url (STRING);
	required binary host_rev (STRING);
	optional binary urlkey (STRING);
	optional binary timestamp (STRING);
	optional int32 status;
	optional binary mime (STRING);
	optional binary mime_detected (STRING);
	optional binary digest (STRING);
	optional int64 length;
	optional binary warc_filename (STRING);
	required int64 warc_offset;
	required int64 warc_length;
	optional binary collection (STRING);
	optional binary shard_file (STRING);
}`

// Schema parses and returns the capture shard's fixed schema definition.
func Schema() (*parquetschema.SchemaDefinition, error) {
	return parquetschema.ParseSchemaDefinition(schemaText)
}
