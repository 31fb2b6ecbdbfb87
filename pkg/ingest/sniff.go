package ingest

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the encoding of an ingestion payload.
type Kind string

const (
	KindCSV    Kind = "csv"
	KindJSON   Kind = "json"
	KindNDJSON Kind = "ndjson"
)

var (
	csvTypes    = map[string]bool{"text/csv": true, "application/csv": true, "application/vnd.ms-excel": true, "text/plain+csv": true}
	jsonTypes   = map[string]bool{"application/json": true, "text/json": true}
	ndjsonTypes = map[string]bool{"application/x-ndjson": true, "application/ndjson": true, "application/jsonl": true, "application/x-jsonlines": true}
)

// ParseKind maps an explicit kind name, returning false when it is not one.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCSV, KindJSON, KindNDJSON:
		return k, true
	case "jsonl":
		return KindNDJSON, true
	}
	return "", false
}

// DetectKind infers the payload kind from the declared content type, then the file extension,
// then the first meaningful byte, then content sniffing. CSV is the default.
func DetectKind(contentType, filename string, head []byte) Kind {
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case csvTypes[ct]:
			return KindCSV
		case jsonTypes[ct]:
			return KindJSON
		case ndjsonTypes[ct]:
			return KindNDJSON
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return KindCSV
	case ".json":
		return KindJSON
	case ".ndjson", ".jsonl":
		return KindNDJSON
	}

	trimmed := bytes.TrimSpace(bytes.TrimPrefix(head, utf8BOM))
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return KindJSON
	}

	if len(head) > 0 {
		detected := mimetype.Detect(head)
		switch {
		case detected.Is("application/x-ndjson"):
			return KindNDJSON
		case detected.Is("application/json"):
			return KindJSON
		case detected.Is("text/csv"):
			return KindCSV
		}
	}
	return KindCSV
}
