package local

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"

	json "github.com/goccy/go-json"
)

// EncodeRecords renders records as an indented JSON array with a trailing newline.
// Non-ASCII text and HTML characters are written as-is, including inside the output of
// custom MarshalJSON methods.
func EncodeRecords[T any](records []T) ([]byte, error) {
	var compact bytes.Buffer
	compact.WriteByte('[')
	for i, r := range records {
		b, err := json.MarshalNoEscape(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		if i > 0 {
			compact.WriteByte(',')
		}
		compact.Write(b)
	}
	compact.WriteByte(']')

	var out bytes.Buffer
	if err := stdjson.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// DecodeRecords parses a JSON array of records.
func DecodeRecords[T any](b []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("decode records: want a JSON array")
	}
	var out []T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return out, nil
}
