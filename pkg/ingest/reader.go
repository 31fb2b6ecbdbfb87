package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/elonfeng/kpiradar/pkg/normalize"
)

// maxLineBytes bounds one NDJSON line.
const maxLineBytes = 4 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadRows decodes a payload of the given kind into rows. Undecodable records become
// malformed rows so they still reach the audit trail; only I/O failures are yielded as errors.
func ReadRows(r io.Reader, kind Kind) iter.Seq2[normalize.Row, error] {
	switch kind {
	case KindJSON:
		return readJSON(r)
	case KindNDJSON:
		return readNDJSON(r)
	default:
		return readCSV(r)
	}
}

// SliceRows adapts materialized rows to the iterator form the pipeline consumes.
func SliceRows(rows []normalize.Row) iter.Seq2[normalize.Row, error] {
	return func(yield func(normalize.Row, error) bool) {
		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	}
}

func readCSV(r io.Reader) iter.Seq2[normalize.Row, error] {
	return func(yield func(normalize.Row, error) bool) {
		br := bufio.NewReader(r)
		if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = br.Discard(len(utf8BOM))
		}

		cr := csv.NewReader(br)
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		cr.TrimLeadingSpace = true

		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("read csv header: %w", err))
			return
		}
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}

		for {
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				if !yield(normalize.MalformedRow(perr.Error()), nil) {
					return
				}
				continue
			}
			if err != nil {
				yield(nil, fmt.Errorf("read csv: %w", err))
				return
			}
			if blankRecord(record) {
				continue
			}

			row := make(normalize.Row, len(header))
			for i, col := range header {
				if col == "" || i >= len(record) {
					continue
				}
				row[col] = record[i]
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func blankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// readJSON accepts an array of objects or a single object, and falls back to NDJSON
// when the payload is neither.
func readJSON(r io.Reader) iter.Seq2[normalize.Row, error] {
	return func(yield func(normalize.Row, error) bool) {
		data, err := io.ReadAll(r)
		if err != nil {
			yield(nil, fmt.Errorf("read json: %w", err))
			return
		}
		data = bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
		if len(data) == 0 {
			return
		}

		var doc any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil || dec.More() {
			for row, err := range readNDJSON(bytes.NewReader(data)) {
				if !yield(row, err) {
					return
				}
			}
			return
		}

		switch v := doc.(type) {
		case []any:
			for _, item := range v {
				if !yield(toRow(item), nil) {
					return
				}
			}
		case map[string]any:
			yield(normalize.Row(v), nil)
		default:
			yield(normalize.MalformedRow(string(data)), nil)
		}
	}
}

func readNDJSON(r io.Reader) iter.Seq2[normalize.Row, error] {
	return func(yield func(normalize.Row, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		first := true
		for sc.Scan() {
			line := sc.Bytes()
			if first {
				line = bytes.TrimPrefix(line, utf8BOM)
				first = false
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var obj map[string]any
			dec := json.NewDecoder(bytes.NewReader(line))
			dec.UseNumber()
			row := normalize.MalformedRow(string(line))
			if err := dec.Decode(&obj); err == nil && obj != nil {
				row = normalize.Row(obj)
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("read ndjson: %w", err))
		}
	}
}

func toRow(item any) normalize.Row {
	if m, ok := item.(map[string]any); ok {
		return normalize.Row(m)
	}
	b, _ := json.Marshal(item)
	return normalize.MalformedRow(string(b))
}
